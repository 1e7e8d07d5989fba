package postgres

import (
	"github.com/shopspring/decimal"

	"github.com/streambid/streambid/errs"
)

// decimalFromText parses a numeric column selected with ::text.
func decimalFromText(op, value string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, errs.New(op, errs.CodeInternal, errs.WithMessage("parse numeric "+value), errs.WithCause(err))
	}
	return d, nil
}

// decimalArg renders a decimal for a numeric parameter.
func decimalArg(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// nullableDecimalArg renders an optional decimal; nil maps to NULL.
func nullableDecimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return decimalArg(*d)
}
