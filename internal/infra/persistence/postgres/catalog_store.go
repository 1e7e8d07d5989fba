package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streambid/streambid/internal/domain/schema"
)

// UserStore resolves platform identities.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore constructs a UserStore backed by the provided pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userSelectSQL = `
SELECT id, display_name, roles, created_at
FROM users
WHERE id = $1;
`

// GetUser fetches a user by id.
func (s *UserStore) GetUser(ctx context.Context, id int64) (schema.User, error) {
	const op = "postgres/user"
	var (
		user  schema.User
		roles []string
	)
	err := s.pool.QueryRow(ctx, userSelectSQL, id).Scan(&user.ID, &user.DisplayName, &roles, &user.CreatedAt)
	if err != nil {
		return schema.User{}, storeErr(op, "get user", err)
	}
	user.Roles = make([]schema.Role, 0, len(roles))
	for _, role := range roles {
		user.Roles = append(user.Roles, schema.Role(role))
	}
	return user, nil
}

// ProductStore reads sellable items.
type ProductStore struct {
	pool *pgxpool.Pool
}

// NewProductStore constructs a ProductStore backed by the provided pool.
func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

const productSelectSQL = `
SELECT id, shop_id, name, price::text, is_active, created_at
FROM products
WHERE id = $1;
`

// GetProduct fetches a product by id.
func (s *ProductStore) GetProduct(ctx context.Context, id int64) (schema.Product, error) {
	const op = "postgres/product"
	var (
		product schema.Product
		price   string
	)
	err := s.pool.QueryRow(ctx, productSelectSQL, id).Scan(
		&product.ID, &product.ShopID, &product.Name, &price, &product.IsActive, &product.CreatedAt,
	)
	if err != nil {
		return schema.Product{}, storeErr(op, "get product", err)
	}
	product.Price, err = decimalFromText(op, price)
	if err != nil {
		return schema.Product{}, err
	}
	return product, nil
}
