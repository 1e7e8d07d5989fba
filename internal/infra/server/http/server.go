// Package httpserver exposes the authenticated command surface: channel
// lifecycle, auctions, chat, and orders. Commands are validated here, then
// handed to the engine; reads go straight through.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/auth"
	"github.com/streambid/streambid/internal/domain/schema"
	"github.com/streambid/streambid/internal/engine"
)

const maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

// Commands is the engine surface the server drives. *engine.Engine
// satisfies this.
type Commands interface {
	CreateChannel(ctx context.Context, caller auth.Identity, title string) (schema.Channel, error)
	StartChannel(ctx context.Context, caller auth.Identity, channelID int64) (schema.Channel, error)
	EndChannel(ctx context.Context, caller auth.Identity, channelID int64) (schema.Channel, error)
	GetChannel(ctx context.Context, channelID int64) (schema.Channel, error)
	Highlight(ctx context.Context, caller auth.Identity, channelID, productID int64) error
	Unhighlight(ctx context.Context, caller auth.Identity, channelID int64) error

	StartAuction(ctx context.Context, caller auth.Identity, in engine.StartAuctionInput) (schema.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (schema.Auction, error)
	PlaceBid(ctx context.Context, caller auth.Identity, auctionID string, amount decimal.Decimal) (schema.Auction, error)
	Buyout(ctx context.Context, caller auth.Identity, auctionID string) (schema.Auction, error)
	CloseEarly(ctx context.Context, caller auth.Identity, auctionID string) (schema.Auction, error)
	Cancel(ctx context.Context, caller auth.Identity, auctionID string) error

	SendMessage(ctx context.Context, caller auth.Identity, channelID int64, content string) (schema.Message, error)
	ListMessages(ctx context.Context, channelID int64, limit int) ([]schema.Message, error)
	DeleteMessage(ctx context.Context, caller auth.Identity, channelID int64, messageID string) error

	GetOrder(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error)
	ListOrders(ctx context.Context, caller auth.Identity, limit int) ([]schema.Order, error)
	MarkOrderPaid(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error)
	MarkOrderShipped(ctx context.Context, caller auth.Identity, orderID string) (schema.Order, error)
}

// Config carries command-surface tunables.
type Config struct {
	// CommandTimeout bounds a single command end to end.
	CommandTimeout time.Duration
	// ChatLimit and ChatWindow throttle message sends per user.
	ChatLimit  int
	ChatWindow time.Duration
}

func (c Config) normalize() Config {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
	if c.ChatLimit <= 0 {
		c.ChatLimit = 10
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = time.Minute
	}
	return c
}

// Server routes authenticated commands to the engine.
type Server struct {
	commands Commands
	authn    *auth.Authenticator
	gateway  http.Handler
	cfg      Config

	validate *validator.Validate
	chat     *userLimiter

	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New constructs a Server. The gateway handler is mounted at /ws and owns
// its own authentication; pass nil to disable the websocket surface.
func New(commands Commands, authn *auth.Authenticator, gateway http.Handler, cfg Config) *Server {
	cfg = cfg.normalize()
	registry := prometheus.NewRegistry()
	return &Server{
		commands: commands,
		authn:    authn,
		gateway:  gateway,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		chat:     newUserLimiter(cfg.ChatLimit, cfg.ChatWindow),
		registry: registry,
		requests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "streambid_http_requests_total",
			Help: "Commands served, by route and status.",
		}, []string{"method", "route", "status"}),
		latency: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streambid_http_request_duration_seconds",
			Help:    "Command latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler assembles the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.gateway != nil {
		r.Handle("/ws", s.gateway)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.instrument)
		r.Use(s.authenticate)
		r.Use(s.timeout)

		r.Post("/channels", s.createChannel)
		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Get("/", s.getChannel)
			r.Post("/start", s.startChannel)
			r.Post("/end", s.endChannel)
			r.Post("/highlight", s.highlight)
			r.Delete("/highlight", s.unhighlight)
			r.Post("/auctions", s.startAuction)
			r.Get("/messages", s.listMessages)
			r.Post("/messages", s.sendMessage)
			r.Delete("/messages/{messageID}", s.deleteMessage)
		})
		r.Route("/auctions/{auctionID}", func(r chi.Router) {
			r.Get("/", s.getAuction)
			r.Post("/bids", s.placeBid)
			r.Post("/buyout", s.buyout)
			r.Post("/close", s.closeAuction)
			r.Post("/cancel", s.cancelAuction)
		})
		r.Get("/orders", s.listOrders)
		r.Route("/orders/{orderID}", func(r chi.Router) {
			r.Get("/", s.getOrder)
			r.Post("/pay", s.payOrder)
			r.Post("/ship", s.shipOrder)
		})
	})
	return r
}

type createChannelRequest struct {
	Title string `json:"title" validate:"required,max=200"`
}

func (s *Server) createChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	channel, err := s.commands.CreateChannel(r.Context(), identityFrom(r.Context()), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) getChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	channel, err := s.commands.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) startChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	channel, err := s.commands.StartChannel(r.Context(), identityFrom(r.Context()), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) endChannel(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	channel, err := s.commands.EndChannel(r.Context(), identityFrom(r.Context()), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

type highlightRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
}

func (s *Server) highlight(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req highlightRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.commands.Highlight(r.Context(), identityFrom(r.Context()), channelID, req.ProductID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) unhighlight(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	if err := s.commands.Unhighlight(r.Context(), identityFrom(r.Context()), channelID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startAuctionRequest struct {
	ProductID       int64  `json:"product_id" validate:"required,gt=0"`
	DurationSeconds int    `json:"duration_seconds" validate:"required,gt=0"`
	BuyoutPrice     string `json:"buyout_price,omitempty"`
}

func (s *Server) startAuction(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	var req startAuctionRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := engine.StartAuctionInput{
		ChannelID:       channelID,
		ProductID:       req.ProductID,
		DurationSeconds: req.DurationSeconds,
	}
	if req.BuyoutPrice != "" {
		buyout, err := decimal.NewFromString(req.BuyoutPrice)
		if err != nil {
			writeError(w, errs.New("http/start_auction", errs.CodeInvalid, errs.WithMessage("malformed buyout_price")))
			return
		}
		in.BuyoutPrice = &buyout
	}
	auction, err := s.commands.StartAuction(r.Context(), identityFrom(r.Context()), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, auction)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := s.commands.GetAuction(r.Context(), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

type bidRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var req bidRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errs.New("http/place_bid", errs.CodeInvalid, errs.WithMessage("malformed amount")))
		return
	}
	auction, err := s.commands.PlaceBid(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "auctionID"), amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

func (s *Server) buyout(w http.ResponseWriter, r *http.Request) {
	auction, err := s.commands.Buyout(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

func (s *Server) closeAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := s.commands.CloseEarly(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "auctionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

func (s *Server) cancelAuction(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.Cancel(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "auctionID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	caller := identityFrom(r.Context())
	if !s.chat.Allow(caller.UserID) {
		writeError(w, errs.New("http/send_message", errs.CodeRateLimited,
			errs.WithMessage("message rate limit exceeded"), errs.WithReason("rate_limited")))
		return
	}
	var req sendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	message, err := s.commands.SendMessage(r.Context(), caller, channelID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	messages, err := s.commands.ListMessages(r.Context(), channelID, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathID(w, r, "channelID")
	if !ok {
		return
	}
	err := s.commands.DeleteMessage(r.Context(), identityFrom(r.Context()), channelID, chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.commands.ListOrders(r.Context(), identityFrom(r.Context()), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.commands.GetOrder(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) payOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.commands.MarkOrderPaid(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) shipOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.commands.MarkOrderShipped(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// decode reads, bounds, and validates a JSON request body. On failure it
// writes the error response and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	defer func() { _ = body.Close() }()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		writeError(w, errs.New("http/decode", errs.CodeInvalid, errs.WithMessage("malformed request body"), errs.WithCause(err)))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, errs.New("http/validate", errs.CodeInvalid, errs.WithMessage(validationMessage(err)), errs.WithCause(err)))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return "invalid field " + first.Field()
	}
	return "invalid request"
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, errs.New("http/path", errs.CodeInvalid, errs.WithMessage("malformed "+name)))
		return 0, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}
