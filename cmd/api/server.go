package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/entitlement"
	"escrowflow/ledger"
	"escrowflow/listing"
	"escrowflow/order"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// orchestrator is the slice of the engine the handlers consume.
type orchestrator interface {
	CreateOrder(ctx context.Context, buyerID, listingID string, quantity int) (order.Order, error)
	ConfirmPayment(ctx context.Context, orderID string) (order.Order, error)
	ReleaseCredentials(ctx context.Context, orderID, sellerID, payload string) (order.Order, error)
	ConfirmReceipt(ctx context.Context, orderID, buyerID string) (order.Order, error)
	CancelOrder(ctx context.Context, orderID, buyerID string) (order.Order, error)
	GetOrder(ctx context.Context, orderID, requesterID string, role auth.Role) (order.View, error)
	RaiseDispute(ctx context.Context, orderID, initiatorID, reason string) (dispute.Record, error)
	AssignDispute(ctx context.Context, disputeID, moderatorID string) (dispute.Record, error)
	ResolveDispute(ctx context.Context, params dispute.ResolveParams) (dispute.Record, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]dispute.Record, error)
	ListBalance(ctx context.Context, userID string, recentLimit int) (ledger.BalanceStatement, error)
	CreateListing(ctx context.Context, params listing.CreateParams) (listing.Listing, error)
}

type subscriber interface {
	Activate(ctx context.Context, params entitlement.ActivateParams) (entitlement.Subscription, error)
}

type identity interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// backlogReporter exposes the outbox backlog for the health endpoint.
type backlogReporter interface {
	Backlog(ctx context.Context) (int, error)
}

// Server exposes the engine over HTTP.
type Server struct {
	engine        orchestrator
	subscriptions subscriber
	auth          identity
	backlog       backlogReporter
	log           *zap.Logger
}

func newServer(eng orchestrator, subs subscriber, authSvc identity, backlog backlogReporter, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: eng, subscriptions: subs, auth: authSvc, backlog: backlog, log: log}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/payments/callback", s.handlePaymentCallback)
	mux.HandleFunc("/api/subscriptions/callback", s.handleSubscriptionCallback)
	mux.HandleFunc("/api/listings", s.requireAuth(s.handleListings))
	mux.HandleFunc("/api/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("/api/orders", s.requireAuth(s.handleOrders))
	mux.HandleFunc("/api/orders/", s.requireAuth(s.handleOrderDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.auth.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

// handleHealth reports liveness plus the outbox backlog, the one piece of
// state where silent failure would otherwise go unnoticed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.backlog != nil {
		n, err := s.backlog.Backlog(r.Context())
		if err != nil {
			s.log.Warn("health: outbox backlog", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded"})
			return
		}
		body["outbox_pending"] = n
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":    result.User.ID,
			"email": result.User.Email,
			"role":  result.User.Role,
		},
	})
}

// handlePaymentCallback is the gateway's confirmation hook. The gateway is
// authenticated by its own channel, not by a user token.
func (s *Server) handlePaymentCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		OrderID string `json:"order_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "order_id required")
		return
	}
	o, err := s.engine.ConfirmPayment(r.Context(), req.OrderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponseFrom(o))
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleSeller {
		writeError(w, http.StatusForbidden, "seller role required")
		return
	}
	var req struct {
		Platform string          `json:"platform"`
		Title    string          `json:"title"`
		Price    decimal.Decimal `json:"price"`
		Product  listing.Product `json:"product"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	created, err := s.engine.CreateListing(r.Context(), listing.CreateParams{
		SellerID: userID,
		Platform: req.Platform,
		Title:    req.Title,
		Price:    req.Price,
		Product:  req.Product,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     created.ID,
		"status": created.Status,
		"price":  created.Price.StringFixed(2),
	})
}

// handleSubscriptionCallback is the billing collaborator's activation hook.
// Plan terms and pricing are decided on its side; like the payment gateway
// it authenticates over its own channel.
func (s *Server) handleSubscriptionCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		UserID         string          `json:"user_id"`
		Tier           string          `json:"tier"`
		MaxListings    int             `json:"max_listings"`
		CommissionRate decimal.Decimal `json:"commission_rate"`
		Fee            decimal.Decimal `json:"fee"`
		DurationDays   int             `json:"duration_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub, err := s.subscriptions.Activate(r.Context(), entitlement.ActivateParams{
		UserID:         req.UserID,
		Tier:           req.Tier,
		MaxListings:    req.MaxListings,
		CommissionRate: req.CommissionRate,
		Fee:            req.Fee,
		Duration:       time.Duration(req.DurationDays) * 24 * time.Hour,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"tier":         sub.Tier,
		"max_listings": sub.MaxListings,
		"expires_at":   sub.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	stmt, err := s.engine.ListBalance(r.Context(), userID, 20)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	recent := make([]map[string]any, 0, len(stmt.RecentTransactions))
	for _, tx := range stmt.RecentTransactions {
		recent = append(recent, map[string]any{
			"id":          tx.ID,
			"sub_account": tx.SubAccount,
			"amount":      tx.Amount.StringFixed(2),
			"type":        tx.Type,
			"created_at":  tx.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buying":  stmt.BuyingBalance.StringFixed(2),
		"selling": stmt.SellingBalance.StringFixed(2),
		"recent":  recent,
	})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ListingID string `json:"listing_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ListingID == "" {
		writeError(w, http.StatusBadRequest, "listing_id required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	o, err := s.engine.CreateOrder(r.Context(), userID, req.ListingID, req.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponseFrom(o))
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	orderID, action, _ := strings.Cut(rest, "/")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order id required")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)

	switch {
	case action == "" && r.Method == http.MethodGet:
		view, err := s.engine.GetOrder(r.Context(), orderID, userID, role)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp := orderResponseFrom(view.Order)
		resp["credentials"] = view.Credentials
		writeJSON(w, http.StatusOK, resp)
	case action == "credentials" && r.Method == http.MethodPost:
		var req struct {
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
			writeError(w, http.StatusBadRequest, "payload required")
			return
		}
		o, err := s.engine.ReleaseCredentials(r.Context(), orderID, userID, req.Payload)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orderResponseFrom(o))
	case action == "confirm" && r.Method == http.MethodPost:
		o, err := s.engine.ConfirmReceipt(r.Context(), orderID, userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orderResponseFrom(o))
	case action == "cancel" && r.Method == http.MethodPost:
		o, err := s.engine.CancelOrder(r.Context(), orderID, userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, orderResponseFrom(o))
	case action == "dispute" && r.Method == http.MethodPost:
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rec, err := s.engine.RaiseDispute(r.Context(), orderID, userID, req.Reason)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, disputeResponseFrom(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if role, _ := r.Context().Value(ctxKeyRole).(auth.Role); role != auth.RoleModerator {
		writeError(w, http.StatusForbidden, "moderator role required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.engine.ListOpenDisputes(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, disputeResponseFrom(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": out})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	disputeID, action, _ := strings.Cut(rest, "/")
	if disputeID == "" {
		writeError(w, http.StatusBadRequest, "dispute id required")
		return
	}
	userID, _ := r.Context().Value(ctxKeyUserID).(string)

	switch {
	case action == "assign" && r.Method == http.MethodPost:
		rec, err := s.engine.AssignDispute(r.Context(), disputeID, userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disputeResponseFrom(rec))
	case action == "resolve" && r.Method == http.MethodPost:
		var req struct {
			Outcome         string          `json:"outcome"`
			Notes           string          `json:"notes"`
			SplitBuyerRatio decimal.Decimal `json:"split_buyer_ratio"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		rec, err := s.engine.ResolveDispute(r.Context(), dispute.ResolveParams{
			DisputeID:       disputeID,
			ModeratorID:     userID,
			Outcome:         dispute.Outcome(req.Outcome),
			Notes:           req.Notes,
			SplitBuyerRatio: req.SplitBuyerRatio,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, disputeResponseFrom(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func orderResponseFrom(o order.Order) map[string]any {
	resp := map[string]any{
		"id":         o.ID,
		"listing_id": o.ListingID,
		"quantity":   o.Quantity,
		"price":      o.Price.StringFixed(2),
		"escrow":     o.EscrowAmount.StringFixed(2),
		"status":     o.Status,
		"created_at": o.CreatedAt.Format(time.RFC3339),
	}
	if o.BuyerDeadline != nil {
		resp["buyer_deadline"] = o.BuyerDeadline.Format(time.RFC3339)
	}
	if o.SellerDeadline != nil {
		resp["seller_deadline"] = o.SellerDeadline.Format(time.RFC3339)
	}
	return resp
}

func disputeResponseFrom(rec dispute.Record) map[string]any {
	resp := map[string]any{
		"id":           rec.ID,
		"order_id":     rec.OrderID,
		"initiator_id": rec.InitiatorID,
		"reason":       rec.Reason,
		"status":       rec.Status,
	}
	if rec.ModeratorID != nil {
		resp["moderator_id"] = *rec.ModeratorID
	}
	if rec.ResolutionNotes != nil {
		resp["resolution_notes"] = *rec.ResolutionNotes
	}
	return resp
}

// writeDomainError maps domain errors onto HTTP statuses. Unrecognized
// errors become opaque 500s; details stay in the log.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		stateErr     *order.InvalidStateError
		capacityErr  *entitlement.CapacityError
		fundsErr     *ledger.InsufficientFundsError
		invariantErr *ledger.InvariantError
	)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, order.ErrForbidden) || errors.Is(err, dispute.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, order.ErrNotFound) || errors.Is(err, dispute.ErrNotFound) ||
		errors.Is(err, listing.ErrNotFound) || errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &stateErr) || errors.Is(err, dispute.ErrOpenExists) ||
		errors.Is(err, dispute.ErrAlreadyResolved) || errors.Is(err, dispute.ErrAlreadyAssigned) ||
		errors.Is(err, listing.ErrNotAvailable) || errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &capacityErr) || errors.As(err, &fundsErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invariantErr):
		s.log.Error("ledger invariant violation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	case errors.Is(err, auth.ErrWeakPassword) || errors.Is(err, entitlement.ErrInvalidActivation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("unhandled domain error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
