package listing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"escrowflow/entitlement"
)

// Store abstracts the repository writes the service needs.
type Store interface {
	Create(ctx context.Context, l Listing) (Listing, error)
	Get(ctx context.Context, id string) (Listing, error)
}

// AdmissionGate is the capacity check consulted before creating a listing.
type AdmissionGate interface {
	CheckListing(ctx context.Context, userID string) error
}

// Service exposes the listing operations the escrow engine needs. Full CRUD
// for the storefront lives with an external collaborator.
type Service struct {
	store Store
	gate  AdmissionGate
}

func NewService(store Store, gate AdmissionGate) *Service {
	return &Service{store: store, gate: gate}
}

// CreateParams carries seller-supplied listing data.
type CreateParams struct {
	SellerID string
	Platform string
	Title    string
	Price    decimal.Decimal
	Product  Product
}

// Create validates the product variant, checks plan capacity, and inserts
// the listing. A seller at their cap receives entitlement.CapacityError
// with no side effects.
func (s *Service) Create(ctx context.Context, params CreateParams) (Listing, error) {
	if params.SellerID == "" {
		return Listing{}, fmt.Errorf("listing: missing seller id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Listing{}, fmt.Errorf("listing: title required")
	}
	if strings.TrimSpace(params.Platform) == "" {
		return Listing{}, fmt.Errorf("listing: platform required")
	}
	if !params.Price.IsPositive() {
		return Listing{}, fmt.Errorf("listing: price must be positive")
	}
	if err := params.Product.Validate(); err != nil {
		return Listing{}, err
	}

	if err := s.gate.CheckListing(ctx, params.SellerID); err != nil {
		return Listing{}, err
	}

	return s.store.Create(ctx, Listing{
		SellerID: params.SellerID,
		Platform: params.Platform,
		Title:    strings.TrimSpace(params.Title),
		Price:    params.Price,
		Product:  params.Product,
	})
}

// Get fetches a listing by id.
func (s *Service) Get(ctx context.Context, id string) (Listing, error) {
	return s.store.Get(ctx, id)
}

var _ AdmissionGate = (*entitlement.Gate)(nil)
