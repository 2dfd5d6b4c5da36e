package listing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status follows the listing lifecycle. Only available listings can be
// purchased; pending listings count against the seller's plan cap while a
// review or an open order holds them.
type Status string

const (
	StatusAvailable Status = "available"
	StatusPending   Status = "pending"
	StatusSold      Status = "sold"
	StatusDelisted  Status = "delisted"
)

// ProductType tags the variant stored in the product column.
type ProductType string

const (
	ProductAccount ProductType = "account"
	ProductChannel ProductType = "channel"
	ProductGroup   ProductType = "group"
)

// Product is the typed payload describing what is being sold. Exactly the
// fields for the tagged type are honoured; everything is validated at the
// boundary rather than trusted as pre-shaped JSON.
type Product struct {
	Type ProductType `json:"type"`

	// account
	Username  string `json:"username,omitempty"`
	Followers int    `json:"followers,omitempty"`

	// channel / group
	Name    string `json:"name,omitempty"`
	Members int    `json:"members,omitempty"`
}

// Validate enforces the per-variant shape.
func (p Product) Validate() error {
	switch p.Type {
	case ProductAccount:
		if p.Username == "" {
			return fmt.Errorf("listing: account product requires username")
		}
		if p.Followers < 0 {
			return fmt.Errorf("listing: negative follower count")
		}
	case ProductChannel, ProductGroup:
		if p.Name == "" {
			return fmt.Errorf("listing: %s product requires name", p.Type)
		}
		if p.Members < 0 {
			return fmt.Errorf("listing: negative member count")
		}
	default:
		return fmt.Errorf("listing: unknown product type %q", p.Type)
	}
	return nil
}

// Listing mirrors the listings table.
type Listing struct {
	ID        string
	SellerID  string
	Platform  string
	Title     string
	Price     decimal.Decimal
	Status    Status
	Product   Product
	CreatedAt time.Time
	UpdatedAt time.Time
}
