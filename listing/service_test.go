package listing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"escrowflow/entitlement"
)

type fakeStore struct {
	created *Listing
}

func (f *fakeStore) Create(ctx context.Context, l Listing) (Listing, error) {
	l.ID = "listing-1"
	f.created = &l
	return l, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Listing, error) {
	return Listing{}, ErrNotFound
}

type fakeGate struct {
	err error
}

func (f *fakeGate) CheckListing(ctx context.Context, userID string) error {
	return f.err
}

func validParams() CreateParams {
	return CreateParams{
		SellerID: "seller-1",
		Platform: "instagram",
		Title:    "10k follower account",
		Price:    decimal.NewFromInt(60),
		Product:  Product{Type: ProductAccount, Username: "someaccount", Followers: 10000},
	}
}

func TestCreate_Success(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, &fakeGate{})

	created, err := svc.Create(context.Background(), validParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || store.created == nil {
		t.Fatal("expected listing to be stored")
	}
}

func TestCreate_AtCapacity(t *testing.T) {
	capErr := &entitlement.CapacityError{UserID: "seller-1", Tier: "free", Current: 3, Max: 3}
	store := &fakeStore{}
	svc := NewService(store, &fakeGate{err: capErr})

	_, err := svc.Create(context.Background(), validParams())
	var got *entitlement.CapacityError
	if !errors.As(err, &got) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if store.created != nil {
		t.Fatal("listing must not be created at capacity")
	}
}

func TestCreate_InvalidProduct(t *testing.T) {
	svc := NewService(&fakeStore{}, &fakeGate{})

	params := validParams()
	params.Product = Product{Type: ProductAccount} // no username
	if _, err := svc.Create(context.Background(), params); err == nil {
		t.Fatal("expected validation error")
	}

	params = validParams()
	params.Product = Product{Type: "nft"}
	if _, err := svc.Create(context.Background(), params); err == nil {
		t.Fatal("expected unknown product type error")
	}
}

func TestProduct_Validate(t *testing.T) {
	cases := []struct {
		name    string
		product Product
		wantErr bool
	}{
		{"account ok", Product{Type: ProductAccount, Username: "a", Followers: 1}, false},
		{"channel ok", Product{Type: ProductChannel, Name: "news", Members: 5}, false},
		{"group missing name", Product{Type: ProductGroup}, true},
		{"negative followers", Product{Type: ProductAccount, Username: "a", Followers: -1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.product.Validate()
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
