// Package generator turns a marketplace intent into the step list the
// order-construction service prescribes for it.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"marketsteps/internal/marketplace"
	"marketsteps/internal/steps"
)

type Intent string

const (
	IntentBuy     Intent = "buy"
	IntentSell    Intent = "sell"
	IntentListing Intent = "listing"
	IntentOffer   Intent = "offer"
	IntentCancel  Intent = "cancel"
)

const defaultQuantity = "1"

// ErrInvalidRequest marks a request that cannot be sent as given.
var ErrInvalidRequest = errors.New("invalid generate request")

// ParseIntent accepts intent names case-insensitively. Unknown names return
// *steps.UnknownTransactionTypeError.
func ParseIntent(s string) (Intent, error) {
	switch in := Intent(strings.ToLower(strings.TrimSpace(s))); in {
	case IntentBuy, IntentSell, IntentListing, IntentOffer, IntentCancel:
		return in, nil
	}
	return "", &steps.UnknownTransactionTypeError{Intent: s}
}

// Request carries the parameters for every intent; each intent reads the
// fields it needs.
type Request struct {
	Intent            Intent
	CollectionAddress common.Address
	// Actor is the wallet address acting as buyer, seller, owner or maker.
	Actor       common.Address
	WalletKind  marketplace.WalletKind
	Marketplace marketplace.Kind

	// Buy, Sell and Cancel.
	OrderID  string
	Quantity string

	// Listing and Offer.
	ContractType marketplace.ContractType
	Order        *marketplace.CreateRequest

	Fees []marketplace.Fee
}

type Generator struct {
	svc marketplace.Service
}

func New(svc marketplace.Service) *Generator {
	return &Generator{svc: svc}
}

// Generate makes exactly one call to the service. Any service failure comes
// back as *steps.StepGenerationError carrying the intent.
func (g *Generator) Generate(ctx context.Context, req Request) (steps.Sequence, error) {
	intent, err := ParseIntent(string(req.Intent))
	if err != nil {
		return nil, err
	}
	if err := validate(intent, req); err != nil {
		return nil, err
	}

	walletKind := req.WalletKind
	if walletKind == "" {
		walletKind = marketplace.WalletUnknown
	}
	kind := req.Marketplace
	if kind == "" {
		kind = marketplace.KindNative
	}

	var seq steps.Sequence
	switch intent {
	case IntentBuy:
		seq, err = g.svc.GenerateBuy(ctx, marketplace.BuyArgs{
			CollectionAddress: req.CollectionAddress,
			Buyer:             req.Actor,
			WalletType:        walletKind,
			Marketplace:       kind,
			OrdersData:        []marketplace.OrderData{{OrderID: req.OrderID, Quantity: quantityOr(req.Quantity)}},
			AdditionalFees:    req.Fees,
		})
	case IntentSell:
		seq, err = g.svc.GenerateSell(ctx, marketplace.SellArgs{
			CollectionAddress: req.CollectionAddress,
			Seller:            req.Actor,
			WalletType:        walletKind,
			Marketplace:       kind,
			OrdersData:        []marketplace.OrderData{{OrderID: req.OrderID, Quantity: quantityOr(req.Quantity)}},
			AdditionalFees:    req.Fees,
		})
	case IntentListing:
		seq, err = g.svc.GenerateListing(ctx, marketplace.ListingArgs{
			CollectionAddress: req.CollectionAddress,
			Owner:             req.Actor,
			WalletType:        walletKind,
			ContractType:      req.ContractType,
			OrderbookKind:     kind,
			Listing:           createRequest(*req.Order),
			AdditionalFees:    req.Fees,
		})
	case IntentOffer:
		seq, err = g.svc.GenerateOffer(ctx, marketplace.OfferArgs{
			CollectionAddress: req.CollectionAddress,
			Maker:             req.Actor,
			WalletType:        walletKind,
			ContractType:      req.ContractType,
			OrderbookKind:     kind,
			Offer:             createRequest(*req.Order),
			AdditionalFees:    req.Fees,
		})
	case IntentCancel:
		seq, err = g.svc.GenerateCancel(ctx, marketplace.CancelArgs{
			CollectionAddress: req.CollectionAddress,
			Maker:             req.Actor,
			Marketplace:       kind,
			OrderID:           req.OrderID,
		})
	}
	if err != nil {
		return nil, &steps.StepGenerationError{Intent: string(intent), Err: err}
	}
	return seq, nil
}

func validate(intent Intent, req Request) error {
	switch intent {
	case IntentBuy, IntentSell, IntentCancel:
		if req.OrderID == "" {
			return fmt.Errorf("%w: %s requires an order id", ErrInvalidRequest, intent)
		}
	case IntentListing, IntentOffer:
		if req.Order == nil {
			return fmt.Errorf("%w: %s requires an order", ErrInvalidRequest, intent)
		}
		if req.ContractType == "" {
			return fmt.Errorf("%w: %s requires a contract type", ErrInvalidRequest, intent)
		}
	}
	return nil
}

func quantityOr(q string) string {
	if strings.TrimSpace(q) == "" {
		return defaultQuantity
	}
	return q
}

func createRequest(in marketplace.CreateRequest) marketplace.CreateRequest {
	in.Quantity = quantityOr(in.Quantity)
	return in
}
