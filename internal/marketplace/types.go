package marketplace

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"marketsteps/internal/steps"
)

// Service is the order-construction service. Every call returns the ordered
// steps needed to complete one action.
type Service interface {
	GenerateBuy(ctx context.Context, args BuyArgs) (steps.Sequence, error)
	GenerateSell(ctx context.Context, args SellArgs) (steps.Sequence, error)
	GenerateListing(ctx context.Context, args ListingArgs) (steps.Sequence, error)
	GenerateOffer(ctx context.Context, args OfferArgs) (steps.Sequence, error)
	GenerateCancel(ctx context.Context, args CancelArgs) (steps.Sequence, error)
}

type WalletKind string

const (
	WalletUnknown  WalletKind = "unknown"
	WalletEmbedded WalletKind = "embedded"
	WalletExternal WalletKind = "external"
)

type Kind string

const (
	KindUnknown Kind = "unknown"
	KindNative  Kind = "native_v2"
	KindOpenSea Kind = "opensea"
)

type ContractType string

const (
	ContractERC20   ContractType = "ERC20"
	ContractERC721  ContractType = "ERC721"
	ContractERC1155 ContractType = "ERC1155"
)

// Fee is an extra payout added on top of the order price.
type Fee struct {
	Recipient common.Address  `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// OrderData selects an existing order and how much of it to fill.
type OrderData struct {
	OrderID  string `json:"orderId"`
	Quantity string `json:"quantity"`
}

// CreateRequest describes a new listing or offer.
type CreateRequest struct {
	TokenID         string          `json:"tokenId"`
	Quantity        string          `json:"quantity"`
	Expiry          time.Time       `json:"expiry"`
	CurrencyAddress common.Address  `json:"currencyAddress"`
	PricePerToken   decimal.Decimal `json:"pricePerToken"`
}

type BuyArgs struct {
	CollectionAddress common.Address `json:"collectionAddress"`
	Buyer             common.Address `json:"buyer"`
	WalletType        WalletKind     `json:"walletType"`
	Marketplace       Kind           `json:"marketplace"`
	OrdersData        []OrderData    `json:"ordersData"`
	AdditionalFees    []Fee          `json:"additionalFees"`
}

type SellArgs struct {
	CollectionAddress common.Address `json:"collectionAddress"`
	Seller            common.Address `json:"seller"`
	WalletType        WalletKind     `json:"walletType"`
	Marketplace       Kind           `json:"marketplace"`
	OrdersData        []OrderData    `json:"ordersData"`
	AdditionalFees    []Fee          `json:"additionalFees"`
}

type ListingArgs struct {
	CollectionAddress common.Address `json:"collectionAddress"`
	Owner             common.Address `json:"owner"`
	WalletType        WalletKind     `json:"walletType"`
	ContractType      ContractType   `json:"contractType"`
	OrderbookKind     Kind           `json:"orderbook"`
	Listing           CreateRequest  `json:"listing"`
	AdditionalFees    []Fee          `json:"additionalFees"`
}

type OfferArgs struct {
	CollectionAddress common.Address `json:"collectionAddress"`
	Maker             common.Address `json:"maker"`
	WalletType        WalletKind     `json:"walletType"`
	ContractType      ContractType   `json:"contractType"`
	OrderbookKind     Kind           `json:"orderbook"`
	Offer             CreateRequest  `json:"offer"`
	AdditionalFees    []Fee          `json:"additionalFees"`
}

type CancelArgs struct {
	CollectionAddress common.Address `json:"collectionAddress"`
	Maker             common.Address `json:"maker"`
	Marketplace       Kind           `json:"marketplace"`
	OrderID           string         `json:"orderId"`
}
