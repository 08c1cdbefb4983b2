package generator

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsteps/internal/marketplace"
	"marketsteps/internal/steps"
)

func TestGenerateUnknownIntentMakesNoCall(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("unrecognized intents fail before any service call", prop.ForAll(
		func(name string) bool {
			if _, err := ParseIntent(name); err == nil {
				return true
			}
			svc := &marketplace.FakeService{}
			_, err := New(svc).Generate(context.Background(), Request{Intent: Intent(name), OrderID: "1"})
			var unknown *steps.UnknownTransactionTypeError
			return errors.As(err, &unknown) && unknown.Intent == name && svc.Calls() == 0
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestGenerateDefaultsQuantity(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("omitted quantity is sent as 1", prop.ForAll(
		func(orderID string, sell bool) bool {
			svc := &marketplace.FakeService{}
			intent := IntentBuy
			if sell {
				intent = IntentSell
			}
			if _, err := New(svc).Generate(context.Background(), Request{Intent: intent, OrderID: orderID}); err != nil {
				return false
			}
			if sell {
				return len(svc.Sells) == 1 && svc.Sells[0].OrdersData[0].Quantity == "1"
			}
			return len(svc.Buys) == 1 && svc.Buys[0].OrdersData[0].Quantity == "1"
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestGenerateKeepsExplicitQuantity(t *testing.T) {
	svc := &marketplace.FakeService{}
	_, err := New(svc).Generate(context.Background(), Request{Intent: IntentBuy, OrderID: "9", Quantity: "3"})
	require.NoError(t, err)
	assert.Equal(t, "3", svc.Buys[0].OrdersData[0].Quantity)
}

func TestGenerateWrapsServiceError(t *testing.T) {
	cause := errors.New("upstream 503")
	svc := &marketplace.FakeService{Err: cause}

	_, err := New(svc).Generate(context.Background(), Request{Intent: "Cancel", OrderID: "7"})
	var genErr *steps.StepGenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "cancel", genErr.Intent)
	assert.ErrorIs(t, err, cause)
	assert.True(t, steps.Retryable(err))
}

func TestGenerateListingMapsArguments(t *testing.T) {
	actor := common.HexToAddress("0xbeef")
	svc := &marketplace.FakeService{Steps: steps.Sequence{{Kind: steps.KindCreateListing}}}

	seq, err := New(svc).Generate(context.Background(), Request{
		Intent:       IntentListing,
		Actor:        actor,
		ContractType: marketplace.ContractERC1155,
		Order:        &marketplace.CreateRequest{TokenID: "5"},
	})
	require.NoError(t, err)
	require.Len(t, seq, 1)
	require.Len(t, svc.Listings, 1)

	got := svc.Listings[0]
	assert.Equal(t, actor, got.Owner)
	assert.Equal(t, "1", got.Listing.Quantity)
	assert.Equal(t, marketplace.WalletUnknown, got.WalletType)
	assert.Equal(t, marketplace.KindNative, got.OrderbookKind)
}

func TestGenerateRejectsIncompleteRequest(t *testing.T) {
	cases := []Request{
		{Intent: IntentBuy},
		{Intent: IntentOffer, ContractType: marketplace.ContractERC721},
		{Intent: IntentListing, Order: &marketplace.CreateRequest{}},
	}
	for _, req := range cases {
		svc := &marketplace.FakeService{}
		_, err := New(svc).Generate(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, string(req.Intent))
		assert.Zero(t, svc.Calls())
	}
}
