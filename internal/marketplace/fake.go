package marketplace

import (
	"context"
	"sync"

	"marketsteps/internal/steps"
)

// FakeService returns a fixed step list per call and records the arguments
// it was given.
type FakeService struct {
	mu sync.Mutex

	Steps steps.Sequence
	Err   error

	Buys     []BuyArgs
	Sells    []SellArgs
	Listings []ListingArgs
	Offers   []OfferArgs
	Cancels  []CancelArgs
}

var _ Service = (*FakeService)(nil)

func (f *FakeService) GenerateBuy(_ context.Context, args BuyArgs) (steps.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Buys = append(f.Buys, args)
	return f.result()
}

func (f *FakeService) GenerateSell(_ context.Context, args SellArgs) (steps.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sells = append(f.Sells, args)
	return f.result()
}

func (f *FakeService) GenerateListing(_ context.Context, args ListingArgs) (steps.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Listings = append(f.Listings, args)
	return f.result()
}

func (f *FakeService) GenerateOffer(_ context.Context, args OfferArgs) (steps.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Offers = append(f.Offers, args)
	return f.result()
}

func (f *FakeService) GenerateCancel(_ context.Context, args CancelArgs) (steps.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancels = append(f.Cancels, args)
	return f.result()
}

// Calls is the total number of generate calls received.
func (f *FakeService) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Buys) + len(f.Sells) + len(f.Listings) + len(f.Offers) + len(f.Cancels)
}

func (f *FakeService) result() (steps.Sequence, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	out := make(steps.Sequence, len(f.Steps))
	copy(out, f.Steps)
	return out, nil
}
