// Package confirm waits for broadcast transactions to be finalized.
package confirm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"marketsteps/internal/steps"
)

const DefaultTimeout = 180 * time.Second

// Filter selects the receipt a subscription resolves on.
type Filter struct {
	TxHash  common.Hash
	ChainID uint64
}

// Subscription delivers at most one receipt or one error. Unsubscribe must be
// safe to call more than once.
type Subscription interface {
	Receipts() <-chan *types.Receipt
	Err() <-chan error
	Unsubscribe()
}

// Source is a receipt-index service, or anything that behaves like one.
type Source interface {
	SubscribeReceipts(ctx context.Context, f Filter) (Subscription, error)
}

// Clock produces the timeout signal; tests swap it for a virtual one.
type Clock interface {
	After(d time.Duration) (<-chan time.Time, func() bool)
}

type realClock struct{}

func (realClock) After(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

type Waiter struct {
	source  Source
	timeout time.Duration
	clock   Clock
}

type Option func(*Waiter)

func WithClock(c Clock) Option {
	return func(w *Waiter) { w.clock = c }
}

func NewWaiter(source Source, timeout time.Duration, opts ...Option) *Waiter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	w := &Waiter{source: source, timeout: timeout, clock: realClock{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Waiter) Timeout() time.Duration { return w.timeout }

// Await races the receipt subscription against the timeout. The first to
// settle decides the outcome; the subscription is always torn down.
func (w *Waiter) Await(ctx context.Context, txHash common.Hash, chainID uint64) (*types.Receipt, error) {
	fail := func(cause error) (*types.Receipt, error) {
		return nil, &steps.TransactionConfirmationError{TxHash: txHash, Err: cause}
	}

	timeout, stop := w.clock.After(w.timeout)
	defer stop()

	sub, err := w.source.SubscribeReceipts(ctx, Filter{TxHash: txHash, ChainID: chainID})
	if err != nil {
		return fail(fmt.Errorf("%w: %w", steps.ErrReceiptNotFound, err))
	}
	defer sub.Unsubscribe()

	for {
		select {
		case receipt, ok := <-sub.Receipts():
			if !ok {
				return fail(steps.ErrReceiptNotFound)
			}
			if receipt == nil || receipt.TxHash != txHash {
				continue
			}
			return receipt, nil
		case err := <-sub.Err():
			return fail(fmt.Errorf("%w: %w", steps.ErrReceiptNotFound, err))
		case <-timeout:
			return fail(fmt.Errorf("%w after %s", steps.ErrConfirmationTimeout, w.timeout))
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}
}

// subscription is the shared Subscription implementation used by the sources.
type subscription struct {
	receipts chan *types.Receipt
	errs     chan error
	cancel   context.CancelFunc
	once     sync.Once
	onClose  func()
}

func newSubscription(cancel context.CancelFunc) *subscription {
	return &subscription{
		receipts: make(chan *types.Receipt, 1),
		errs:     make(chan error, 1),
		cancel:   cancel,
	}
}

func (s *subscription) Receipts() <-chan *types.Receipt { return s.receipts }
func (s *subscription) Err() <-chan error { return s.errs }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *subscription) deliver(r *types.Receipt) {
	select {
	case s.receipts <- r:
	default:
	}
}

func (s *subscription) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// Router dispatches subscriptions to a per-chain source.
type Router struct {
	sources map[uint64]Source
}

func NewRouter(sources map[uint64]Source) *Router {
	return &Router{sources: sources}
}

func (r *Router) SubscribeReceipts(ctx context.Context, f Filter) (Subscription, error) {
	src, ok := r.sources[f.ChainID]
	if !ok {
		return nil, fmt.Errorf("no receipt source for chain %d", f.ChainID)
	}
	return src.SubscribeReceipts(ctx, f)
}
