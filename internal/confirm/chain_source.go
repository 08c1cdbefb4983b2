package confirm

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const defaultPollInterval = 2 * time.Second

type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainSource polls a node for the receipt until it appears.
type ChainSource struct {
	reader   ReceiptReader
	interval time.Duration
}

func NewChainSource(reader ReceiptReader, interval time.Duration) *ChainSource {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &ChainSource{reader: reader, interval: interval}
}

func (s *ChainSource) SubscribeReceipts(ctx context.Context, f Filter) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)
	go s.poll(ctx, f.TxHash, sub)
	return sub, nil
}

func (s *ChainSource) poll(ctx context.Context, hash common.Hash, sub *subscription) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		receipt, err := s.reader.TransactionReceipt(ctx, hash)
		if receipt != nil {
			sub.deliver(receipt)
			return
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() == nil {
				sub.fail(err)
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
