package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

// IndexerSource subscribes to a receipt-index service over a websocket.
//
// Wire protocol: the client sends one subscribe message carrying the filter;
// the server pushes {"type":"receipt","receipt":{...}} frames in eth JSON-RPC
// receipt format, or {"type":"error","error":"..."}.
type IndexerSource struct {
	url       string
	accessKey string
	dialer    *websocket.Dialer
}

func NewIndexerSource(url, accessKey string) *IndexerSource {
	return &IndexerSource{
		url:       url,
		accessKey: accessKey,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type subscribeMessage struct {
	Type   string          `json:"type"`
	Filter subscribeFilter `json:"filter"`
}

type subscribeFilter struct {
	TxnHash string `json:"txnHash"`
	ChainID uint64 `json:"chainId"`
}

type indexerMessage struct {
	Type    string          `json:"type"`
	Receipt json.RawMessage `json:"receipt,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *IndexerSource) SubscribeReceipts(ctx context.Context, f Filter) (Subscription, error) {
	header := http.Header{}
	if s.accessKey != "" {
		header.Set("X-Access-Key", s.accessKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial indexer: %w", err)
	}

	msg := subscribeMessage{
		Type:   "subscribeReceipts",
		Filter: subscribeFilter{TxnHash: f.TxHash.Hex(), ChainID: f.ChainID},
	}
	if err := conn.WriteJSON(msg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscription: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(cancel)
	sub.onClose = func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go s.read(ctx, conn, f, sub)
	return sub, nil
}

func (s *IndexerSource) read(ctx context.Context, conn *websocket.Conn, f Filter, sub *subscription) {
	for {
		var msg indexerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				sub.fail(fmt.Errorf("indexer stream: %w", err))
			}
			return
		}
		switch msg.Type {
		case "receipt":
			var receipt types.Receipt
			if err := json.Unmarshal(msg.Receipt, &receipt); err != nil {
				sub.fail(fmt.Errorf("decode receipt: %w", err))
				return
			}
			if receipt.TxHash != f.TxHash {
				continue
			}
			sub.deliver(&receipt)
			return
		case "error":
			sub.fail(errors.New(msg.Error))
			return
		}
	}
}
