// Package wallettest provides a scriptable in-memory wallet for tests.
package wallettest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"marketsteps/internal/wallet"
)

// Wallet records every request and answers from its scripted fields.
type Wallet struct {
	mu sync.Mutex

	Account common.Address
	Chain   uint64

	ChainErr  error
	SwitchErr error
	SignErr   error
	SendErr   error
	// SendHashes are returned in order; once exhausted a hash derived from the
	// request is returned.
	SendHashes []common.Hash

	SwitchCalls   int
	Messages      [][]byte
	TypedRequests []apitypes.TypedData
	Sent          []wallet.TxRequest
}

var _ wallet.Wallet = (*Wallet)(nil)

func New(chain uint64) *Wallet {
	return &Wallet{Account: common.HexToAddress("0x000000000000000000000000000000000000c0de"), Chain: chain}
}

func (w *Wallet) Address() common.Address { return w.Account }

func (w *Wallet) ChainID(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Chain, w.ChainErr
}

func (w *Wallet) SwitchChain(_ context.Context, chainID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.SwitchCalls++
	if w.SwitchErr != nil {
		return w.SwitchErr
	}
	w.Chain = chainID
	return nil
}

func (w *Wallet) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Messages = append(w.Messages, msg)
	if w.SignErr != nil {
		return nil, w.SignErr
	}
	return crypto.Keccak256(msg), nil
}

func (w *Wallet) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.TypedRequests = append(w.TypedRequests, data)
	if w.SignErr != nil {
		return nil, w.SignErr
	}
	return crypto.Keccak256([]byte(data.PrimaryType)), nil
}

func (w *Wallet) SendTransaction(_ context.Context, req wallet.TxRequest) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Sent = append(w.Sent, req)
	if w.SendErr != nil {
		return common.Hash{}, w.SendErr
	}
	idx := len(w.Sent) - 1
	if idx < len(w.SendHashes) {
		return w.SendHashes[idx], nil
	}
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s-%d", req.To.Hex(), idx))), nil
}
