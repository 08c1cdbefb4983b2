// Package wallet defines the wallet capabilities the step engine consumes and
// two implementations: KeyWallet signs locally with a private key, RPCWallet
// forwards every request to an external EIP-1193 style wallet endpoint.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrUserRejected       = errors.New("user rejected the request")
	ErrSwitchUnsupported  = errors.New("wallet does not support switching chains")
	ErrChainNotConfigured = errors.New("chain not configured in wallet")
)

// EIP-1193 provider error codes, plus JSON-RPC method-not-found.
const (
	codeUserRejected   = 4001
	codeUnsupported    = 4200
	codeUnrecognized   = 4902
	codeMethodNotFound = -32601
)

// Wallet is the externally owned handle the engine drives. Implementations
// serialise their own requests; the engine never mutates a wallet beyond
// asking it to switch chains.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
}

// TxRequest is a transaction to broadcast. Nil fee and gas fields are left to
// the wallet or node to fill in.
type TxRequest struct {
	ChainID              uint64
	To                   common.Address
	Data                 []byte
	Value                *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Gas                  *uint64
}

// classifyProviderError maps provider error codes onto the package sentinels,
// keeping the original error in the chain.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected:
			return fmt.Errorf("%w: %w", ErrUserRejected, err)
		case codeUnrecognized:
			return fmt.Errorf("%w: %w", ErrChainNotConfigured, err)
		case codeUnsupported, codeMethodNotFound:
			return fmt.Errorf("%w: %w", ErrSwitchUnsupported, err)
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "user rejected") {
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	}
	return err
}

// withDomainType returns typed data whose Types include EIP712Domain, derived
// from the populated domain fields when the caller omitted it. The input is
// not modified.
func withDomainType(data apitypes.TypedData) apitypes.TypedData {
	if _, ok := data.Types["EIP712Domain"]; ok {
		return data
	}
	types := make(apitypes.Types, len(data.Types)+1)
	for k, v := range data.Types {
		types[k] = v
	}
	var domain []apitypes.Type
	if data.Domain.Name != "" {
		domain = append(domain, apitypes.Type{Name: "name", Type: "string"})
	}
	if data.Domain.Version != "" {
		domain = append(domain, apitypes.Type{Name: "version", Type: "string"})
	}
	if data.Domain.ChainId != nil {
		domain = append(domain, apitypes.Type{Name: "chainId", Type: "uint256"})
	}
	if data.Domain.VerifyingContract != "" {
		domain = append(domain, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	if data.Domain.Salt != "" {
		domain = append(domain, apitypes.Type{Name: "salt", Type: "bytes32"})
	}
	types["EIP712Domain"] = domain
	data.Types = types
	return data
}
