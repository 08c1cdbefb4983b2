package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// RPCWallet forwards requests to an external wallet speaking the standard
// provider JSON-RPC methods.
type RPCWallet struct {
	client  *rpc.Client
	address common.Address
}

func NewRPCWallet(client *rpc.Client, address common.Address) *RPCWallet {
	return &RPCWallet{client: client, address: address}
}

// DialRPCWallet connects to url and adopts the first account the wallet exposes.
func DialRPCWallet(ctx context.Context, url string) (*RPCWallet, error) {
	cli, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet: %w", err)
	}
	var accts []common.Address
	if err := cli.CallContext(ctx, &accts, "eth_accounts"); err != nil {
		cli.Close()
		return nil, fmt.Errorf("eth_accounts: %w", classifyProviderError(err))
	}
	if len(accts) == 0 {
		cli.Close()
		return nil, fmt.Errorf("wallet exposes no accounts")
	}
	return NewRPCWallet(cli, accts[0]), nil
}

func (w *RPCWallet) Address() common.Address { return w.address }

func (w *RPCWallet) Close() { w.client.Close() }

func (w *RPCWallet) Ping(ctx context.Context) error {
	_, err := w.ChainID(ctx)
	return err
}

func (w *RPCWallet) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Uint64
	if err := w.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return 0, classifyProviderError(err)
	}
	return uint64(id), nil
}

func (w *RPCWallet) SwitchChain(ctx context.Context, chainID uint64) error {
	param := map[string]string{"chainId": hexutil.EncodeUint64(chainID)}
	err := w.client.CallContext(ctx, nil, "wallet_switchEthereumChain", param)
	return classifyProviderError(err)
}

func (w *RPCWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "personal_sign", hexutil.Bytes(msg), w.address); err != nil {
		return nil, classifyProviderError(err)
	}
	return sig, nil
}

func (w *RPCWallet) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	encoded, err := json.Marshal(withDomainType(data))
	if err != nil {
		return nil, fmt.Errorf("encode typed data: %w", err)
	}
	var sig hexutil.Bytes
	if err := w.client.CallContext(ctx, &sig, "eth_signTypedData_v4", w.address, string(encoded)); err != nil {
		return nil, classifyProviderError(err)
	}
	return sig, nil
}

type sendTxArgs struct {
	From                 common.Address  `json:"from"`
	To                   common.Address  `json:"to"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	ChainID              hexutil.Uint64  `json:"chainId"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
}

func (w *RPCWallet) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	args := sendTxArgs{
		From:                 w.address,
		To:                   req.To,
		Data:                 req.Data,
		Value:                (*hexutil.Big)(req.Value),
		ChainID:              hexutil.Uint64(req.ChainID),
		MaxFeePerGas:         (*hexutil.Big)(req.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(req.MaxPriorityFeePerGas),
		Gas:                  (*hexutil.Uint64)(req.Gas),
	}
	if args.Value == nil {
		args.Value = new(hexutil.Big)
	}
	var hash common.Hash
	if err := w.client.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, classifyProviderError(err)
	}
	return hash, nil
}
