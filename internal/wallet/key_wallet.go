package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"marketsteps/internal/networks"
)

// Backend is the subset of an Ethereum client the KeyWallet needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// KeyWallet signs with a local private key and broadcasts through per-chain backends.
type KeyWallet struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	backends map[uint64]Backend

	mu          sync.RWMutex
	current     uint64
	allowSwitch bool

	// sendMu is held from the nonce read until the broadcast returns.
	sendMu sync.Mutex
}

type KeyWalletConfig struct {
	PrivateKeyHex  string
	InitialChainID uint64
	// DisableSwitch makes SwitchChain report ErrSwitchUnsupported, mirroring
	// injected wallets that cannot change network programmatically.
	DisableSwitch bool
}

func NewKeyWallet(cfg KeyWalletConfig, backends map[uint64]Backend) (*KeyWallet, error) {
	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	if _, ok := backends[cfg.InitialChainID]; !ok {
		return nil, fmt.Errorf("no backend for initial chain %d", cfg.InitialChainID)
	}
	return &KeyWallet{
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		backends:    backends,
		current:     cfg.InitialChainID,
		allowSwitch: !cfg.DisableSwitch,
	}, nil
}

// DialKeyWallet connects one ethclient per network in the table.
func DialKeyWallet(ctx context.Context, cfg KeyWalletConfig, table *networks.Table) (*KeyWallet, error) {
	backends := make(map[uint64]Backend)
	for _, id := range table.ChainIDs() {
		n, _ := table.Lookup(id)
		if n.RPCURL == "" {
			continue
		}
		cli, err := ethclient.DialContext(ctx, n.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s rpc: %w", n.Name, err)
		}
		backends[id] = cli
	}
	return NewKeyWallet(cfg, backends)
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (w *KeyWallet) Address() common.Address { return w.address }

func (w *KeyWallet) ChainID(context.Context) (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, nil
}

func (w *KeyWallet) SwitchChain(_ context.Context, chainID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if chainID == w.current {
		return nil
	}
	if !w.allowSwitch {
		return ErrSwitchUnsupported
	}
	if _, ok := w.backends[chainID]; !ok {
		return fmt.Errorf("%w: %d", ErrChainNotConfigured, chainID)
	}
	w.current = chainID
	return nil
}

func (w *KeyWallet) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return w.sign(accounts.TextHash(msg))
}

func (w *KeyWallet) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(withDomainType(data))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return w.sign(hash)
}

func (w *KeyWallet) sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (w *KeyWallet) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	w.mu.RLock()
	current := w.current
	backend, ok := w.backends[req.ChainID]
	w.mu.RUnlock()

	if req.ChainID != current {
		return common.Hash{}, fmt.Errorf("wallet is on chain %d, transaction targets %d", current, req.ChainID)
	}
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrChainNotConfigured, req.ChainID)
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}

	tip := req.MaxPriorityFeePerGas
	if tip == nil {
		if tip, err = backend.SuggestGasTipCap(ctx); err != nil {
			return common.Hash{}, fmt.Errorf("suggest tip: %w", err)
		}
	}
	feeCap := req.MaxFeePerGas
	if feeCap == nil {
		head, err := backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return common.Hash{}, fmt.Errorf("fetch head: %w", err)
		}
		baseFee := head.BaseFee
		if baseFee == nil {
			baseFee = new(big.Int)
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	var gas uint64
	if req.Gas != nil {
		gas = *req.Gas
	} else {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{
			From:      w.address,
			To:        &to,
			Value:     value,
			Data:      req.Data,
			GasFeeCap: feeCap,
			GasTipCap: tip,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
		}
	}

	chainID := new(big.Int).SetUint64(req.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}
