package networks

import (
	"errors"
	"fmt"
	"sort"
)

var ErrUnknownNetwork = errors.New("network not configured")

// Network describes one chain the engine may execute steps on.
type Network struct {
	ChainID     uint64 `yaml:"chainId" json:"chainId"`
	Name        string `yaml:"name" json:"name"`
	RPCURL      string `yaml:"rpcUrl" json:"rpcUrl"`
	ExplorerURL string `yaml:"explorerUrl" json:"explorerUrl,omitempty"`
	IndexerURL  string `yaml:"indexerUrl" json:"indexerUrl,omitempty"`
	// NativeSymbol is informational only.
	NativeSymbol string `yaml:"nativeSymbol" json:"nativeSymbol,omitempty"`
}

// Table maps chain ids to network descriptors.
type Table struct {
	byID map[uint64]Network
}

func NewTable(nets ...Network) (*Table, error) {
	t := &Table{byID: make(map[uint64]Network, len(nets))}
	for _, n := range nets {
		if n.ChainID == 0 {
			return nil, fmt.Errorf("network %q: chain id is required", n.Name)
		}
		if _, dup := t.byID[n.ChainID]; dup {
			return nil, fmt.Errorf("network %d declared twice", n.ChainID)
		}
		t.byID[n.ChainID] = n
	}
	return t, nil
}

// Lookup returns the network for chainID or ErrUnknownNetwork.
func (t *Table) Lookup(chainID uint64) (Network, error) {
	if t != nil {
		if n, ok := t.byID[chainID]; ok {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("%w: chain %d", ErrUnknownNetwork, chainID)
}

func (t *Table) Has(chainID uint64) bool {
	_, err := t.Lookup(chainID)
	return err == nil
}

// ChainIDs returns the configured chain ids in ascending order.
func (t *Table) ChainIDs() []uint64 {
	if t == nil {
		return nil
	}
	ids := make([]uint64, 0, len(t.byID))
	for id := range t.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TxURL links a transaction on the network's explorer, if one is configured.
func (n Network) TxURL(txHash string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return n.ExplorerURL + "/tx/" + txHash
}
