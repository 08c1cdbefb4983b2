package networks

import (
	"errors"
	"testing"
)

func TestTableLookup(t *testing.T) {
	table, err := NewTable(
		Network{ChainID: 137, Name: "polygon", ExplorerURL: "https://polygonscan.com"},
		Network{ChainID: 1, Name: "mainnet"},
	)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	n, err := table.Lookup(137)
	if err != nil || n.Name != "polygon" {
		t.Fatalf("unexpected lookup result: %+v %v", n, err)
	}
	if got := n.TxURL("0xabc"); got != "https://polygonscan.com/tx/0xabc" {
		t.Fatalf("unexpected tx url %q", got)
	}

	if _, err := table.Lookup(10); !errors.Is(err, ErrUnknownNetwork) {
		t.Fatalf("expected ErrUnknownNetwork, got %v", err)
	}

	ids := table.ChainIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 137 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestTableRejectsDuplicates(t *testing.T) {
	if _, err := NewTable(Network{ChainID: 1}, Network{ChainID: 1}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := NewTable(Network{Name: "zero"}); err == nil {
		t.Fatalf("expected missing chain id error")
	}
}
