package steps

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type ResultType string

const (
	ResultSignature   ResultType = "signature"
	ResultTransaction ResultType = "transaction"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	Type      ResultType     `json:"type"`
	Kind      Kind           `json:"kind"`
	Signature string         `json:"signature,omitempty"`
	TxHash    *common.Hash   `json:"transactionHash,omitempty"`
	Confirmed bool           `json:"confirmed"`
	Receipt   *types.Receipt `json:"-"`
}

// Artifact returns the value a post-notification carries for this result.
func (r StepResult) Artifact() string {
	if r.Type == ResultSignature {
		return r.Signature
	}
	if r.TxHash != nil {
		return r.TxHash.Hex()
	}
	return ""
}
