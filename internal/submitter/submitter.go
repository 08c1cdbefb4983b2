// Package submitter broadcasts transaction steps through the wallet.
package submitter

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"marketsteps/internal/networks"
	"marketsteps/internal/steps"
	"marketsteps/internal/wallet"
)

type Submitter struct {
	networks *networks.Table
}

func New(table *networks.Table) *Submitter {
	return &Submitter{networks: table}
}

// Submit broadcasts step on chainID and returns the transaction hash without
// waiting for inclusion. An unconfigured chain is returned as a plain
// networks.ErrUnknownNetwork; wallet failures become *steps.TransactionExecutionError.
func (s *Submitter) Submit(ctx context.Context, w wallet.Wallet, step *steps.Step, chainID uint64) (common.Hash, error) {
	action, err := steps.Classify(step)
	if err != nil {
		return common.Hash{}, err
	}
	return s.SubmitAction(ctx, w, action, chainID)
}

func (s *Submitter) SubmitAction(ctx context.Context, w wallet.Wallet, action steps.Action, chainID uint64) (common.Hash, error) {
	var call steps.Call
	switch a := action.(type) {
	case steps.ApprovalAction:
		call = a.Call
	case steps.TransactionAction:
		call = a.Call
	default:
		return common.Hash{}, &steps.InvalidStepError{Kind: action.Step().Kind, Reason: "not a transaction step"}
	}

	if _, err := s.networks.Lookup(chainID); err != nil {
		return common.Hash{}, fmt.Errorf("submit %s: %w", action.Step().Kind, err)
	}

	hash, err := w.SendTransaction(ctx, buildRequest(call, chainID))
	if err != nil {
		return common.Hash{}, &steps.TransactionExecutionError{Kind: action.Step().Kind, Err: err}
	}
	return hash, nil
}

func buildRequest(call steps.Call, chainID uint64) wallet.TxRequest {
	req := wallet.TxRequest{
		ChainID: chainID,
		To:      call.To,
		Data:    call.Data,
		Value:   call.Value,
	}
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	if call.MaxFeePerGas != nil {
		req.MaxFeePerGas = new(big.Int).Set(call.MaxFeePerGas)
	}
	if call.MaxPriorityFeePerGas != nil {
		req.MaxPriorityFeePerGas = new(big.Int).Set(call.MaxPriorityFeePerGas)
	}
	if call.GasLimit != nil {
		gas := *call.GasLimit
		req.Gas = &gas
	}
	return req
}
