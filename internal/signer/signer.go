// Package signer executes signMessage and signTypedData steps.
package signer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"marketsteps/internal/steps"
	"marketsteps/internal/wallet"
)

var errEmptySignature = errors.New("wallet returned an empty signature")

// Sign classifies step and signs it. Malformed steps yield *steps.InvalidStepError;
// every wallet failure is wrapped in *steps.TransactionSignatureError.
func Sign(ctx context.Context, w wallet.Wallet, step *steps.Step) (string, error) {
	action, err := steps.Classify(step)
	if err != nil {
		return "", err
	}
	return SignAction(ctx, w, action)
}

func SignAction(ctx context.Context, w wallet.Wallet, action steps.Action) (string, error) {
	var (
		sig []byte
		err error
	)
	kind := action.Step().Kind

	switch a := action.(type) {
	case steps.SignMessageAction:
		sig, err = w.SignMessage(ctx, a.Payload)
	case steps.SignTypedDataAction:
		sig, err = w.SignTypedData(ctx, a.Payload.TypedData())
	default:
		return "", &steps.InvalidStepError{Kind: kind, Reason: "not a signature step"}
	}
	if err != nil {
		return "", &steps.TransactionSignatureError{Kind: kind, Err: err}
	}
	if len(sig) == 0 {
		return "", &steps.TransactionSignatureError{Kind: kind, Err: errEmptySignature}
	}
	return hexutil.Encode(sig), nil
}
