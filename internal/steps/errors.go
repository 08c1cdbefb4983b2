package steps

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoExecutableStep    = errors.New("no transaction or signature step found")
	ErrReceiptNotFound     = errors.New("transaction receipt not found")
	ErrConfirmationTimeout = errors.New("timed out waiting for transaction confirmation")
	ErrTransactionReverted = errors.New("transaction reverted")
)

// UnknownTransactionTypeError is returned for an intent the generator does not know.
type UnknownTransactionTypeError struct {
	Intent string
}

func (e *UnknownTransactionTypeError) Error() string {
	return fmt.Sprintf("unknown transaction type %q", e.Intent)
}

// StepGenerationError wraps any failure of the order-construction service.
type StepGenerationError struct {
	Intent string
	Err    error
}

func (e *StepGenerationError) Error() string {
	return fmt.Sprintf("generate %s steps: %v", e.Intent, e.Err)
}

func (e *StepGenerationError) Unwrap() error { return e.Err }

// ChainSwitchError reports a failed network switch that was not a user rejection.
type ChainSwitchError struct {
	CurrentChainID  uint64
	RequiredChainID uint64
	Err             error
}

func (e *ChainSwitchError) Error() string {
	return fmt.Sprintf("switch chain %d -> %d: %v", e.CurrentChainID, e.RequiredChainID, e.Err)
}

func (e *ChainSwitchError) Unwrap() error { return e.Err }

// UserRejectedRequestError reports that the user declined a wallet prompt.
type UserRejectedRequestError struct {
	Err error
}

func (e *UserRejectedRequestError) Error() string {
	return fmt.Sprintf("user rejected request: %v", e.Err)
}

func (e *UserRejectedRequestError) Unwrap() error { return e.Err }

// TransactionSignatureError wraps a failed or rejected signature.
type TransactionSignatureError struct {
	Kind Kind
	Err  error
}

func (e *TransactionSignatureError) Error() string {
	return fmt.Sprintf("sign %s step: %v", e.Kind, e.Err)
}

func (e *TransactionSignatureError) Unwrap() error { return e.Err }

// TransactionExecutionError wraps a failed or rejected transaction submission.
type TransactionExecutionError struct {
	Kind Kind
	Err  error
}

func (e *TransactionExecutionError) Error() string {
	return fmt.Sprintf("execute %s step: %v", e.Kind, e.Err)
}

func (e *TransactionExecutionError) Unwrap() error { return e.Err }

// TransactionConfirmationError means the transaction was broadcast but its
// confirmation could not be observed. The transaction may still land.
type TransactionConfirmationError struct {
	TxHash common.Hash
	Err    error
}

func (e *TransactionConfirmationError) Error() string {
	return fmt.Sprintf("confirm transaction %s: %v", e.TxHash.Hex(), e.Err)
}

func (e *TransactionConfirmationError) Unwrap() error { return e.Err }

// InvalidStepError reports a malformed step list.
type InvalidStepError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *InvalidStepError) Error() string {
	msg := "invalid step"
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidStepError) Unwrap() error { return e.Err }

// Retryable reports whether err may succeed if the caller runs the whole
// action again (regenerating steps or re-prompting the user).
func Retryable(err error) bool {
	var (
		unknown   *UnknownTransactionTypeError
		invalid   *InvalidStepError
		gen       *StepGenerationError
		sw        *ChainSwitchError
		rejected  *UserRejectedRequestError
		signature *TransactionSignatureError
		exec      *TransactionExecutionError
		confirm   *TransactionConfirmationError
	)
	switch {
	case errors.As(err, &unknown), errors.As(err, &invalid):
		return false
	case errors.As(err, &gen), errors.As(err, &sw), errors.As(err, &rejected):
		return true
	case errors.As(err, &signature), errors.As(err, &exec):
		return true
	case errors.As(err, &confirm):
		// the transaction may still be mined; resubmitting risks a double spend
		return false
	}
	return false
}

// Class names the taxonomy bucket err falls in. It is used for metric labels
// and for mapping failures onto transport status codes.
type Class string

const (
	ClassOK            Class = "ok"
	ClassUnknownIntent Class = "unknown_intent"
	ClassInvalidStep   Class = "invalid_step"
	ClassGeneration    Class = "generation_failed"
	ClassChainSwitch   Class = "chain_switch_failed"
	ClassUserRejected  Class = "user_rejected"
	ClassSignature     Class = "signature_failed"
	ClassExecution     Class = "execution_failed"
	ClassConfirmation  Class = "confirmation_pending"
	ClassInternal      Class = "internal"
)

func ClassOf(err error) Class {
	if err == nil {
		return ClassOK
	}
	var (
		unknown   *UnknownTransactionTypeError
		invalid   *InvalidStepError
		gen       *StepGenerationError
		sw        *ChainSwitchError
		rejected  *UserRejectedRequestError
		signature *TransactionSignatureError
		exec      *TransactionExecutionError
		confirm   *TransactionConfirmationError
	)
	switch {
	case errors.As(err, &unknown):
		return ClassUnknownIntent
	case errors.As(err, &gen):
		return ClassGeneration
	case errors.As(err, &rejected):
		return ClassUserRejected
	case errors.As(err, &sw):
		return ClassChainSwitch
	case errors.As(err, &signature):
		return ClassSignature
	case errors.As(err, &exec):
		return ClassExecution
	case errors.As(err, &confirm):
		return ClassConfirmation
	case errors.As(err, &invalid):
		return ClassInvalidStep
	}
	return ClassInternal
}
