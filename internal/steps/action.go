package steps

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Action is the closed set of things a step can ask the engine to do.
// The concrete types are ApprovalAction, TransactionAction, SignMessageAction
// and SignTypedDataAction; Classify is the only constructor.
type Action interface {
	Step() *Step
	action()
}

type actionBase struct {
	step *Step
}

func (b actionBase) Step() *Step { return b.step }
func (actionBase) action()       {}

// Call is the on-chain part of a transaction step.
type Call struct {
	To                   common.Address
	Data                 []byte
	Value                *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             *uint64
}

type ApprovalAction struct {
	actionBase
	Call Call
}

type TransactionAction struct {
	actionBase
	Call Call
}

type SignMessageAction struct {
	actionBase
	// Payload is the exact byte string to sign. Raw is true when the step
	// delivered a hex byte string instead of text.
	Payload []byte
	Raw     bool
}

type SignTypedDataAction struct {
	actionBase
	Payload *TypedSignaturePayload
}

// Classify validates the step invariants and returns its typed action.
func Classify(s *Step) (Action, error) {
	base := actionBase{step: s}

	if s.Kind.IsSignature() {
		if s.Target != nil || len(s.CallData) > 0 {
			return nil, &InvalidStepError{Kind: s.Kind, Reason: "signature step carries an on-chain target"}
		}
	}

	switch s.Kind {
	case KindSignMessage:
		payload, raw := messagePayload(s.Message)
		if len(payload) == 0 {
			return nil, &InvalidStepError{Kind: s.Kind, Reason: "empty message payload"}
		}
		return SignMessageAction{actionBase: base, Payload: payload, Raw: raw}, nil
	case KindSignTypedData:
		if s.TypedData == nil {
			return nil, &InvalidStepError{Kind: s.Kind, Reason: "missing typed signature payload"}
		}
		return SignTypedDataAction{actionBase: base, Payload: s.TypedData}, nil
	case KindTokenApproval:
		call, err := callOf(s)
		if err != nil {
			return nil, err
		}
		return ApprovalAction{actionBase: base, Call: call}, nil
	case KindBuy, KindSell, KindCreateListing, KindCreateOffer, KindCancel:
		call, err := callOf(s)
		if err != nil {
			return nil, err
		}
		return TransactionAction{actionBase: base, Call: call}, nil
	default:
		return nil, &InvalidStepError{Kind: s.Kind, Reason: "unsupported step kind"}
	}
}

func callOf(s *Step) (Call, error) {
	if s.Target == nil {
		return Call{}, &InvalidStepError{Kind: s.Kind, Reason: "transaction step has no target address"}
	}
	if s.TypedData != nil {
		return Call{}, &InvalidStepError{Kind: s.Kind, Reason: "transaction step carries a signature payload"}
	}
	value := s.Value
	if value == nil {
		value = new(big.Int)
	}
	return Call{
		To:                   *s.Target,
		Data:                 s.CallData,
		Value:                value,
		MaxFeePerGas:         s.MaxFeePerGas,
		MaxPriorityFeePerGas: s.MaxPriorityFeePerGas,
		GasLimit:             s.GasLimit,
	}, nil
}

func messagePayload(msg string) ([]byte, bool) {
	if raw, err := hexutil.Decode(msg); err == nil {
		return raw, true
	}
	return []byte(msg), false
}
