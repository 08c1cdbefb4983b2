package steps

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

// Kind names the unit of work a step performs.
type Kind string

const (
	KindTokenApproval Kind = "tokenApproval"
	KindBuy           Kind = "buy"
	KindSell          Kind = "sell"
	KindCreateListing Kind = "createListing"
	KindCreateOffer   Kind = "createOffer"
	KindCancel        Kind = "cancel"
	KindSignMessage   Kind = "signMessage"
	KindSignTypedData Kind = "signTypedData"
	KindUnknown       Kind = "unknown"
)

// IsSignature reports whether steps of this kind produce a signature rather than a transaction.
func (k Kind) IsSignature() bool {
	return k == KindSignMessage || k == KindSignTypedData
}

func (k Kind) known() bool {
	switch k {
	case KindTokenApproval, KindBuy, KindSell, KindCreateListing, KindCreateOffer, KindCancel,
		KindSignMessage, KindSignTypedData:
		return true
	}
	return false
}

// ExecutionMode tags how a post-notification response is interpreted.
type ExecutionMode string

const (
	ModePlain ExecutionMode = ""
	ModeOrder ExecutionMode = "order"
)

// PostAction describes the HTTP call issued once a step has produced its artifact.
type PostAction struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// TypedSignaturePayload is the EIP-712 envelope carried by signTypedData steps.
type TypedSignaturePayload struct {
	Domain      apitypes.TypedDataDomain  `json:"domain"`
	Types       apitypes.Types            `json:"types"`
	PrimaryType string                    `json:"primaryType"`
	Value       apitypes.TypedDataMessage `json:"value"`
}

// TypedData converts the payload into go-ethereum's typed data form without touching its contents.
func (p *TypedSignaturePayload) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types:       p.Types,
		PrimaryType: p.PrimaryType,
		Domain:      p.Domain,
		Message:     p.Value,
	}
}

// Step is one unit of work returned by the order-construction service.
//
// Transaction steps carry Target and CallData. Signature steps carry either
// Message (signMessage) or TypedData (signTypedData) and never a target.
type Step struct {
	Kind                 Kind
	Target               *common.Address
	CallData             []byte
	Message              string
	Value                *big.Int
	Price                decimal.Decimal
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             *uint64
	TypedData            *TypedSignaturePayload
	Post                 *PostAction
	ExecutionMode        ExecutionMode
}

// Sequence is the ordered list of steps for one action. Order is significant.
type Sequence []Step

type wireStep struct {
	ID                   string                 `json:"id"`
	Data                 string                 `json:"data,omitempty"`
	To                   string                 `json:"to,omitempty"`
	Value                string                 `json:"value,omitempty"`
	Price                string                 `json:"price,omitempty"`
	MaxFeePerGas         string                 `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string                 `json:"maxPriorityFeePerGas,omitempty"`
	GasLimit             string                 `json:"gasLimit,omitempty"`
	Signature            *TypedSignaturePayload `json:"signature,omitempty"`
	Post                 *PostAction            `json:"post,omitempty"`
	ExecuteType          string                 `json:"executeType,omitempty"`
}

func (s *Step) UnmarshalJSON(raw []byte) error {
	var w wireStep
	if err := json.Unmarshal(raw, &w); err != nil {
		return err
	}

	out := Step{
		Kind:          Kind(w.ID),
		TypedData:     w.Signature,
		Post:          w.Post,
		ExecutionMode: ExecutionMode(w.ExecuteType),
	}
	if !out.Kind.known() {
		out.Kind = KindUnknown
	}

	if w.To != "" {
		if !common.IsHexAddress(w.To) {
			return fmt.Errorf("step %s: invalid target address %q", w.ID, w.To)
		}
		addr := common.HexToAddress(w.To)
		out.Target = &addr
	}

	if out.Kind == KindSignMessage {
		out.Message = w.Data
	} else if w.Data != "" {
		data, err := hexutil.Decode(w.Data)
		if err != nil {
			return fmt.Errorf("step %s: invalid call data: %w", w.ID, err)
		}
		out.CallData = data
	}

	var err error
	if out.Value, err = parseBig("value", w.Value); err != nil {
		return err
	}
	if out.MaxFeePerGas, err = parseBig("maxFeePerGas", w.MaxFeePerGas); err != nil {
		return err
	}
	if out.MaxPriorityFeePerGas, err = parseBig("maxPriorityFeePerGas", w.MaxPriorityFeePerGas); err != nil {
		return err
	}
	if w.GasLimit != "" {
		gas, ok := math.ParseUint64(w.GasLimit)
		if !ok {
			return fmt.Errorf("invalid gasLimit %q", w.GasLimit)
		}
		out.GasLimit = &gas
	}
	if w.Price != "" {
		if out.Price, err = decimal.NewFromString(w.Price); err != nil {
			return fmt.Errorf("invalid price %q: %w", w.Price, err)
		}
	}

	*s = out
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	w := wireStep{
		ID:          string(s.Kind),
		Signature:   s.TypedData,
		Post:        s.Post,
		ExecuteType: string(s.ExecutionMode),
	}
	if s.Target != nil {
		w.To = s.Target.Hex()
	}
	if s.Kind == KindSignMessage {
		w.Data = s.Message
	} else if len(s.CallData) > 0 {
		w.Data = hexutil.Encode(s.CallData)
	}
	if s.Value != nil {
		w.Value = s.Value.String()
	}
	if !s.Price.IsZero() {
		w.Price = s.Price.String()
	}
	if s.MaxFeePerGas != nil {
		w.MaxFeePerGas = s.MaxFeePerGas.String()
	}
	if s.MaxPriorityFeePerGas != nil {
		w.MaxPriorityFeePerGas = s.MaxPriorityFeePerGas.String()
	}
	if s.GasLimit != nil {
		w.GasLimit = strconv.FormatUint(*s.GasLimit, 10)
	}
	return json.Marshal(w)
}

// parseBig accepts decimal or 0x-prefixed hex quantities.
func parseBig(field, v string) (*big.Int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	n, ok := math.ParseBig256(v)
	if !ok {
		return nil, fmt.Errorf("invalid %s %q", field, v)
	}
	return n, nil
}
