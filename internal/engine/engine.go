// Package engine drives a step sequence to completion: for every step it
// guards the chain, signs or submits, optionally waits for the receipt and
// optionally notifies a backend. The first failure ends the run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"marketsteps/internal/chainguard"
	"marketsteps/internal/logging"
	"marketsteps/internal/postnotify"
	"marketsteps/internal/signer"
	"marketsteps/internal/steps"
	"marketsteps/internal/submitter"
	"marketsteps/internal/wallet"
)

// ExecutionContext is the per-run input. It is never mutated by the engine.
type ExecutionContext struct {
	ChainID uint64
	Wallet  wallet.Wallet
	// Logger replaces any global debug switch; nil means no logging.
	Logger *slog.Logger
	// WaitForFinal makes the engine wait for the receipt of every transaction
	// step, not only the ones a later step or a post action depends on.
	WaitForFinal bool
	// RunID tags logs and spans; one is generated when empty.
	RunID string
}

// Result is what a finished run reports.
type Result struct {
	RunID string `json:"runId"`
	// Final is the outcome of the last step.
	Final steps.StepResult `json:"result"`
	// OrderID is set when the last step's post-notification returned one.
	OrderID string `json:"orderId,omitempty"`
	// Steps holds the outcome of every step that completed, in order.
	Steps []steps.StepResult `json:"steps"`
}

// Waiter is satisfied by *confirm.Waiter.
type Waiter interface {
	Await(ctx context.Context, txHash common.Hash, chainID uint64) (*types.Receipt, error)
}

// Notifier is satisfied by *postnotify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, step *steps.Step, result steps.StepResult) (postnotify.Response, error)
}

type Deps struct {
	Guard     *chainguard.Guard
	Submitter *submitter.Submitter
	// Waiter may be nil, in which case transaction results are never confirmed.
	Waiter   Waiter
	Notifier Notifier
	Metrics  *Metrics
	Tracer   trace.Tracer
}

type Orchestrator struct {
	guard     *chainguard.Guard
	submitter *submitter.Submitter
	waiter    Waiter
	notifier  Notifier
	metrics   *Metrics
	tracer    trace.Tracer
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		guard:     d.Guard,
		submitter: d.Submitter,
		waiter:    d.Waiter,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
	}
	if o.guard == nil {
		o.guard = chainguard.New(nil)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("marketsteps/engine")
	}
	return o
}

// Execute runs seq strictly in order on ec's wallet. On failure the returned
// Result still lists the steps that completed before the failing one.
func (o *Orchestrator) Execute(ctx context.Context, seq steps.Sequence, ec ExecutionContext) (Result, error) {
	runID := ec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := ec.Logger
	if log == nil {
		log = logging.Discard()
	}
	log = log.With("run_id", runID, "chain_id", ec.ChainID)

	ctx, span := o.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("chain_id", int64(ec.ChainID)),
		attribute.Int("steps", len(seq)),
	))
	defer span.End()

	res, err := o.execute(ctx, seq, ec, log, runID)
	o.metrics.incSequence(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(steps.ClassOf(err)))
		log.WarnContext(ctx, "sequence failed", "completed", len(res.Steps), "error", err)
		return res, err
	}
	log.InfoContext(ctx, "sequence succeeded", "steps", len(res.Steps), "order_id", res.OrderID)
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, seq steps.Sequence, ec ExecutionContext, log *slog.Logger, runID string) (Result, error) {
	res := Result{RunID: runID}
	if len(seq) == 0 {
		return res, &steps.InvalidStepError{Err: steps.ErrNoExecutableStep}
	}
	if ec.Wallet == nil {
		return res, errors.New("execution context has no wallet")
	}

	for i := range seq {
		step := &seq[i]
		last := i == len(seq)-1

		stepLog := log.With("step", i, "kind", step.Kind)
		out, orderID, err := o.runStep(ctx, step, ec, !last, stepLog)
		o.metrics.incStep(step.Kind, err)
		if err != nil {
			return res, err
		}
		res.Steps = append(res.Steps, out)
		if last {
			res.Final = out
			res.OrderID = orderID
		}
	}
	return res, nil
}

func (o *Orchestrator) runStep(ctx context.Context, step *steps.Step, ec ExecutionContext, hasNext bool, log *slog.Logger) (steps.StepResult, string, error) {
	ctx, span := o.tracer.Start(ctx, "engine.step", trace.WithAttributes(attribute.String("kind", string(step.Kind))))
	defer span.End()

	fail := func(err error) (steps.StepResult, string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(steps.ClassOf(err)))
		return steps.StepResult{}, "", err
	}

	action, err := steps.Classify(step)
	if err != nil {
		return fail(err)
	}

	if err := o.guard.Ensure(ctx, ec.Wallet, ec.ChainID); err != nil {
		return fail(err)
	}

	var out steps.StepResult
	switch a := action.(type) {
	case steps.SignMessageAction, steps.SignTypedDataAction:
		sig, err := signer.SignAction(ctx, ec.Wallet, a)
		if err != nil {
			return fail(err)
		}
		out = steps.StepResult{Type: steps.ResultSignature, Kind: step.Kind, Signature: sig}
		log.DebugContext(ctx, "step signed")

	case steps.ApprovalAction, steps.TransactionAction:
		out, err = o.transact(ctx, a, ec, hasNext, log)
		if err != nil {
			return fail(err)
		}

	default:
		return fail(&steps.InvalidStepError{Kind: step.Kind, Reason: fmt.Sprintf("no executor for %T", a)})
	}

	orderID, err := o.notify(ctx, step, out)
	if err != nil {
		return fail(err)
	}
	return out, orderID, nil
}

func (o *Orchestrator) transact(ctx context.Context, action steps.Action, ec ExecutionContext, hasNext bool, log *slog.Logger) (steps.StepResult, error) {
	step := action.Step()
	if o.submitter == nil {
		return steps.StepResult{}, errors.New("engine has no transaction submitter")
	}
	hash, err := o.submitter.SubmitAction(ctx, ec.Wallet, action, ec.ChainID)
	if err != nil {
		return steps.StepResult{}, err
	}
	log = log.With("tx_hash", hash.Hex())
	log.InfoContext(ctx, "transaction broadcast")

	out := steps.StepResult{Type: steps.ResultTransaction, Kind: step.Kind, TxHash: &hash}
	if !needsConfirmation(step, ec, hasNext) || o.waiter == nil {
		return out, nil
	}

	started := time.Now()
	receipt, err := o.waiter.Await(ctx, hash, ec.ChainID)
	if err != nil {
		return steps.StepResult{}, err
	}
	o.metrics.observeConfirmation(time.Since(started))

	if receipt.Status != types.ReceiptStatusSuccessful {
		return steps.StepResult{}, &steps.TransactionExecutionError{
			Kind: step.Kind,
			Err:  fmt.Errorf("%w: %s in block %v", steps.ErrTransactionReverted, hash.Hex(), receipt.BlockNumber),
		}
	}
	log.InfoContext(ctx, "transaction confirmed", "block", receipt.BlockNumber)
	out.Confirmed = true
	out.Receipt = receipt
	return out, nil
}

// needsConfirmation reports whether something downstream depends on the
// transaction having landed.
func needsConfirmation(step *steps.Step, ec ExecutionContext, hasNext bool) bool {
	return ec.WaitForFinal || hasNext || step.Kind == steps.KindTokenApproval || step.Post != nil
}

// notify runs the post action, if any. Failures are reported in the same
// error class as the step itself.
func (o *Orchestrator) notify(ctx context.Context, step *steps.Step, out steps.StepResult) (string, error) {
	if step.Post == nil {
		return "", nil
	}
	if o.notifier == nil {
		return "", &steps.InvalidStepError{Kind: step.Kind, Reason: "post action configured but no notifier available"}
	}
	resp, err := o.notifier.Notify(ctx, step, out)
	if err == nil {
		return resp.OrderID, nil
	}

	var invalid *steps.InvalidStepError
	if errors.As(err, &invalid) {
		return "", err
	}
	err = fmt.Errorf("post-notify: %w", err)
	if out.Type == steps.ResultSignature {
		return "", &steps.TransactionSignatureError{Kind: step.Kind, Err: err}
	}
	return "", &steps.TransactionExecutionError{Kind: step.Kind, Err: err}
}
