package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsteps/internal/networks"
	"marketsteps/internal/postnotify"
	"marketsteps/internal/steps"
	"marketsteps/internal/submitter"
	"marketsteps/internal/wallet"
	"marketsteps/internal/wallet/wallettest"
)

const chainID = 137

var target = common.HexToAddress("0x00000000000000ADc04C56Bf30aC9d3c0aAF14dC")

type fakeWaiter struct {
	mu      sync.Mutex
	calls   []common.Hash
	status  uint64
	err     error
	onAwait func()
}

func (f *fakeWaiter) Await(_ context.Context, hash common.Hash, _ uint64) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, hash)
	if f.onAwait != nil {
		f.onAwait()
	}
	if f.err != nil {
		return nil, &steps.TransactionConfirmationError{TxHash: hash, Err: f.err}
	}
	return &types.Receipt{TxHash: hash, Status: f.status, BlockNumber: big.NewInt(10)}, nil
}

func newWaiter() *fakeWaiter { return &fakeWaiter{status: types.ReceiptStatusSuccessful} }

func newOrchestrator(t *testing.T, waiter Waiter, notifier Notifier) *Orchestrator {
	t.Helper()
	table, err := networks.NewTable(networks.Network{ChainID: chainID, Name: "polygon"})
	require.NoError(t, err)
	return New(Deps{Submitter: submitter.New(table), Waiter: waiter, Notifier: notifier})
}

func txStep(kind steps.Kind) steps.Step {
	to := target
	return steps.Step{Kind: kind, Target: &to, CallData: []byte{0x01}}
}

// failingWallet fails the n-th sign or send request (1-based).
type failingWallet struct {
	*wallettest.Wallet
	failAt int
	calls  int
}

func (w *failingWallet) next() error {
	w.calls++
	if w.calls == w.failAt {
		return fmt.Errorf("request %d refused", w.calls)
	}
	return nil
}

func (w *failingWallet) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if err := w.next(); err != nil {
		return nil, err
	}
	return w.Wallet.SignMessage(ctx, msg)
}

func (w *failingWallet) SendTransaction(ctx context.Context, req wallet.TxRequest) (common.Hash, error) {
	if err := w.next(); err != nil {
		return common.Hash{}, err
	}
	return w.Wallet.SendTransaction(ctx, req)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	for n := 1; n <= 5; n++ {
		for k := 1; k <= n; k++ {
			t.Run(fmt.Sprintf("n=%d/k=%d", n, k), func(t *testing.T) {
				var seq steps.Sequence
				for i := 0; i < n; i++ {
					if i%2 == 0 {
						seq = append(seq, txStep(steps.KindBuy))
					} else {
						seq = append(seq, steps.Step{Kind: steps.KindSignMessage, Message: "hello"})
					}
				}
				w := &failingWallet{Wallet: wallettest.New(chainID), failAt: k}

				res, err := newOrchestrator(t, newWaiter(), nil).Execute(context.Background(), seq, ExecutionContext{ChainID: chainID, Wallet: w})
				require.Error(t, err)
				assert.Len(t, res.Steps, k-1)
				assert.Equal(t, k, w.calls)
				assert.Equal(t, k-1, len(w.Sent)+len(w.Messages))
			})
		}
	}
}

func TestExecuteApprovalThenBuyNotifiesOnce(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "order-1"})
	}))
	defer srv.Close()

	abc := common.HexToHash("0xabc")
	w := wallettest.New(chainID)
	w.SendHashes = []common.Hash{common.HexToHash("0x01"), abc}

	buy := txStep(steps.KindBuy)
	buy.Post = &steps.PostAction{Endpoint: srv.URL, Method: "POST", Body: json.RawMessage(`{"orderId":"o-9"}`)}
	buy.ExecutionMode = steps.ModeOrder
	seq := steps.Sequence{txStep(steps.KindTokenApproval), buy}

	waiter := newWaiter()
	res, err := newOrchestrator(t, waiter, postnotify.New(postnotify.Config{}, nil)).
		Execute(context.Background(), seq, ExecutionContext{ChainID: chainID, Wallet: w})
	require.NoError(t, err)

	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], abc.Hex())
	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, steps.ResultTransaction, res.Final.Type)
	assert.Equal(t, abc, *res.Final.TxHash)
	assert.True(t, res.Final.Confirmed)
	assert.Len(t, res.Steps, 2)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []common.Hash{common.HexToHash("0x01"), abc}, waiter.calls)
}

func TestExecuteEmptySequence(t *testing.T) {
	w := wallettest.New(chainID)
	_, err := newOrchestrator(t, newWaiter(), nil).Execute(context.Background(), nil, ExecutionContext{ChainID: chainID, Wallet: w})

	var invalid *steps.InvalidStepError
	require.ErrorAs(t, err, &invalid)
	assert.ErrorIs(t, err, steps.ErrNoExecutableStep)
	assert.Contains(t, err.Error(), "no transaction or signature step found")
	assert.Empty(t, w.Sent)
	assert.Empty(t, w.Messages)
	assert.Zero(t, w.SwitchCalls)
}

func TestExecuteGuardsChainBeforeEveryStep(t *testing.T) {
	w := wallettest.New(1)
	waiter := newWaiter()
	// the user moves the wallet away between the two steps
	waiter.onAwait = func() { w.Chain = 5 }

	seq := steps.Sequence{txStep(steps.KindTokenApproval), txStep(steps.KindSell)}
	_, err := newOrchestrator(t, waiter, nil).Execute(context.Background(), seq, ExecutionContext{ChainID: chainID, Wallet: w})
	require.NoError(t, err)
	assert.Equal(t, 2, w.SwitchCalls)
}

func TestExecuteUserRejectsSwitch(t *testing.T) {
	w := wallettest.New(1)
	w.SwitchErr = fmt.Errorf("%w: denied", wallet.ErrUserRejected)

	_, err := newOrchestrator(t, newWaiter(), nil).Execute(context.Background(),
		steps.Sequence{txStep(steps.KindBuy)}, ExecutionContext{ChainID: chainID, Wallet: w})
	var rejected *steps.UserRejectedRequestError
	require.ErrorAs(t, err, &rejected)
	assert.Empty(t, w.Sent)
}

func TestExecuteConfirmationPolicy(t *testing.T) {
	cases := []struct {
		name      string
		seq       steps.Sequence
		waitFinal bool
		awaits    int
	}{
		{"single buy, no final wait", steps.Sequence{txStep(steps.KindBuy)}, false, 0},
		{"single buy, final wait", steps.Sequence{txStep(steps.KindBuy)}, true, 1},
		{"approval always waits", steps.Sequence{txStep(steps.KindTokenApproval)}, false, 1},
		{"step followed by another", steps.Sequence{txStep(steps.KindCancel), txStep(steps.KindCancel)}, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			waiter := newWaiter()
			res, err := newOrchestrator(t, waiter, nil).Execute(context.Background(), tc.seq,
				ExecutionContext{ChainID: chainID, Wallet: wallettest.New(chainID), WaitForFinal: tc.waitFinal})
			require.NoError(t, err)
			assert.Len(t, waiter.calls, tc.awaits)
			assert.Equal(t, tc.waitFinal || tc.seq[len(tc.seq)-1].Kind == steps.KindTokenApproval, res.Final.Confirmed)
		})
	}
}

func TestExecuteConfirmationFailureStopsSequence(t *testing.T) {
	waiter := newWaiter()
	waiter.err = steps.ErrConfirmationTimeout
	w := wallettest.New(chainID)

	seq := steps.Sequence{txStep(steps.KindTokenApproval), txStep(steps.KindBuy)}
	res, err := newOrchestrator(t, waiter, nil).Execute(context.Background(), seq, ExecutionContext{ChainID: chainID, Wallet: w})

	var confirmErr *steps.TransactionConfirmationError
	require.ErrorAs(t, err, &confirmErr)
	assert.ErrorIs(t, err, steps.ErrConfirmationTimeout)
	assert.Empty(t, res.Steps)
	assert.Len(t, w.Sent, 1)
}

func TestExecuteRevertedReceipt(t *testing.T) {
	waiter := newWaiter()
	waiter.status = types.ReceiptStatusFailed

	_, err := newOrchestrator(t, waiter, nil).Execute(context.Background(),
		steps.Sequence{txStep(steps.KindBuy)}, ExecutionContext{ChainID: chainID, Wallet: wallettest.New(chainID), WaitForFinal: true})
	var execErr *steps.TransactionExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, steps.ErrTransactionReverted)
}

type stubNotifier struct {
	err  error
	resp postnotify.Response
}

func (s stubNotifier) Notify(context.Context, *steps.Step, steps.StepResult) (postnotify.Response, error) {
	return s.resp, s.err
}

func TestExecutePostFailureUsesStepErrorClass(t *testing.T) {
	boom := errors.New("backend down")
	sign := steps.Step{Kind: steps.KindSignMessage, Message: "hi", Post: &steps.PostAction{Endpoint: "http://x"}}
	buy := txStep(steps.KindBuy)
	buy.Post = &steps.PostAction{Endpoint: "http://x"}

	o := newOrchestrator(t, newWaiter(), stubNotifier{err: boom})
	ec := ExecutionContext{ChainID: chainID, Wallet: wallettest.New(chainID)}

	_, err := o.Execute(context.Background(), steps.Sequence{sign}, ec)
	var sigErr *steps.TransactionSignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.ErrorIs(t, err, boom)

	_, err = o.Execute(context.Background(), steps.Sequence{buy}, ec)
	var execErr *steps.TransactionExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, boom)
}

func TestExecuteSignTypedDataResult(t *testing.T) {
	step := steps.Step{Kind: steps.KindSignTypedData, TypedData: &steps.TypedSignaturePayload{PrimaryType: "Order"}}
	w := wallettest.New(chainID)

	res, err := newOrchestrator(t, newWaiter(), nil).Execute(context.Background(), steps.Sequence{step}, ExecutionContext{ChainID: chainID, Wallet: w})
	require.NoError(t, err)
	assert.Equal(t, steps.ResultSignature, res.Final.Type)
	assert.True(t, strings.HasPrefix(res.Final.Signature, "0x"))
	require.Len(t, w.TypedRequests, 1)
	assert.Equal(t, "Order", w.TypedRequests[0].PrimaryType)
}

func TestExecuteRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	table, err := networks.NewTable(networks.Network{ChainID: chainID})
	require.NoError(t, err)
	metrics := NewMetrics(reg)
	o := New(Deps{Submitter: submitter.New(table), Waiter: newWaiter(), Metrics: metrics})

	w := wallettest.New(chainID)
	_, err = o.Execute(context.Background(), steps.Sequence{txStep(steps.KindBuy)}, ExecutionContext{ChainID: chainID, Wallet: w})
	require.NoError(t, err)

	w.SendErr = errors.New("nonce too low")
	_, err = o.Execute(context.Background(), steps.Sequence{txStep(steps.KindBuy)}, ExecutionContext{ChainID: chainID, Wallet: w})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("buy", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stepsTotal.WithLabelValues("buy", "execution_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sequencesTotal.WithLabelValues("execution_failed")))
}
