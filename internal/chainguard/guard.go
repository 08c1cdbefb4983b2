// Package chainguard makes sure the wallet sits on the chain a step needs
// before anything is signed or sent.
package chainguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketsteps/internal/logging"
	"marketsteps/internal/steps"
	"marketsteps/internal/wallet"
)

type Guard struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Guard {
	if log == nil {
		log = logging.Discard()
	}
	return &Guard{log: log}
}

// Ensure switches w to required unless it is already there. It must run
// before every step: the user can change networks between prompts.
func (g *Guard) Ensure(ctx context.Context, w wallet.Wallet, required uint64) error {
	current, err := w.ChainID(ctx)
	if err != nil {
		return &steps.ChainSwitchError{RequiredChainID: required, Err: fmt.Errorf("read wallet chain: %w", err)}
	}
	if current == required {
		return nil
	}

	g.log.DebugContext(ctx, "switching wallet chain", "from", current, "to", required)

	err = w.SwitchChain(ctx, required)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, wallet.ErrUserRejected):
		return &steps.UserRejectedRequestError{Err: err}
	case errors.Is(err, wallet.ErrChainNotConfigured):
		// The following step may still succeed; surfacing this is left to it.
		g.log.WarnContext(ctx, "wallet does not know the required chain, continuing",
			"chain_id", required, "wallet_chain_id", current)
		return nil
	default:
		return &steps.ChainSwitchError{CurrentChainID: current, RequiredChainID: required, Err: err}
	}
}
