package coprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Settler completes the second settlement phase.
type Settler interface {
	FinalizeSettlement(ctx context.Context, id uint64, reveals map[domain.Identity]domain.Prediction) (domain.Market, error)
}

// Finalizer feeds decryption results back into the engine.
type Finalizer struct {
	consumer
	settler Settler
	auth    Authenticator
	logger  *slog.Logger
}

// NewFinalizer creates a Finalizer reading ResultStream from bus. Results not
// sealed with the secret behind auth are never applied.
func NewFinalizer(bus domain.SignalBus, settler Settler, auth Authenticator, opts Options, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		consumer: newConsumer(bus, ResultStream, opts),
		settler:  settler,
		auth:     auth,
		logger:   logger.With(slog.String("component", "coprocessor_finalizer")),
	}
}

// Run applies results until ctx is cancelled.
func (f *Finalizer) Run(ctx context.Context) error {
	f.logger.InfoContext(ctx, "settlement finalizer started", slog.String("cursor", f.cursor))
	return f.run(ctx, func(m domain.StreamMessage) { f.handle(ctx, m) }, func(err error) {
		f.logger.ErrorContext(ctx, "read results failed", slog.String("error", err.Error()))
	})
}

// Poll applies one batch and returns the number of entries read.
func (f *Finalizer) Poll(ctx context.Context) (int, error) {
	return f.poll(ctx, func(m domain.StreamMessage) { f.handle(ctx, m) })
}

func (f *Finalizer) handle(ctx context.Context, m domain.StreamMessage) {
	payload, err := f.auth.Open(ResultStream, m.Payload)
	if err != nil {
		f.logger.WarnContext(ctx, "dropping unauthenticated result",
			slog.String("entry", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	var res resultMessage
	if err := json.Unmarshal(payload, &res); err != nil {
		f.logger.WarnContext(ctx, "dropping malformed result",
			slog.String("entry", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	log := f.logger.With(slog.Uint64("market_id", res.MarketID))
	if res.Error != "" {
		// The keeper re-dispatches the request later.
		log.WarnContext(ctx, "coprocessor reported failure", slog.String("error", res.Error))
		return
	}

	_, err = f.settler.FinalizeSettlement(ctx, res.MarketID, res.Reveals)
	switch {
	case err == nil:
		log.InfoContext(ctx, "settlement finalized")
	case errors.Is(err, domain.ErrAlreadySettled):
		log.DebugContext(ctx, "result for settled market ignored")
	default:
		log.ErrorContext(ctx, "finalize failed", slog.String("error", err.Error()))
	}
}
