package coprocessor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Worker decrypts queued settlement requests. It is the only component that
// needs the settlement private key.
type Worker struct {
	consumer
	decryptor domain.Decryptor
	auth      Authenticator
	logger    *slog.Logger
}

// NewWorker creates a Worker reading RequestStream from bus. Requests must be
// sealed with the same secret as auth, and results are sealed with it.
func NewWorker(bus domain.SignalBus, decryptor domain.Decryptor, auth Authenticator, opts Options, logger *slog.Logger) *Worker {
	return &Worker{
		consumer:  newConsumer(bus, RequestStream, opts),
		decryptor: decryptor,
		auth:      auth,
		logger:    logger.With(slog.String("component", "coprocessor_worker")),
	}
}

// Run processes requests until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "coprocessor worker started", slog.String("cursor", w.cursor))
	return w.run(ctx, func(m domain.StreamMessage) { w.handle(ctx, m) }, func(err error) {
		w.logger.ErrorContext(ctx, "read requests failed", slog.String("error", err.Error()))
	})
}

// Poll processes one batch and returns the number of entries read.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	return w.poll(ctx, func(m domain.StreamMessage) { w.handle(ctx, m) })
}

func (w *Worker) handle(ctx context.Context, m domain.StreamMessage) {
	payload, err := w.auth.Open(RequestStream, m.Payload)
	if err != nil {
		w.logger.WarnContext(ctx, "dropping unauthenticated request",
			slog.String("entry", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	req, err := decodeRequest(payload)
	if err != nil {
		w.logger.WarnContext(ctx, "dropping malformed request",
			slog.String("entry", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	res := resultMessage{MarketID: req.MarketID}
	reveals, err := w.decryptor.Decrypt(ctx, req)
	if err != nil {
		res.Error = err.Error()
		w.logger.ErrorContext(ctx, "decrypt failed",
			slog.Uint64("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
	} else {
		res.Reveals = reveals
	}

	data, err := json.Marshal(res)
	if err == nil {
		data, err = w.auth.Seal(ResultStream, data)
	}
	if err == nil {
		err = w.bus.StreamAppend(ctx, ResultStream, data)
	}
	if err != nil {
		w.logger.ErrorContext(ctx, "publish result failed",
			slog.Uint64("market_id", req.MarketID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.InfoContext(ctx, "settlement decrypted",
		slog.Uint64("market_id", req.MarketID),
		slog.Int("bets", len(req.Bets)),
	)
}
