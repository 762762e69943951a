// Package coprocessor moves the decryption half of settlement out of process.
// The keeper appends settlement requests to a stream, a Worker holding the
// settlement key opens the predictions and appends the reveals to a result
// stream, and a Finalizer next to the engine completes settlement.
//
// Every stream entry is sealed with a shared-secret MAC. The Worker only
// decrypts requests sealed by a Dispatcher and the Finalizer only applies
// results sealed by a Worker; anything else on the bus is dropped.
package coprocessor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// Stream names on the signal bus.
const (
	RequestStream = "decrypt:requests"
	ResultStream  = "decrypt:results"
)

type sealedBet struct {
	Participant common.Address `json:"participant"`
	Ciphertext  hexutil.Bytes  `json:"ciphertext"`
}

type requestMessage struct {
	MarketID     uint64       `json:"market_id"`
	Asset        string       `json:"asset"`
	Price        domain.Price `json:"price"`
	OutcomeAbove bool         `json:"outcome_above"`
	Bets         []sealedBet  `json:"bets"`
	RequestedAt  time.Time    `json:"requested_at"`
}

type resultMessage struct {
	MarketID uint64                               `json:"market_id"`
	Reveals  map[common.Address]domain.Prediction `json:"reveals,omitempty"`
	Error    string                               `json:"error,omitempty"`
}

func encodeRequest(req domain.SettlementRequest) ([]byte, error) {
	msg := requestMessage{
		MarketID:     req.MarketID,
		Asset:        req.Asset,
		Price:        req.Price,
		OutcomeAbove: req.OutcomeAbove,
		Bets:         make([]sealedBet, 0, len(req.Bets)),
		RequestedAt:  req.RequestedAt,
	}
	for _, b := range req.Bets {
		msg.Bets = append(msg.Bets, sealedBet{Participant: b.Participant, Ciphertext: hexutil.Bytes(b.Ciphertext)})
	}
	return json.Marshal(msg)
}

func decodeRequest(data []byte) (domain.SettlementRequest, error) {
	var msg requestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.SettlementRequest{}, fmt.Errorf("coprocessor: decode request: %w", err)
	}
	req := domain.SettlementRequest{
		MarketID:     msg.MarketID,
		Asset:        msg.Asset,
		Price:        msg.Price,
		OutcomeAbove: msg.OutcomeAbove,
		Bets:         make([]domain.SealedBet, 0, len(msg.Bets)),
		RequestedAt:  msg.RequestedAt,
	}
	for _, b := range msg.Bets {
		req.Bets = append(req.Bets, domain.SealedBet{Participant: b.Participant, Ciphertext: domain.Ciphertext(b.Ciphertext)})
	}
	return req, nil
}

// Authenticator seals and opens stream payloads. crypto.StreamAuth is the
// production implementation.
type Authenticator interface {
	Seal(stream string, payload []byte) ([]byte, error)
	Open(stream string, data []byte) ([]byte, error)
}

// Dispatcher appends settlement requests to RequestStream.
type Dispatcher struct {
	bus  domain.SignalBus
	auth Authenticator
}

// NewDispatcher creates a Dispatcher that seals requests with auth.
func NewDispatcher(bus domain.SignalBus, auth Authenticator) *Dispatcher {
	return &Dispatcher{bus: bus, auth: auth}
}

// Dispatch queues req for decryption.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.SettlementRequest) error {
	data, err := encodeRequest(req)
	if err != nil {
		return fmt.Errorf("coprocessor: encode request %d: %w", req.MarketID, err)
	}
	data, err = d.auth.Seal(RequestStream, data)
	if err != nil {
		return fmt.Errorf("coprocessor: seal request %d: %w", req.MarketID, err)
	}
	if err := d.bus.StreamAppend(ctx, RequestStream, data); err != nil {
		return fmt.Errorf("coprocessor: dispatch %d: %w", req.MarketID, err)
	}
	return nil
}

// consumer tails one stream from a cursor.
type consumer struct {
	bus    domain.SignalBus
	stream string
	cursor string
	batch  int
	idle   time.Duration
}

func newConsumer(bus domain.SignalBus, stream string, opts Options) consumer {
	opts.setDefaults()
	return consumer{bus: bus, stream: stream, cursor: opts.StartID, batch: opts.Batch, idle: opts.Idle}
}

// Options tunes a stream consumer.
type Options struct {
	// StartID is the first cursor. "0" replays the retained stream, which is
	// safe because finalization is idempotent.
	StartID string
	Batch   int
	// Idle is the pause between empty reads.
	Idle time.Duration
}

func (o *Options) setDefaults() {
	if o.StartID == "" {
		o.StartID = "0"
	}
	if o.Batch <= 0 {
		o.Batch = 16
	}
	if o.Idle <= 0 {
		o.Idle = time.Second
	}
}

// poll reads one batch and hands each entry to fn, advancing the cursor.
func (c *consumer) poll(ctx context.Context, fn func(domain.StreamMessage)) (int, error) {
	msgs, err := c.bus.StreamRead(ctx, c.stream, c.cursor, c.batch)
	if err != nil {
		return 0, err
	}
	for _, m := range msgs {
		fn(m)
		c.cursor = m.ID
	}
	return len(msgs), nil
}

// run polls until ctx is done, pausing for idle after empty or failed reads.
func (c *consumer) run(ctx context.Context, fn func(domain.StreamMessage), onErr func(error)) error {
	for {
		n, err := c.poll(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			onErr(err)
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.idle):
		}
	}
}
