package event

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

// LocalBus is an in-process domain.SignalBus for single-binary runs without
// Redis. Stream ids follow the Redis "<seq>-0" shape so callers can switch
// buses without changing cursor handling.
type LocalBus struct {
	mu      sync.Mutex
	subs    map[int]localSub
	nextSub int
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
	wake    chan struct{}
	block   time.Duration
}

type localSub struct {
	pattern string
	ch      chan []byte
}

// NewLocalBus creates a LocalBus keeping at most maxLen entries per stream.
// StreamRead waits up to block for new entries when none are available.
func NewLocalBus(maxLen int, block time.Duration) *LocalBus {
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &LocalBus{
		subs:    make(map[int]localSub),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
		wake:    make(chan struct{}),
		block:   block,
	}
}

// Publish delivers payload to every matching subscriber. Slow subscribers
// drop messages rather than block the publisher.
func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns a channel fed by Publish until ctx is done. Glob patterns
// are matched with path.Match.
func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if _, err := path.Match(channel, ""); err != nil {
		return nil, fmt.Errorf("event: local bus: bad pattern %q: %w", channel, err)
	}
	ch := make(chan []byte, 128)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = localSub{pattern: channel, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

// StreamAppend appends payload to stream.
func (b *LocalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entries := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(entries) > b.maxLen {
		entries = entries[len(entries)-b.maxLen:]
	}
	b.streams[stream] = entries
	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

// StreamRead returns up to count entries after lastID.
func (b *LocalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	after, err := b.cursor(stream, lastID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if b.block > 0 {
		t := time.NewTimer(b.block)
		defer t.Stop()
		deadline = t.C
	}
	for {
		b.mu.Lock()
		out := b.readAfter(stream, after, count)
		wake := b.wake
		b.mu.Unlock()
		if len(out) > 0 || deadline == nil {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		}
	}
}

func (b *LocalBus) cursor(stream, lastID string) (uint64, error) {
	switch lastID {
	case "", "0", "0-0":
		return 0, nil
	case "$":
		entries := b.streams[stream]
		if len(entries) == 0 {
			return b.seq, nil
		}
		return parseSeq(entries[len(entries)-1].ID)
	}
	return parseSeq(lastID)
}

func (b *LocalBus) readAfter(stream string, after uint64, count int) []domain.StreamMessage {
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		seq, _ := parseSeq(m.ID)
		if seq <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out
}

func parseSeq(id string) (uint64, error) {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("event: local bus: bad stream id %q", id)
	}
	return n, nil
}

var _ domain.SignalBus = (*LocalBus)(nil)
