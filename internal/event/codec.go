// Package event encodes engine events and fans them out to the signal bus,
// the audit log and operator notifications.
package event

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/blindbet/internal/domain"
)

func toStruct(ev domain.Event) (*structpb.Struct, error) {
	attrs := ev.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	st, err := structpb.NewStruct(map[string]any{
		"id":          ev.ID,
		"type":        string(ev.Type),
		"market_id":   strconv.FormatUint(ev.MarketID, 10),
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		"attrs":       attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", ev.Type, err)
	}
	return st, nil
}

func fromStruct(st *structpb.Struct) (domain.Event, error) {
	m := st.AsMap()
	var ev domain.Event
	ev.ID, _ = m["id"].(string)
	typ, _ := m["type"].(string)
	ev.Type = domain.EventType(typ)

	idStr, _ := m["market_id"].(string)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return domain.Event{}, fmt.Errorf("event: decode market_id %q: %w", idStr, err)
	}
	ev.MarketID = id

	at, _ := m["occurred_at"].(string)
	if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, at); err != nil {
		return domain.Event{}, fmt.Errorf("event: decode occurred_at %q: %w", at, err)
	}
	if attrs, ok := m["attrs"].(map[string]any); ok {
		ev.Attrs = attrs
	}
	return ev, nil
}

// Marshal encodes ev as a protobuf Struct for durable streams.
func Marshal(ev domain.Event) ([]byte, error) {
	st, err := toStruct(ev)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// Unmarshal decodes Marshal output.
func Unmarshal(data []byte) (domain.Event, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return domain.Event{}, fmt.Errorf("event: unmarshal: %w", err)
	}
	return fromStruct(&st)
}

// MarshalJSON encodes ev as JSON for browser clients.
func MarshalJSON(ev domain.Event) ([]byte, error) {
	st, err := toStruct(ev)
	if err != nil {
		return nil, err
	}
	return st.MarshalJSON()
}

// UnmarshalJSON decodes MarshalJSON output.
func UnmarshalJSON(data []byte) (domain.Event, error) {
	var st structpb.Struct
	if err := st.UnmarshalJSON(data); err != nil {
		return domain.Event{}, fmt.Errorf("event: unmarshal json: %w", err)
	}
	return fromStruct(&st)
}
