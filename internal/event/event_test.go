package event

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewStoredEvent_CopiesFields(t *testing.T) {
	src := NewPayloadEvent("m1", "a1", map[string]any{"test": "true"})
	rec := NewStoredEvent("r1", src, time.Now())

	require.Equal(t, "m1", rec.EventID())
	require.Equal(t, "a1", rec.AggregationKey())
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, OriginStore, rec.Origin())
	require.False(t, rec.Committed())

	src.Values["test"] = "mutated"
	require.Equal(t, "true", rec.Fields()["test"])
}

func TestStoredEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ev      *StoredEvent
		wantErr string
	}{
		{"ok", &StoredEvent{ID: "m1", Key: "a1", Values: map[string]any{"n": 1}}, ""},
		{"empty key allowed", &StoredEvent{ID: "m1"}, ""},
		{"missing id", &StoredEvent{Key: "a1"}, "event id is empty"},
		{"long id", &StoredEvent{ID: strings.Repeat("x", 256)}, "event id exceeds"},
		{"long key", &StoredEvent{ID: "m1", Key: strings.Repeat("x", 256)}, "aggregation key exceeds"},
		{"unencodable", &StoredEvent{ID: "m1", Values: map[string]any{"ch": make(chan int)}}, "not encodable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ev.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestPayloadEvent_Origin(t *testing.T) {
	ev := NewPayloadEvent("m1", "", nil)
	require.Equal(t, OriginPayload, ev.Origin())
	require.NotNil(t, ev.Fields())
	require.Equal(t, "payload", ev.Origin().String())
}
