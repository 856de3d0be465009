package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(10)

	var mu sync.Mutex
	var got []Event
	done := make(chan struct{}, 1)

	bus.Subscribe(EventSectionCompleted, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Publish(EventSectionCompleted, "ses_1", map[string]any{"section": "executive_summary"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "ses_1", got[0].SessionID)
	assert.Equal(t, "executive_summary", got[0].Data["section"])
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)

	delivered := make(chan Event, 10)
	unsub := bus.Subscribe(EventSectionFailed, func(e Event) {
		delivered <- e
	})
	unsub()

	bus.Publish(EventSectionFailed, "ses_1", nil)

	select {
	case <-delivered:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewBus(10)

	delivered := make(chan EventType, 10)
	bus.SubscribeAll(func(e Event) {
		delivered <- e.Type
	})

	types := []EventType{
		EventSessionStarted, EventSectionStarted, EventSectionCompleted,
		EventSectionFailed, EventSessionTerminal,
	}
	for _, typ := range types {
		bus.Publish(typ, "ses_1", nil)
	}

	seen := make(map[EventType]bool)
	for range types {
		select {
		case typ := <-delivered:
			seen[typ] = true
		case <-time.After(time.Second):
			t.Fatal("missing events")
		}
	}
	assert.Len(t, seen, len(types))
}

func TestBusSurvivesPanickingSubscriber(t *testing.T) {
	bus := NewBus(10)

	done := make(chan struct{}, 2)
	bus.Subscribe(EventSessionTerminal, func(e Event) {
		done <- struct{}{}
		panic("subscriber bug")
	})

	bus.Publish(EventSessionTerminal, "ses_1", nil)
	bus.Publish(EventSessionTerminal, "ses_2", nil)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("bus stopped delivering after subscriber panic")
		}
	}
}

func TestAuditLoggerWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewAuditLogger(path, 0)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.WriteEntry(&LogEntry{
		Timestamp: time.Now().UTC(),
		EventType: string(EventSectionCompleted),
		SessionID: "ses_1",
		Details:   map[string]any{"section": "budget_narrative"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry LogEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "ses_1", entry.SessionID)
	assert.Equal(t, "budget_narrative", entry.Details["section"])
}

func TestAuditLoggerRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	logger, err := NewAuditLogger(path, 128)
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, logger.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: string(EventSectionStarted),
			SessionID: "ses_rotation_test",
		}))
	}

	archives, err := os.ReadDir(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	assert.NotEmpty(t, archives, "expected at least one rotated file")
}
