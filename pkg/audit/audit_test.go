package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func tempStore(t *testing.T) *FileStore {
	t.Helper()
	dir := t.TempDir()
	return NewFileStore(dir)
}

func TestFileStore_AppendAndQuery(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{
		Type:      EventOwnershipDenied,
		UserID:    "alice",
		MachineID: "m1",
		Action:    "forward",
		Result:    "denied",
		Metadata:  map[string]any{"method": "AgentService/Converse"},
	}
	if err := store.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if event.ID == "" {
		t.Error("expected event.ID to be set")
	}
	if event.Timestamp.IsZero() {
		t.Error("expected event.Timestamp to be set")
	}

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].UserID != "alice" {
		t.Errorf("UserID = %q, want alice", events[0].UserID)
	}
	if events[0].Metadata["method"] != "AgentService/Converse" {
		t.Errorf("Metadata[method] = %v, want AgentService/Converse", events[0].Metadata["method"])
	}
}

func TestFileStore_QueryFilterByUser(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "login"})
	store.Append(ctx, &Event{UserID: "bob", Type: EventAuthLogin, Action: "login"})
	store.Append(ctx, &Event{UserID: "alice", Type: EventTokenRefresh, Action: "refresh"})

	events, err := store.Query(ctx, QueryOptions{UserID: "alice"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByMachine(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{MachineID: "m1", Type: EventTunnelAttach, Action: "attach"})
	store.Append(ctx, &Event{MachineID: "m2", Type: EventTunnelAttach, Action: "attach"})

	events, err := store.Query(ctx, QueryOptions{MachineID: "m1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event for m1, got %d", len(events))
	}
}

func TestFileStore_QueryFilterByType(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "login"})
	store.Append(ctx, &Event{UserID: "bob", Type: EventFingerprintMismatch, Action: "mismatch"})

	events, err := store.Query(ctx, QueryOptions{Type: EventFingerprintMismatch})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 mismatch event, got %d", len(events))
	}
	if events[0].UserID != "bob" {
		t.Errorf("UserID = %q, want bob", events[0].UserID)
	}
}

func TestFileStore_QueryFilterBySince(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	oldEvent := &Event{UserID: "alice", Type: EventAuthLogin, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)}
	store.Append(ctx, oldEvent)
	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Since: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 recent event, got %d", len(events))
	}
	if events[0].Action != "new" {
		t.Errorf("Action = %q, want new", events[0].Action)
	}
}

func TestFileStore_QueryFilterByUntil(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "old", Timestamp: time.Now().Add(-2 * time.Hour)})
	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "new"})

	events, err := store.Query(ctx, QueryOptions{Until: time.Now().Add(-1 * time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 old event, got %d", len(events))
	}
	if events[0].Action != "old" {
		t.Errorf("Action = %q, want old", events[0].Action)
	}
}

func TestFileStore_QueryLimit(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "login"})
	}

	events, err := store.Query(ctx, QueryOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
}

func TestFileStore_EmptyLog(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query empty: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected 0 events, got %d", len(events))
	}
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	n := 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			store.Append(ctx, &Event{
				UserID: "concurrent",
				Type:   EventAuthLogin,
				Action: "login",
			})
		}(i)
	}
	wg.Wait()

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != n {
		t.Fatalf("expected %d events, got %d", n, len(events))
	}
}

func TestFileStore_MalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)
	ctx := context.Background()

	store.Append(ctx, &Event{UserID: "alice", Type: EventAuthLogin, Action: "login"})

	f, _ := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
	f.Write([]byte("not-valid-json\n"))
	f.Close()

	store.Append(ctx, &Event{UserID: "bob", Type: EventTokenRefresh, Action: "refresh"})

	events, err := store.Query(ctx, QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 valid events (skipping malformed), got %d", len(events))
	}
}

func TestFileStore_CustomID(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	event := &Event{ID: "custom-123", UserID: "alice", Type: EventAuthLogin, Action: "login"}
	store.Append(ctx, event)

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].ID != "custom-123" {
		t.Errorf("ID = %q, want custom-123", events[0].ID)
	}
}

func TestLogger_LogOwnershipDenied(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogOwnershipDenied(ctx, "alice", "m1", "AgentService/Converse"); err != nil {
		t.Fatalf("LogOwnershipDenied: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventOwnershipDenied {
		t.Errorf("Type = %q, want %q", events[0].Type, EventOwnershipDenied)
	}
	if events[0].Result != "denied" {
		t.Errorf("Result = %q, want denied", events[0].Result)
	}
}

func TestLogger_LogFingerprintMismatch(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogFingerprintMismatch(ctx, "m1", "aa:bb", "cc:dd"); err != nil {
		t.Fatalf("LogFingerprintMismatch: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Metadata["old"] != "aa:bb" || events[0].Metadata["new"] != "cc:dd" {
		t.Errorf("unexpected metadata: %+v", events[0].Metadata)
	}
}

func TestLogger_LogTunnelAttach(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogTunnelAttach(ctx, "m1", true); err != nil {
		t.Fatalf("LogTunnelAttach: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{})
	if events[0].Metadata["evicted_prior"] != true {
		t.Errorf("evicted_prior = %v, want true", events[0].Metadata["evicted_prior"])
	}
}

func TestLogger_LogBufferDrain(t *testing.T) {
	store := tempStore(t)
	ctx := context.Background()

	logger := NewLogger(store)
	if err := logger.LogBufferDrain(ctx, "m1", 2); err != nil {
		t.Fatalf("LogBufferDrain: %v", err)
	}

	events, _ := store.Query(ctx, QueryOptions{MachineID: "m1"})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}
