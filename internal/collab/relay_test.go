package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spherify/collab/internal/delta"
)

func TestHelloChangeIsRelayedAndPersisted(t *testing.T) {
	harness := newTestHarness(t, 20*time.Millisecond)
	documentID := mustDocumentID(t, "doc1")
	alice := mustUserID(t, "alice")
	bob := mustUserID(t, "bob")
	ctx := context.Background()

	harness.registry.Join(ctx, documentID, alice, "Alice", "")
	messages, err := harness.relay.RequestSnapshot(ctx, documentID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if content := snapshotContent(t, messages); len(content.Ops) != 0 {
		t.Fatalf("expected empty snapshot, got %#v", content.Ops)
	}
	harness.registry.Join(ctx, documentID, bob, "Bob", "")

	change := mustDelta(t, `{"ops":[{"insert":"hello"}]}`)
	broadcasts, err := harness.relay.ApplyChange(ctx, documentID, alice, change)
	if err != nil {
		t.Fatalf("apply change failed: %v", err)
	}
	if len(broadcasts) != 1 || broadcasts[0].Event != EventChangeBroadcast {
		t.Fatalf("expected change broadcast, got %#v", broadcasts)
	}
	if len(broadcasts[0].Recipients) != 1 || broadcasts[0].Recipients[0] != bob {
		t.Fatalf("expected broadcast to bob only, got %v", broadcasts[0].Recipients)
	}
	relayed := broadcasts[0].Payload.(ChangePayload)
	if relayed.Delta.Text() != "hello" || relayed.UserID != alice {
		t.Fatalf("expected verbatim delta from alice, got %#v", relayed)
	}

	waitFor(t, "hello to be persisted", func() bool {
		saved, ok := harness.store.lastSave("doc1")
		return ok && saved.Text() == "hello" && saved.IsDocument()
	})
}

func TestChangesStayInsideTheirRoom(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	docA := mustDocumentID(t, "doc-a")
	docB := mustDocumentID(t, "doc-b")
	harness.registry.Join(ctx, docA, mustUserID(t, "alice"), "Alice", "")
	harness.registry.Join(ctx, docA, mustUserID(t, "bob"), "Bob", "")
	harness.registry.Join(ctx, docB, mustUserID(t, "carol"), "Carol", "")

	broadcasts, err := harness.relay.ApplyChange(ctx, docA, "alice", mustDelta(t, `[{"insert":"x"}]`))
	if err != nil {
		t.Fatalf("apply change failed: %v", err)
	}
	for _, message := range broadcasts {
		if message.DocumentID != docA {
			t.Fatalf("broadcast leaked to %s", message.DocumentID)
		}
		for _, recipient := range message.Recipients {
			if recipient == "carol" || recipient == "alice" {
				t.Fatalf("unexpected recipient %s", recipient)
			}
		}
	}
}

func TestMalformedChangeIsDroppedWithRejection(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	harness.registry.Join(ctx, documentID, "bob", "Bob", "")
	if _, err := harness.relay.RequestSnapshot(ctx, documentID); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	messages, err := harness.relay.ApplyChange(ctx, documentID, "alice", mustDelta(t, `[{"retain":10},{"insert":"x"}]`))
	if !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("expected malformed delta, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "collab.apply_change.malformed_delta" {
		t.Fatalf("unexpected error code: %v", err)
	}
	if len(messages) != 1 || messages[0].Event != EventChangeRejected || !messages[0].Unicast {
		t.Fatalf("expected unicast rejection, got %#v", messages)
	}

	invalid := delta.Delta{Ops: []delta.Op{{Retain: 1, Delete: 1}}}
	if _, err := harness.relay.ApplyChange(ctx, documentID, "alice", invalid); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("expected malformed delta for invalid op, got %v", err)
	}

	snapshot, _ := harness.relay.RequestSnapshot(ctx, documentID)
	if content := snapshotContent(t, snapshot); len(content.Ops) != 0 {
		t.Fatalf("rejected change leaked into content: %#v", content.Ops)
	}
}

func TestChangeSplittingSurrogatePairIsRejected(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	if _, err := harness.relay.RequestSnapshot(ctx, documentID); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, err := harness.relay.ApplyChange(ctx, documentID, "alice", delta.New(delta.Op{Insert: "a\U0001F600b"})); err != nil {
		t.Fatalf("apply change failed: %v", err)
	}

	messages, err := harness.relay.ApplyChange(ctx, documentID, "alice", delta.New(delta.Op{Retain: 1}, delta.Op{Delete: 1}))
	if !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("expected malformed delta, got %v", err)
	}
	if len(messages) != 1 || messages[0].Event != EventChangeRejected {
		t.Fatalf("expected rejection, got %#v", messages)
	}

	snapshot, _ := harness.relay.RequestSnapshot(ctx, documentID)
	if text := snapshotContent(t, snapshot).Text(); text != "a\U0001F600b" {
		t.Fatalf("expected content untouched, got %q", text)
	}
}

func TestChangeFromNonParticipantIsRejected(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")

	messages, err := harness.relay.ApplyChange(ctx, documentID, "mallory", mustDelta(t, `[{"insert":"x"}]`))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if len(messages) != 1 || messages[0].Event != EventChangeRejected {
		t.Fatalf("expected rejection, got %#v", messages)
	}
}

func TestFormatIntentIsRelayedButNotMerged(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	harness.registry.Join(ctx, documentID, "bob", "Bob", "")

	messages, err := harness.relay.ApplyFormatIntent(documentID, "alice", map[string]any{"bold": true}, CursorRange{Index: 0, Length: 0})
	if err != nil {
		t.Fatalf("format intent failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Event != EventFormatBroadcast || messages[0].Recipients[0] != "bob" {
		t.Fatalf("unexpected format broadcast %#v", messages)
	}
	snapshot, _ := harness.relay.RequestSnapshot(ctx, documentID)
	if content := snapshotContent(t, snapshot); len(content.Ops) != 0 {
		t.Fatalf("format intent changed content: %#v", content.Ops)
	}
}

func TestEvictedSessionIsReloadedFromStore(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	if _, err := harness.relay.RequestSnapshot(ctx, documentID); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, err := harness.relay.ApplyChange(ctx, documentID, "alice", mustDelta(t, `[{"insert":"stale"}]`)); err != nil {
		t.Fatalf("apply change failed: %v", err)
	}

	harness.registry.Leave(documentID, "alice")
	if harness.registry.ActiveSessions() != 0 {
		t.Fatalf("expected session eviction")
	}
	waitFor(t, "final persist on eviction", func() bool {
		saved, ok := harness.store.lastSave("doc1")
		return ok && saved.Text() == "stale"
	})

	harness.store.put("doc1", mustDelta(t, `[{"insert":"fresh"}]`))
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	messages, err := harness.relay.RequestSnapshot(ctx, documentID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if content := snapshotContent(t, messages); content.Text() != "fresh" {
		t.Fatalf("expected content reloaded from store, got %q", content.Text())
	}
}

func TestChangesBeforeWarmLoadAreFoldedIn(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.store.put("doc1", mustDelta(t, `[{"insert":"world"}]`))
	gate := make(chan struct{})
	harness.store.mu.Lock()
	harness.store.loadGate = gate
	harness.store.mu.Unlock()

	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	harness.registry.Join(ctx, documentID, "bob", "Bob", "")
	broadcasts, err := harness.relay.ApplyChange(ctx, documentID, "alice", mustDelta(t, `[{"insert":"hello "}]`))
	if err != nil {
		t.Fatalf("apply change must not wait for the store: %v", err)
	}
	if len(broadcasts) != 1 {
		t.Fatalf("expected immediate broadcast, got %#v", broadcasts)
	}

	close(gate)
	messages, err := harness.relay.RequestSnapshot(ctx, documentID)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if content := snapshotContent(t, messages); content.Text() != "hello world" {
		t.Fatalf("expected pending change folded into stored content, got %q", content.Text())
	}
}

func TestPersistFailureDoesNotInterruptCollaboration(t *testing.T) {
	harness := newTestHarness(t, 10*time.Millisecond)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.store.setSaveErr(errors.New("store offline"))
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	harness.registry.Join(ctx, documentID, "bob", "Bob", "")
	if _, err := harness.relay.RequestSnapshot(ctx, documentID); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	if _, err := harness.relay.ApplyChange(ctx, documentID, "alice", mustDelta(t, `[{"insert":"a"}]`)); err != nil {
		t.Fatalf("apply change failed: %v", err)
	}
	err := harness.relay.Flush(ctx, documentID)
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("expected persistence unavailable, got %v", err)
	}
	broadcasts, err := harness.relay.ApplyChange(ctx, documentID, "bob", mustDelta(t, `[{"retain":1},{"insert":"b"}]`))
	if err != nil || len(broadcasts) != 1 {
		t.Fatalf("collaboration interrupted by store failure: %v %#v", err, broadcasts)
	}

	harness.store.setSaveErr(nil)
	waitFor(t, "retry after store recovers", func() bool {
		saved, ok := harness.store.lastSave("doc1")
		return ok && saved.Text() == "ab"
	})
}

func TestSnapshotReportsUnavailableStore(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	harness.store.mu.Lock()
	harness.store.loadErr = errors.New("connection refused")
	harness.store.mu.Unlock()

	messages, err := harness.relay.RequestSnapshot(context.Background(), mustDocumentID(t, "doc1"))
	if !errors.Is(err, ErrPersistenceUnavailable) {
		t.Fatalf("expected persistence unavailable, got %v", err)
	}
	if len(messages) != 1 || messages[0].Event != EventSnapshotUnavailable || !messages[0].Unicast {
		t.Fatalf("expected unicast unavailability notice, got %#v", messages)
	}
}

func TestCloseFlushesLiveSessions(t *testing.T) {
	harness := newTestHarness(t, time.Hour)
	ctx := context.Background()
	documentID := mustDocumentID(t, "doc1")
	harness.registry.Join(ctx, documentID, "alice", "Alice", "")
	if _, err := harness.relay.RequestSnapshot(ctx, documentID); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, err := harness.relay.ApplyChange(ctx, documentID, "alice", mustDelta(t, `[{"insert":"bye"}]`)); err != nil {
		t.Fatalf("apply change failed: %v", err)
	}
	if err := harness.relay.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	saved, ok := harness.store.lastSave("doc1")
	if !ok || saved.Text() != "bye" {
		t.Fatalf("expected content flushed on close, got %#v", saved)
	}
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	if _, err := NewRelay(RelayConfig{Store: newFakeStore()}); !errors.Is(err, errMissingRegistry) {
		t.Fatalf("expected missing registry error, got %v", err)
	}
	if _, err := NewRelay(RelayConfig{Registry: NewRegistry(RegistryConfig{})}); !errors.Is(err, errMissingStore) {
		t.Fatalf("expected missing store error, got %v", err)
	}
}
