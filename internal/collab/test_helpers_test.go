package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spherify/collab/internal/delta"
)

type fakeStore struct {
	mu        sync.Mutex
	documents map[string]delta.Delta
	saves     []savedDocument
	saveErr   error
	loadErr   error
	loadGate  chan struct{}
	loads     int
}

type savedDocument struct {
	documentID string
	content    delta.Delta
}

func newFakeStore() *fakeStore {
	return &fakeStore{documents: make(map[string]delta.Delta)}
}

func (s *fakeStore) Load(ctx context.Context, documentID string) (delta.Delta, error) {
	s.mu.Lock()
	gate := s.loadGate
	s.loads++
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return delta.Delta{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return delta.Delta{}, s.loadErr
	}
	content, ok := s.documents[documentID]
	if !ok {
		return delta.Empty(), nil
	}
	return content.Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, documentID string, content delta.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.documents[documentID] = content.Clone()
	s.saves = append(s.saves, savedDocument{documentID: documentID, content: content.Clone()})
	return nil
}

func (s *fakeStore) put(documentID string, content delta.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[documentID] = content
}

func (s *fakeStore) setSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *fakeStore) lastSave(documentID string) (delta.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := len(s.saves) - 1; index >= 0; index-- {
		if s.saves[index].documentID == documentID {
			return s.saves[index].content, true
		}
	}
	return delta.Delta{}, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(step)
	c.mu.Unlock()
}

type stubDirectory map[string][2]string

func (d stubDirectory) Lookup(_ context.Context, userID string) (string, string, bool) {
	profile, ok := d[userID]
	return profile[0], profile[1], ok
}

type testHarness struct {
	registry *Registry
	relay    *Relay
	store    *fakeStore
	clock    *fakeClock
}

func newTestHarness(t *testing.T, persistInterval time.Duration) *testHarness {
	t.Helper()
	store := newFakeStore()
	clock := newFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	registry := NewRegistry(RegistryConfig{Clock: clock.Now})
	relay, err := NewRelay(RelayConfig{
		Registry:        registry,
		Store:           store,
		PersistInterval: persistInterval,
		Clock:           clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = relay.Close(ctx)
	})
	return &testHarness{registry: registry, relay: relay, store: store, clock: clock}
}

func mustDocumentID(t *testing.T, raw string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(raw)
	if err != nil {
		t.Fatalf("invalid document id %q: %v", raw, err)
	}
	return id
}

func mustUserID(t *testing.T, raw string) UserID {
	t.Helper()
	id, err := NewUserID(raw)
	if err != nil {
		t.Fatalf("invalid user id %q: %v", raw, err)
	}
	return id
}

func mustDelta(t *testing.T, raw string) delta.Delta {
	t.Helper()
	parsed, err := delta.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("invalid delta %s: %v", raw, err)
	}
	return parsed
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func snapshotContent(t *testing.T, messages []Outbound) delta.Delta {
	t.Helper()
	if len(messages) != 1 || messages[0].Event != EventDocumentSnapshot || !messages[0].Unicast {
		t.Fatalf("expected a unicast snapshot, got %#v", messages)
	}
	payload, ok := messages[0].Payload.(SnapshotPayload)
	if !ok {
		t.Fatalf("unexpected snapshot payload %T", messages[0].Payload)
	}
	return payload.Content
}
