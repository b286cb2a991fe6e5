package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spherify/collab/internal/delta"
	"github.com/spherify/collab/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultPersistInterval  = 2 * time.Second
	defaultOperationTimeout = 5 * time.Second
)

// DocumentStore loads and saves accumulated document content. Load returns
// an empty document for unknown ids.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) (delta.Delta, error)
	Save(ctx context.Context, documentID string, content delta.Delta) error
}

// RelayConfig describes the dependencies of the change relay.
type RelayConfig struct {
	Registry         *Registry
	Store            DocumentStore
	PersistInterval  time.Duration
	OperationTimeout time.Duration
	Clock            func() time.Time
	Metrics          *metrics.Collectors
	Logger           *zap.Logger
}

// Relay composes changes into session content, fans them out to the room
// and persists content in the background.
type Relay struct {
	registry         *Registry
	store            DocumentStore
	persistInterval  time.Duration
	operationTimeout time.Duration
	clock            func() time.Time
	metrics          *metrics.Collectors
	logger           *zap.Logger

	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	draining map[DocumentID]chan struct{}
	closed   bool
	workers  sync.WaitGroup
}

// NewRelay constructs a relay and attaches it to the registry's session lifecycle.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Registry == nil {
		return nil, newServiceError(opRelayNew, "missing_registry", errMissingRegistry)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opRelayNew, "missing_store", errMissingStore)
	}
	persistInterval := cfg.PersistInterval
	if persistInterval <= 0 {
		persistInterval = defaultPersistInterval
	}
	operationTimeout := cfg.OperationTimeout
	if operationTimeout <= 0 {
		operationTimeout = defaultOperationTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	relay := &Relay{
		registry:         cfg.Registry,
		store:            cfg.Store,
		persistInterval:  persistInterval,
		operationTimeout: operationTimeout,
		clock:            clock,
		metrics:          cfg.Metrics,
		logger:           logger,
		baseCtx:          baseCtx,
		cancelAll:        cancel,
		draining:         make(map[DocumentID]chan struct{}),
	}
	cfg.Registry.setObserver(relay)
	return relay, nil
}

// RequestSnapshot returns the session content when it is in memory and
// loads it from the store otherwise. The reply is addressed to the requester only.
func (r *Relay) RequestSnapshot(ctx context.Context, documentID DocumentID) ([]Outbound, error) {
	session := r.registry.lookup(documentID)
	if session != nil {
		session.mu.Lock()
		if session.loaded {
			content := session.content.Clone()
			session.mu.Unlock()
			return []Outbound{snapshotMessage(documentID, content)}, nil
		}
		session.mu.Unlock()
	}

	stored, err := r.load(ctx, documentID, session)
	if err != nil {
		return []Outbound{{
			Event:      EventSnapshotUnavailable,
			DocumentID: documentID,
			Unicast:    true,
			Payload:    RejectionPayload{Reason: "persistence_unavailable"},
		}}, newServiceError(opRequestSnapshot, "store_load_failed", err)
	}
	content := stored
	if session != nil {
		session.mu.Lock()
		if !session.evicted {
			r.installLocked(session, stored)
			content = session.content.Clone()
		}
		session.mu.Unlock()
	}
	return []Outbound{snapshotMessage(documentID, content)}, nil
}

// ApplyChange composes change into the session content in receipt order and
// relays it verbatim to every other participant. A rejected change yields a
// resync prompt addressed to the origin.
func (r *Relay) ApplyChange(ctx context.Context, documentID DocumentID, origin UserID, change delta.Delta) ([]Outbound, error) {
	if err := change.Validate(); err != nil {
		return r.reject(documentID, "malformed_delta"), newServiceError(opApplyChange, "malformed_delta", err)
	}
	session := r.registry.lookup(documentID)
	if session == nil {
		return r.reject(documentID, "not_joined"), newServiceError(opApplyChange, "not_joined", ErrSessionNotFound)
	}

	session.mu.Lock()
	participant, joined := session.participants[origin]
	if session.evicted || !joined {
		session.mu.Unlock()
		return r.reject(documentID, "not_joined"), newServiceError(opApplyChange, "not_joined", ErrSessionNotFound)
	}
	if session.loaded {
		next, err := session.content.Compose(change)
		if err == nil && !next.IsDocument() {
			err = fmt.Errorf("%w: change exceeds document length %d", ErrMalformedDelta, session.content.Length())
		}
		if err != nil {
			session.mu.Unlock()
			return r.reject(documentID, "malformed_delta"), newServiceError(opApplyChange, "malformed_delta", err)
		}
		session.content = next
	} else {
		pending, err := session.pending.Compose(change)
		if err != nil {
			session.mu.Unlock()
			return r.reject(documentID, "malformed_delta"), newServiceError(opApplyChange, "malformed_delta", err)
		}
		session.pending = pending
		session.hasPending = true
	}
	session.revision++
	session.dirty = true
	participant.LastSeenAt = r.clock()
	recipients := session.recipientsLocked(origin)
	session.mu.Unlock()

	r.metrics.ChangeRelayed()
	if len(recipients) == 0 {
		return nil, nil
	}
	return []Outbound{{
		Event:      EventChangeBroadcast,
		DocumentID: documentID,
		Recipients: recipients,
		Payload:    ChangePayload{UserID: origin, Delta: change},
	}}, nil
}

// ApplyFormatIntent relays a formatting hint to the other participants
// without touching the content.
func (r *Relay) ApplyFormatIntent(documentID DocumentID, origin UserID, format map[string]any, selection CursorRange) ([]Outbound, error) {
	session := r.registry.lookup(documentID)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if _, joined := session.participants[origin]; !joined {
		return nil, ErrSessionNotFound
	}
	recipients := session.recipientsLocked(origin)
	if len(recipients) == 0 {
		return nil, nil
	}
	return []Outbound{{
		Event:      EventFormatBroadcast,
		DocumentID: documentID,
		Recipients: recipients,
		Payload:    FormatPayload{UserID: origin, Format: format, Range: selection},
	}}, nil
}

// SchedulePersist starts the periodic persistence loop of a live session.
// Calling it again for the same session is a no-op.
func (r *Relay) SchedulePersist(documentID DocumentID) error {
	session := r.registry.lookup(documentID)
	if session == nil {
		return ErrSessionNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.evicted || session.stopPersist != nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(r.baseCtx)
	session.stopPersist = cancel
	r.workers.Add(1)
	r.mu.Unlock()

	go r.runPersistLoop(loopCtx, session)
	return nil
}

// Flush persists the session content immediately when it has unsaved changes.
func (r *Relay) Flush(ctx context.Context, documentID DocumentID) error {
	session := r.registry.lookup(documentID)
	if session == nil {
		return ErrSessionNotFound
	}
	return r.flush(ctx, session)
}

// Close stops every persistence loop and flushes live sessions.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancelAll()

	var errs []error
	for _, session := range r.registry.sessionsSnapshot() {
		if err := r.flush(ctx, session); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (r *Relay) sessionCreated(session *documentSession) {
	if err := r.SchedulePersist(session.id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		r.logError(opPersist, "schedule_failed", err, zap.String("document_id", session.id.String()))
	}
}

// sessionEvicted stops the persistence loop and writes the final content.
// Later loads of the same document wait for that write.
func (r *Relay) sessionEvicted(session *documentSession) {
	done := make(chan struct{})
	session.mu.Lock()
	stop := session.stopPersist
	session.stopPersist = nil
	session.drained = done
	session.mu.Unlock()
	if stop != nil {
		stop()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.finalFlush(session)
		return
	}
	previous := r.draining[session.id]
	r.draining[session.id] = done
	r.workers.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.workers.Done()
		if previous != nil {
			<-previous
		}
		r.finalFlush(session)
		r.mu.Lock()
		if r.draining[session.id] == done {
			delete(r.draining, session.id)
		}
		r.mu.Unlock()
		close(done)
	}()
}

func (r *Relay) finalFlush(session *documentSession) {
	ctx, cancel := context.WithTimeout(context.Background(), r.operationTimeout)
	defer cancel()
	if err := r.flush(ctx, session); err != nil {
		r.logger.Warn("final persist before eviction failed",
			zap.String("document_id", session.id.String()),
			zap.Error(err))
	}
}

func (r *Relay) runPersistLoop(ctx context.Context, session *documentSession) {
	defer r.workers.Done()
	r.warm(ctx, session)

	ticker := time.NewTicker(r.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are logged inside flush and retried on the next tick
			_ = r.flush(ctx, session)
		}
	}
}

// flush saves a copy of the content taken under the session lock and clears
// the dirty flag only if no change arrived while saving.
func (r *Relay) flush(ctx context.Context, session *documentSession) error {
	session.persistMu.Lock()
	defer session.persistMu.Unlock()

	session.mu.Lock()
	loaded := session.loaded
	session.mu.Unlock()
	if !loaded {
		r.warm(ctx, session)
	}

	session.mu.Lock()
	if !session.loaded {
		session.mu.Unlock()
		return newServiceError(opPersist, "content_not_loaded", ErrPersistenceUnavailable)
	}
	if !session.dirty {
		session.mu.Unlock()
		return nil
	}
	content := session.content.Clone()
	revision := session.revision
	session.mu.Unlock()

	r.metrics.PersistAttempted()
	saveCtx, cancel := context.WithTimeout(ctx, r.operationTimeout)
	defer cancel()
	if err := r.store.Save(saveCtx, session.id.String(), content); err != nil {
		r.metrics.PersistFailed()
		r.logError(opPersist, "store_save_failed", err, zap.String("document_id", session.id.String()))
		return newServiceError(opPersist, "store_save_failed", fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err))
	}

	session.mu.Lock()
	if session.revision == revision {
		session.dirty = false
	}
	session.mu.Unlock()
	return nil
}

// warm loads stored content into a session that has none yet. Concurrent
// callers wait for the first load instead of issuing their own.
func (r *Relay) warm(ctx context.Context, session *documentSession) {
	session.loadMu.Lock()
	defer session.loadMu.Unlock()

	session.mu.Lock()
	loaded := session.loaded
	session.mu.Unlock()
	if loaded {
		return
	}

	stored, err := r.load(ctx, session.id, session)
	if err != nil {
		return
	}
	session.mu.Lock()
	r.installLocked(session, stored)
	session.mu.Unlock()
}

// installLocked sets loaded content and folds in changes that arrived before it.
func (r *Relay) installLocked(session *documentSession, stored delta.Delta) {
	if session.loaded {
		return
	}
	content := stored
	if session.hasPending {
		merged, err := stored.Compose(session.pending)
		if err == nil && merged.IsDocument() {
			content = merged
		} else {
			r.metrics.ChangeRejected("pending_discarded")
			r.logError(opWarmLoad, "pending_not_composable", ErrMalformedDelta,
				zap.String("document_id", session.id.String()),
				zap.Int("stored_length", stored.Length()))
		}
	}
	session.content = content
	session.loaded = true
	session.pending = delta.Empty()
	session.hasPending = false
}

func (r *Relay) load(ctx context.Context, documentID DocumentID, session *documentSession) (delta.Delta, error) {
	if err := r.waitForDrain(ctx, documentID, session); err != nil {
		return delta.Delta{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	loadCtx, cancel := context.WithTimeout(ctx, r.operationTimeout)
	defer cancel()
	content, err := r.store.Load(loadCtx, documentID.String())
	if err != nil {
		r.metrics.PersistFailed()
		r.logError(opWarmLoad, "store_load_failed", err, zap.String("document_id", documentID.String()))
		return delta.Delta{}, fmt.Errorf("%w: %w", ErrPersistenceUnavailable, err)
	}
	if !content.IsDocument() {
		r.logError(opWarmLoad, "stored_content_invalid", ErrMalformedDelta, zap.String("document_id", documentID.String()))
		return delta.Delta{}, fmt.Errorf("%w: stored content is not a document", ErrPersistenceUnavailable)
	}
	return content, nil
}

// waitForDrain blocks until an evicted session of the same document has
// written its final content. A session never waits on its own drain.
func (r *Relay) waitForDrain(ctx context.Context, documentID DocumentID, session *documentSession) error {
	r.mu.Lock()
	drain := r.draining[documentID]
	r.mu.Unlock()
	if drain == nil {
		return nil
	}
	if session != nil {
		session.mu.Lock()
		own := session.drained == drain
		session.mu.Unlock()
		if own {
			return nil
		}
	}
	select {
	case <-drain:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) reject(documentID DocumentID, reason string) []Outbound {
	r.metrics.ChangeRejected(reason)
	return []Outbound{{
		Event:      EventChangeRejected,
		DocumentID: documentID,
		Unicast:    true,
		Payload:    RejectionPayload{Reason: reason},
	}}
}

func (r *Relay) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("collab relay error", attrs...)
}

func snapshotMessage(documentID DocumentID, content delta.Delta) Outbound {
	return Outbound{
		Event:      EventDocumentSnapshot,
		DocumentID: documentID,
		Unicast:    true,
		Payload:    SnapshotPayload{Content: content},
	}
}
