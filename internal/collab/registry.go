package collab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/spherify/collab/internal/delta"
	"github.com/spherify/collab/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatGrace = 30 * time.Second
	defaultSweepInterval  = 5 * time.Second
)

// Directory resolves display metadata for a user id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (displayName string, avatarRef string, found bool)
}

type sessionObserver interface {
	sessionCreated(session *documentSession)
	sessionEvicted(session *documentSession)
}

// documentSession is guarded by mu. When both locks are needed, Registry.mu
// is acquired first.
type documentSession struct {
	id DocumentID

	mu           sync.Mutex
	participants map[UserID]*Participant
	joinOrder    []UserID
	content      delta.Delta
	pending      delta.Delta
	hasPending   bool
	loaded       bool
	dirty        bool
	revision     uint64
	evicted      bool
	stopPersist  context.CancelFunc
	drained      chan struct{}

	// Lock order: persistMu, loadMu, mu.
	persistMu sync.Mutex
	loadMu    sync.Mutex
}

func newDocumentSession(id DocumentID) *documentSession {
	return &documentSession{
		id:           id,
		participants: make(map[UserID]*Participant),
		content:      delta.Empty(),
		pending:      delta.Empty(),
	}
}

func (s *documentSession) rosterLocked() []Participant {
	roster := make([]Participant, 0, len(s.joinOrder))
	for _, userID := range s.joinOrder {
		if participant, ok := s.participants[userID]; ok {
			roster = append(roster, *participant)
		}
	}
	return roster
}

func (s *documentSession) recipientsLocked(exclude UserID) []UserID {
	recipients := make([]UserID, 0, len(s.joinOrder))
	for _, userID := range s.joinOrder {
		if userID == exclude {
			continue
		}
		recipients = append(recipients, userID)
	}
	return recipients
}

func (s *documentSession) removeLocked(userID UserID) {
	delete(s.participants, userID)
	for index, candidate := range s.joinOrder {
		if candidate == userID {
			s.joinOrder = append(s.joinOrder[:index], s.joinOrder[index+1:]...)
			return
		}
	}
}

// RegistryConfig describes the dependencies of the session registry.
type RegistryConfig struct {
	Directory      Directory
	Clock          func() time.Time
	HeartbeatGrace time.Duration
	SweepInterval  time.Duration
	Metrics        *metrics.Collectors
	Logger         *zap.Logger
}

// Registry tracks which editors are connected to which document.
type Registry struct {
	mu       sync.RWMutex
	sessions map[DocumentID]*documentSession
	observer sessionObserver

	directory      Directory
	clock          func() time.Time
	heartbeatGrace time.Duration
	sweepInterval  time.Duration
	metrics        *metrics.Collectors
	logger         *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	grace := cfg.HeartbeatGrace
	if grace <= 0 {
		grace = defaultHeartbeatGrace
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:       make(map[DocumentID]*documentSession),
		directory:      cfg.Directory,
		clock:          clock,
		heartbeatGrace: grace,
		sweepInterval:  sweepInterval,
		metrics:        cfg.Metrics,
		logger:         logger,
	}
}

func (r *Registry) setObserver(observer sessionObserver) {
	r.mu.Lock()
	r.observer = observer
	r.mu.Unlock()
}

// Join admits userID to the document room, creating the session when absent.
// Joining again refreshes display metadata and keeps the existing state.
func (r *Registry) Join(ctx context.Context, documentID DocumentID, userID UserID, displayName, avatarRef string) (Participant, []Outbound) {
	displayName = strings.TrimSpace(displayName)
	avatarRef = strings.TrimSpace(avatarRef)
	if (displayName == "" || avatarRef == "") && r.directory != nil {
		if resolvedName, resolvedAvatar, found := r.directory.Lookup(ctx, userID.String()); found {
			if displayName == "" {
				displayName = resolvedName
			}
			if avatarRef == "" {
				avatarRef = resolvedAvatar
			}
		}
	}
	now := r.clock()

	r.mu.Lock()
	session, exists := r.sessions[documentID]
	if !exists {
		session = newDocumentSession(documentID)
		r.sessions[documentID] = session
	}
	observer := r.observer
	session.mu.Lock()
	r.mu.Unlock()

	participant, joined := session.participants[userID]
	if joined {
		if displayName != "" {
			participant.DisplayName = displayName
		}
		if avatarRef != "" {
			participant.AvatarRef = avatarRef
		}
		participant.LastSeenAt = now
	} else {
		if displayName == "" {
			displayName = userID.String()
		}
		participant = &Participant{
			UserID:      userID,
			DisplayName: displayName,
			AvatarRef:   avatarRef,
			Color:       DeriveColor(userID),
			LastSeenAt:  now,
		}
		session.participants[userID] = participant
		session.joinOrder = append(session.joinOrder, userID)
		r.metrics.ParticipantJoined()
	}
	state := *participant
	message := Outbound{
		Event:      EventParticipantsUpdated,
		DocumentID: documentID,
		Recipients: session.recipientsLocked(""),
		Payload:    ParticipantsPayload{Participants: session.rosterLocked()},
	}
	session.mu.Unlock()

	if !exists {
		r.metrics.SessionOpened()
		r.logger.Debug("document session created", zap.String("document_id", documentID.String()))
		if observer != nil {
			observer.sessionCreated(session)
		}
	}
	return state, []Outbound{message}
}

// Leave removes userID from the room and evicts the session once it is empty.
// Leaving a room the user is not part of is a no-op.
func (r *Registry) Leave(documentID DocumentID, userID UserID) []Outbound {
	return r.leave(documentID, userID, time.Time{})
}

// leave removes the participant; a non-zero staleBefore only removes them
// when their last activity is older than it.
func (r *Registry) leave(documentID DocumentID, userID UserID, staleBefore time.Time) []Outbound {
	r.mu.Lock()
	session := r.sessions[documentID]
	if session == nil {
		r.mu.Unlock()
		return nil
	}
	observer := r.observer
	session.mu.Lock()
	participant, joined := session.participants[userID]
	if !joined || (!staleBefore.IsZero() && !participant.LastSeenAt.Before(staleBefore)) {
		session.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	session.removeLocked(userID)
	r.metrics.ParticipantLeft()
	evicted := len(session.participants) == 0
	if evicted {
		delete(r.sessions, documentID)
		session.evicted = true
	}
	message := Outbound{
		Event:      EventParticipantsUpdated,
		DocumentID: documentID,
		Recipients: session.recipientsLocked(""),
		Payload:    ParticipantsPayload{Participants: session.rosterLocked()},
	}
	session.mu.Unlock()
	r.mu.Unlock()

	if evicted {
		r.metrics.SessionEvicted()
		r.logger.Debug("document session evicted", zap.String("document_id", documentID.String()))
		if observer != nil {
			observer.sessionEvicted(session)
		}
		return nil
	}
	return []Outbound{message}
}

// UpdateCursor records the participant's selection and relays it to the
// other participants.
func (r *Registry) UpdateCursor(documentID DocumentID, userID UserID, cursor CursorRange) ([]Outbound, error) {
	session := r.lookup(documentID)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	participant, joined := session.participants[userID]
	if !joined {
		return nil, ErrSessionNotFound
	}
	now := r.clock()
	participant.Cursor = cursor
	participant.LastSeenAt = now
	recipients := session.recipientsLocked(userID)
	if len(recipients) == 0 {
		return nil, nil
	}
	return []Outbound{{
		Event:      EventCursorBroadcast,
		DocumentID: documentID,
		Recipients: recipients,
		Payload: CursorPayload{
			UserID:      userID,
			DisplayName: participant.DisplayName,
			Color:       participant.Color,
			Cursor:      cursor,
			SentAt:      now,
		},
	}}, nil
}

// Heartbeat refreshes the participant's activity timestamp.
func (r *Registry) Heartbeat(documentID DocumentID, userID UserID) error {
	session := r.lookup(documentID)
	if session == nil {
		return ErrSessionNotFound
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	participant, joined := session.participants[userID]
	if !joined {
		return ErrSessionNotFound
	}
	participant.LastSeenAt = r.clock()
	return nil
}

// SweepIdle removes participants whose last activity is older than the
// heartbeat grace period and returns the resulting room updates.
func (r *Registry) SweepIdle(now time.Time) []Outbound {
	staleBefore := now.Add(-r.heartbeatGrace)
	type staleParticipant struct {
		documentID DocumentID
		userID     UserID
	}
	var stale []staleParticipant
	for _, session := range r.sessionsSnapshot() {
		session.mu.Lock()
		for userID, participant := range session.participants {
			if participant.LastSeenAt.Before(staleBefore) {
				stale = append(stale, staleParticipant{documentID: session.id, userID: userID})
			}
		}
		session.mu.Unlock()
	}

	var messages []Outbound
	for _, candidate := range stale {
		r.logger.Info("evicting idle participant",
			zap.String("document_id", candidate.documentID.String()),
			zap.String("user_id", candidate.userID.String()))
		messages = append(messages, r.leave(candidate.documentID, candidate.userID, staleBefore)...)
	}
	return messages
}

// Run sweeps idle participants until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, emitter Emitter) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if messages := r.SweepIdle(r.clock()); len(messages) > 0 && emitter != nil {
				emitter.Emit(messages...)
			}
		}
	}
}

// Participants returns the room roster in join order, or nil when no session exists.
func (r *Registry) Participants(documentID DocumentID) []Participant {
	session := r.lookup(documentID)
	if session == nil {
		return nil
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.rosterLocked()
}

// IsParticipant reports whether userID has joined documentID.
func (r *Registry) IsParticipant(documentID DocumentID, userID UserID) bool {
	session := r.lookup(documentID)
	if session == nil {
		return false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	_, joined := session.participants[userID]
	return joined
}

// ActiveSessions returns the number of sessions held in memory.
func (r *Registry) ActiveSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) lookup(documentID DocumentID) *documentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[documentID]
}

func (r *Registry) sessionsSnapshot() []*documentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*documentSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
