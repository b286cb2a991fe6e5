package presence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spherify/collab/internal/metrics"
	"go.uber.org/zap"
)

// Status is a committed or reported presence state.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusOffline  Status = "offline"
)

const (
	defaultNormalDelay  = 500 * time.Millisecond
	defaultReloadDelay  = 3 * time.Second
	defaultReloadWindow = 15 * time.Second
	defaultDedupeWindow = 5 * time.Second
)

var (
	// ErrInvalidStatus indicates that a reported status is not recognised.
	ErrInvalidStatus = errors.New("presence: invalid status")
	// ErrInvalidUserID indicates that the reporting user is blank.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrStaleTransitionCancelled marks a pending transition superseded by a newer report.
	ErrStaleTransitionCancelled = errors.New("presence: stale transition cancelled")
)

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.ToLower(strings.TrimSpace(raw))); status {
	case StatusActive, StatusInactive, StatusOffline:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// Record is the committed presence state of one user.
type Record struct {
	UserID          string         `json:"userId"`
	CurrentStatus   Status         `json:"currentStatus"`
	PreviousStatus  Status         `json:"previousStatus,omitempty"`
	StatusUpdatedAt time.Time      `json:"statusUpdatedAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Notifier receives significant, de-duplicated status changes.
type Notifier interface {
	NotifyStatus(record Record)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(record Record)

func (f NotifierFunc) NotifyStatus(record Record) {
	f(record)
}

// Timer is a cancellable scheduled commit.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d elapses.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallScheduler struct{}

func (wallScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config describes reconciler timing and collaborators.
type Config struct {
	NormalDelay  time.Duration
	ReloadDelay  time.Duration
	ReloadWindow time.Duration
	DedupeWindow time.Duration
	Scheduler    Scheduler
	Clock        func() time.Time
	Notifier     Notifier
	Metrics      *metrics.Collectors
	Logger       *zap.Logger
}

type pendingTransition struct {
	status     Status
	metadata   map[string]any
	generation uint64
	timer      Timer
}

type userState struct {
	mu           sync.Mutex
	record       Record
	committed    bool
	lastReportAt time.Time
	pending      *pendingTransition
	generation   uint64
	lastNotified map[Status]time.Time
	removed      bool
}

// Reconciler debounces status reports per user and emits notifications only
// for durable offline/active transitions.
type Reconciler struct {
	mu    sync.RWMutex
	users map[string]*userState

	normalDelay  time.Duration
	reloadDelay  time.Duration
	reloadWindow time.Duration
	dedupeWindow time.Duration
	scheduler    Scheduler
	clock        func() time.Time
	notifier     Notifier
	metrics      *metrics.Collectors
	logger       *zap.Logger
}

// NewReconciler constructs a reconciler, applying default timings for zero values.
func NewReconciler(cfg Config) *Reconciler {
	reconciler := &Reconciler{
		users:        make(map[string]*userState),
		normalDelay:  durationOrDefault(cfg.NormalDelay, defaultNormalDelay),
		reloadDelay:  durationOrDefault(cfg.ReloadDelay, defaultReloadDelay),
		reloadWindow: durationOrDefault(cfg.ReloadWindow, defaultReloadWindow),
		dedupeWindow: durationOrDefault(cfg.DedupeWindow, defaultDedupeWindow),
		scheduler:    cfg.Scheduler,
		clock:        cfg.Clock,
		notifier:     cfg.Notifier,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
	}
	if reconciler.scheduler == nil {
		reconciler.scheduler = wallScheduler{}
	}
	if reconciler.clock == nil {
		reconciler.clock = time.Now
	}
	if reconciler.logger == nil {
		reconciler.logger = zap.NewNop()
	}
	return reconciler
}

// SetNotifier replaces the notification sink.
func (r *Reconciler) SetNotifier(notifier Notifier) {
	r.mu.Lock()
	r.notifier = notifier
	r.mu.Unlock()
}

// ReportStatus cancels the user's pending transition and schedules a commit
// of status. Only the last report inside the debounce delay is committed.
func (r *Reconciler) ReportStatus(userID string, status Status, metadata map[string]any) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	for {
		state := r.stateFor(userID)
		state.mu.Lock()
		if state.removed {
			state.mu.Unlock()
			continue
		}
		now := r.clock()
		if state.pending != nil {
			state.pending.timer.Stop()
			r.logger.Debug("presence transition superseded",
				zap.String("user_id", userID),
				zap.String("pending_status", string(state.pending.status)),
				zap.Error(ErrStaleTransitionCancelled))
			state.pending = nil
		}

		delay := r.normalDelay
		if state.committed && isReloadPair(state.record.CurrentStatus, status) &&
			!state.lastReportAt.IsZero() && now.Sub(state.lastReportAt) <= r.reloadWindow {
			delay = r.reloadDelay
		}
		state.lastReportAt = now
		state.generation++
		generation := state.generation
		transition := &pendingTransition{
			status:     status,
			metadata:   copyMetadata(metadata),
			generation: generation,
		}
		state.pending = transition
		transition.timer = r.scheduler.AfterFunc(delay, func() {
			r.commit(userID, state, generation)
		})
		state.mu.Unlock()
		return nil
	}
}

// GetStatus returns the last committed record, never a pending one.
func (r *Reconciler) GetStatus(userID string) (Record, bool) {
	r.mu.RLock()
	state := r.users[strings.TrimSpace(userID)]
	r.mu.RUnlock()
	if state == nil {
		return Record{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.committed {
		return Record{}, false
	}
	return cloneRecord(state.record), true
}

// Snapshot returns every committed record ordered by user id.
func (r *Reconciler) Snapshot() []Record {
	r.mu.RLock()
	states := make([]*userState, 0, len(r.users))
	for _, state := range r.users {
		states = append(states, state)
	}
	r.mu.RUnlock()

	records := make([]Record, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		if state.committed {
			records = append(records, cloneRecord(state.record))
		}
		state.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID < records[j].UserID
	})
	return records
}

// Prune drops offline users with no pending transition whose last commit is
// older than olderThan, returning how many were removed.
func (r *Reconciler) Prune(olderThan time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for userID, state := range r.users {
		state.mu.Lock()
		if state.pending == nil && state.committed &&
			state.record.CurrentStatus == StatusOffline &&
			state.record.StatusUpdatedAt.Before(olderThan) {
			state.removed = true
			delete(r.users, userID)
			removed++
		}
		state.mu.Unlock()
	}
	return removed
}

// Close cancels every pending transition.
func (r *Reconciler) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, state := range r.users {
		state.mu.Lock()
		if state.pending != nil {
			state.pending.timer.Stop()
			state.pending = nil
		}
		state.mu.Unlock()
	}
}

func (r *Reconciler) commit(userID string, state *userState, generation uint64) {
	state.mu.Lock()
	if state.pending == nil || state.pending.generation != generation {
		state.mu.Unlock()
		r.logger.Debug("presence commit skipped", zap.String("user_id", userID), zap.Error(ErrStaleTransitionCancelled))
		return
	}
	transition := state.pending
	state.pending = nil

	now := r.clock()
	previous := state.record.CurrentStatus
	state.record = Record{
		UserID:          userID,
		CurrentStatus:   transition.status,
		PreviousStatus:  previous,
		StatusUpdatedAt: now,
		Metadata:        transition.metadata,
	}
	state.committed = true

	notify := false
	if isSignificant(previous, transition.status) {
		if state.lastNotified == nil {
			state.lastNotified = make(map[Status]time.Time)
		}
		last, seen := state.lastNotified[transition.status]
		if !seen || now.Sub(last) >= r.dedupeWindow {
			state.lastNotified[transition.status] = now
			notify = true
		}
	}
	record := cloneRecord(state.record)
	state.mu.Unlock()

	r.metrics.PresenceCommitted(string(record.CurrentStatus))
	if !notify {
		return
	}
	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier == nil {
		return
	}
	r.metrics.PresenceNotified()
	notifier.NotifyStatus(record)
}

func (r *Reconciler) stateFor(userID string) *userState {
	r.mu.RLock()
	state := r.users[userID]
	r.mu.RUnlock()
	if state != nil {
		return state
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state = r.users[userID]; state == nil {
		state = &userState{record: Record{UserID: userID}}
		r.users[userID] = state
	}
	return state
}

// isReloadPair reports whether the statuses are active and offline in either order.
func isReloadPair(committed, next Status) bool {
	return (committed == StatusActive && next == StatusOffline) ||
		(committed == StatusOffline && next == StatusActive)
}

// isSignificant treats a never-committed user as offline.
func isSignificant(previous, next Status) bool {
	if previous == "" {
		previous = StatusOffline
	}
	return isReloadPair(previous, next)
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func copyMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	copied := make(map[string]any, len(metadata))
	for key, value := range metadata {
		copied[key] = value
	}
	return copied
}

func cloneRecord(record Record) Record {
	record.Metadata = copyMetadata(record.Metadata)
	return record
}
