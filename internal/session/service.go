package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/attr"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/flush"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/inference"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/llm"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/metrics"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/profile"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/reasoner"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/state"
	"github.com/JoyJoin-Tech-Limited/JoyJoin-app-v0.1-sub003/internal/storage"
)

// sweepConcurrency bounds the number of expired sessions flushed at once.
const sweepConcurrency = 4

// Processor runs one turn through the inference pipeline.
type Processor interface {
	Process(ctx context.Context, req inference.Request) inference.Result
}

// Persister is the durable side of a session. Implemented by storage.Store.
type Persister interface {
	SaveSnapshot(snap storage.Snapshot) error
	GetSnapshot(sessionID string) (storage.Snapshot, error)
	AppendTurnLog(l storage.TurnLog) error
	EnqueueJob(job storage.Job) error
}

// ProfileReader loads the durable profile a new session starts from.
type ProfileReader interface {
	GetProfile(userID string) (profile.Profile, error)
}

// TurnRequest is one user message within a session.
type TurnRequest struct {
	Message  string             `json:"message"`
	History  []llm.Message      `json:"history,omitempty"`
	Progress *reasoner.Progress `json:"progress,omitempty"`
}

// Digest is what the conversation driver needs to shape its next question.
type Digest struct {
	SessionID        string                 `json:"sessionId"`
	Text             string                 `json:"text"`
	SkipQuestions    []string               `json:"skipQuestions"`
	ConfirmQuestions []attr.ConfirmQuestion `json:"confirmQuestions"`
}

// Service owns session lifecycle. Turns of one session are processed one at
// a time; different sessions proceed in parallel.
type Service struct {
	store     Store
	engine    Processor
	persist   Persister
	profiles  ProfileReader
	clock     Clock
	logger    *slog.Logger
	resumeSFG singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a Service. profiles may be nil, in which case every
// session starts empty.
func NewService(store Store, engine Processor, persist Persister, profiles ProfileReader) *Service {
	return NewServiceWithClock(store, engine, persist, profiles, realClock{})
}

// NewServiceWithClock creates a Service with a custom clock (for testing).
func NewServiceWithClock(store Store, engine Processor, persist Persister, profiles ProfileReader, clock Clock) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		persist:  persist,
		profiles: profiles,
		clock:    clock,
		logger:   slog.Default(),
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetLogger replaces the service's logger.
func (s *Service) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Start opens a session for userID, seeded with the user's durable profile.
func (s *Service) Start(ctx context.Context, userID string) (*Session, error) {
	seed := attr.Map{}
	if s.profiles != nil && userID != "" {
		p, err := s.profiles.GetProfile(userID)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}
		seed = p.Attributes
	}

	now := s.clock.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		State:     seed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.persist.SaveSnapshot(toSnapshot(sess, storage.SnapshotActive)); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	if err := s.store.Set(ctx, sess); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	metrics.SessionStarted()
	s.logger.Info("session started", "session_id", sess.ID, "user_id", userID, "seeded_fields", len(seed))
	return sess, nil
}

// Turn processes one user message and stores the reconciled state.
func (s *Service) Turn(ctx context.Context, id string, req TurnRequest) (inference.Result, error) {
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return inference.Result{}, err
	}

	res := s.engine.Process(ctx, inference.Request{
		SessionID: id,
		Message:   req.Message,
		History:   req.History,
		State:     sess.State,
		Progress:  req.Progress,
	})

	sess.State = res.NewState
	sess.Turns++
	sess.UpdatedAt = s.clock.Now()
	if err := s.store.Set(ctx, sess); err != nil {
		return inference.Result{}, fmt.Errorf("storing session: %w", err)
	}

	// The turn has already succeeded; durable writes are best effort.
	if err := s.persist.SaveSnapshot(toSnapshot(sess, storage.SnapshotActive)); err != nil {
		s.logger.Warn("session: snapshot write failed", "session_id", id, "error", err)
	}
	s.logTurn(id, req.Message, res)
	return res, nil
}

// State returns the current attribute state of a session.
func (s *Service) State(ctx context.Context, id string) (attr.Map, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.State, nil
}

// Digest renders the session's state for the conversation driver.
func (s *Service) Digest(ctx context.Context, id string) (Digest, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		return Digest{}, err
	}
	return Digest{
		SessionID:        id,
		Text:             state.ContextDigest(sess.State),
		SkipQuestions:    state.SkipList(sess.State),
		ConfirmQuestions: state.ConfirmList(sess.State),
	}, nil
}

// End closes a session: confident fields are queued for the durable
// profile and the live state is dropped.
func (s *Service) End(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := s.finish(ctx, sess); err != nil {
		return err
	}
	s.dropLock(id)
	metrics.SessionEnded("ended")
	s.logger.Info("session ended", "session_id", id, "turns", sess.Turns)
	return nil
}

// Sweep flushes every session whose TTL lapsed. It is a no-op for stores
// that expire sessions on their own. It returns the number of sessions
// flushed. A session is flushed under its turn lock, and one that a turn
// resumed in the meantime is left alone.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	exp, ok := s.store.(Expirer)
	if !ok {
		return 0, nil
	}
	expired, err := exp.TakeExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("collecting expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var flushed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sess := range expired {
		g.Go(func() error {
			unlock := s.lock(sess.ID)
			defer unlock()

			if _, err := s.store.Get(gctx, sess.ID); err == nil {
				s.logger.Debug("expired session resumed by a turn, not flushing", "session_id", sess.ID)
				return nil
			}
			if err := s.finish(gctx, sess); err != nil {
				return fmt.Errorf("flushing session %s: %w", sess.ID, err)
			}
			s.dropLock(sess.ID)
			flushed.Add(1)
			metrics.SessionEnded("expired")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(flushed.Load()), err
	}
	n := int(flushed.Load())
	s.logger.Info("expired sessions flushed", "count", n)
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("session sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) finish(ctx context.Context, sess *Session) error {
	if _, err := flush.Enqueue(s.persist, sess.UserID, sess.ID, sess.State); err != nil {
		return err
	}
	sess.UpdatedAt = s.clock.Now()
	if err := s.persist.SaveSnapshot(toSnapshot(sess, storage.SnapshotEnded)); err != nil {
		return fmt.Errorf("saving final snapshot: %w", err)
	}
	if err := s.store.Evict(ctx, sess.ID); err != nil {
		return fmt.Errorf("evicting session: %w", err)
	}
	return nil
}

// load returns the live session, resuming it from its snapshot on a miss.
func (s *Service) load(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	v, err, _ := s.resumeSFG.Do(id, func() (interface{}, error) {
		snap, err := s.persist.GetSnapshot(id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("reading snapshot: %w", err)
		}
		if snap.Status == storage.SnapshotEnded {
			return nil, ErrEnded
		}
		resumed := fromSnapshot(snap)
		if err := s.store.Set(ctx, resumed); err != nil {
			return nil, fmt.Errorf("storing resumed session: %w", err)
		}
		s.logger.Info("session resumed from snapshot", "session_id", id, "turns", resumed.Turns)
		return resumed, nil
	})
	if err != nil {
		return nil, err
	}
	out := copySession(*v.(*Session))
	return &out, nil
}

func (s *Service) logTurn(id, message string, res inference.Result) {
	conflicts := res.Conflicts
	if conflicts == nil {
		conflicts = []attr.ConflictInfo{}
	}
	conflictsJSON, err := json.Marshal(conflicts)
	if err != nil {
		s.logger.Warn("session: encoding conflicts failed", "session_id", id, "error", err)
		conflictsJSON = []byte("[]")
	}
	err = s.persist.AppendTurnLog(storage.TurnLog{
		SessionID:         id,
		CreatedAt:         s.clock.Now(),
		Message:           message,
		MatcherHit:        res.Debug.MatcherHit,
		MatcherConfidence: res.Debug.MatcherConfidence,
		LLMCalled:         res.Debug.LLMCalled,
		LLMLatencyMs:      res.Debug.LLMLatencyMs,
		TotalLatencyMs:    res.Debug.TotalLatencyMs,
		ConflictsJSON:     string(conflictsJSON),
	})
	if err != nil {
		s.logger.Warn("session: turn log write failed", "session_id", id, "error", err)
	}
}

func (s *Service) lock(id string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Service) dropLock(id string) {
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
}

func toSnapshot(sess *Session, status string) storage.Snapshot {
	return storage.Snapshot{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		State:     sess.State,
		Turns:     sess.Turns,
		Status:    status,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
}

func fromSnapshot(snap storage.Snapshot) *Session {
	st := snap.State
	if st == nil {
		st = attr.Map{}
	}
	return &Session{
		ID:        snap.SessionID,
		UserID:    snap.UserID,
		State:     st,
		Turns:     snap.Turns,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
	}
}
