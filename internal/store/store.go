package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"support-bridge/internal/errs"
	"support-bridge/internal/model"
)

type Store struct {
	mu sync.RWMutex

	sessionsStateFile string
	persistMu         sync.Mutex

	sessionsByID map[string]model.SupportSession

	now func() time.Time
	log *zap.Logger
}

type Options struct {
	SessionsStateFile string
	Now               func() time.Time
	Logger            *zap.Logger
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		sessionsByID:      make(map[string]model.SupportSession),
		sessionsStateFile: opts.SessionsStateFile,
		now:               opts.Now,
		log:               opts.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	if s.sessionsStateFile != "" {
		if err := s.loadSessionsFromFile(s.sessionsStateFile); err != nil {
			s.log.Warn("sessions persistence: load failed",
				zap.String("path", s.sessionsStateFile), zap.Error(err))
		}
	}

	return s
}

// GetOrCreateSession returns the user's open session, creating a waiting one
// when none exists.
func (s *Store) GetOrCreateSession(userID string) (model.SupportSession, bool, error) {
	if userID == "" {
		return model.SupportSession{}, false, fmt.Errorf("missing user id")
	}

	s.mu.Lock()
	if existing, ok := s.openSessionLocked(userID); ok {
		s.mu.Unlock()
		return existing, false, nil
	}

	sess := model.SupportSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    model.StatusWaiting,
		CreatedAt: s.now().UTC(),
	}
	s.sessionsByID[sess.ID] = sess
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	return sess, true, nil
}

func (s *Store) openSessionLocked(userID string) (model.SupportSession, bool) {
	var found model.SupportSession
	ok := false
	for _, sess := range s.sessionsByID {
		if sess.UserID != userID || !sess.Status.Open() {
			continue
		}
		if !ok || sess.CreatedAt.After(found.CreatedAt) {
			found = sess
			ok = true
		}
	}
	return found, ok
}

func (s *Store) GetSession(sessionID string) (model.SupportSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByID[sessionID]
	return sess, ok
}

// GetUserSession returns the newest waiting or active session owned by userID.
func (s *Store) GetUserSession(userID string) (model.SupportSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openSessionLocked(userID)
}

// ListSessions returns sessions newest first, filtered by status when any are given.
func (s *Store) ListSessions(statuses ...model.SessionStatus) []model.SupportSession {
	want := make(map[model.SessionStatus]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}

	s.mu.RLock()
	result := make([]model.SupportSession, 0, len(s.sessionsByID))
	for _, sess := range s.sessionsByID {
		if len(want) > 0 {
			if _, ok := want[sess.Status]; !ok {
				continue
			}
		}
		result = append(result, sess)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

// JoinSession assigns adminID to a waiting session. Re-joining by the same
// admin is accepted; another admin gets ErrAlreadyJoined.
func (s *Store) JoinSession(sessionID, adminID string) (model.SupportSession, error) {
	if adminID == "" {
		return model.SupportSession{}, errs.ErrNotAuthenticated
	}

	s.mu.Lock()
	sess, ok := s.sessionsByID[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	switch sess.Status {
	case model.StatusClosed:
		s.mu.Unlock()
		return sess, errs.ErrSessionClosed
	case model.StatusActive:
		s.mu.Unlock()
		if sess.AdminID == adminID {
			return sess, nil
		}
		return sess, errs.ErrAlreadyJoined
	}
	if !model.CanTransition(sess.Status, model.StatusActive) {
		s.mu.Unlock()
		return sess, errs.ErrInvalidTransition
	}

	now := s.now().UTC()
	sess.Status = model.StatusActive
	sess.AdminID = adminID
	sess.JoinedAt = &now
	s.sessionsByID[sessionID] = sess
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	return sess, nil
}

// CloseSession is idempotent: closing a closed session returns it unchanged
// with changed=false.
func (s *Store) CloseSession(sessionID, reason string) (model.SupportSession, bool, error) {
	s.mu.Lock()
	sess, ok := s.sessionsByID[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.SupportSession{}, false, errs.ErrSessionNotFound
	}
	if sess.Status == model.StatusClosed {
		s.mu.Unlock()
		return sess, false, nil
	}

	s.closeLocked(&sess, reason)
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	return sess, true, nil
}

func (s *Store) closeLocked(sess *model.SupportSession, reason string) {
	now := s.now().UTC()
	sess.Status = model.StatusClosed
	sess.ClosedAt = &now
	sess.CloseReason = reason
	s.sessionsByID[sess.ID] = *sess
}

// RevertToWaiting hands an active session back to the queue. A session that is
// already waiting is returned unchanged.
func (s *Store) RevertToWaiting(sessionID string) (model.SupportSession, error) {
	s.mu.Lock()
	sess, ok := s.sessionsByID[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	switch sess.Status {
	case model.StatusWaiting:
		s.mu.Unlock()
		return sess, nil
	case model.StatusClosed:
		s.mu.Unlock()
		return sess, errs.ErrSessionClosed
	}

	sess.Status = model.StatusWaiting
	sess.AdminID = ""
	sess.JoinedAt = nil
	s.sessionsByID[sessionID] = sess
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	return sess, nil
}

// SweepStale closes every open session created more than 24h before now and
// returns the rows it closed. Each row is closed at most once no matter how
// many sweeps run concurrently.
func (s *Store) SweepStale() []model.SupportSession {
	s.mu.Lock()
	now := s.now()
	var closed []model.SupportSession
	for _, sess := range s.sessionsByID {
		if !sess.Stale(now) {
			continue
		}
		s.closeLocked(&sess, model.CloseReasonStale)
		closed = append(closed, sess)
	}
	if len(closed) == 0 {
		s.mu.Unlock()
		return nil
	}
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	sort.Slice(closed, func(i, j int) bool { return closed[i].ID < closed[j].ID })
	return closed
}

func (s *Store) UpdateDeviceInfo(sessionID string, info model.DeviceInfo) (model.SupportSession, error) {
	s.mu.Lock()
	sess, ok := s.sessionsByID[sessionID]
	if !ok {
		s.mu.Unlock()
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	if sess.Status == model.StatusClosed {
		s.mu.Unlock()
		return sess, errs.ErrSessionClosed
	}

	sess.Device = sess.Device.Merge(info)
	s.sessionsByID[sessionID] = sess
	snapshot := s.snapshotSessionsLocked()
	s.mu.Unlock()

	s.persistSessionsSnapshot(snapshot)
	return sess, nil
}
