package lifecycle

import (
	"context"

	"support-bridge/internal/errs"
	"support-bridge/internal/model"
	"support-bridge/internal/store"
)

// Store persists support sessions. apiclient.Client implements it over the
// REST API and LocalStore in-process.
type Store interface {
	CreateSession(ctx context.Context, userID string) (model.SupportSession, error)
	GetUserSession(ctx context.Context, userID string) (*model.SupportSession, error)
	GetSession(ctx context.Context, sessionID string) (model.SupportSession, error)
	ListSessions(ctx context.Context, status model.SessionStatus) ([]model.SupportSession, error)
	JoinSession(ctx context.Context, sessionID, adminID string) (model.SupportSession, error)
	CloseSession(ctx context.Context, sessionID, reason string) (model.SupportSession, error)
	RevertToWaiting(ctx context.Context, sessionID string) (model.SupportSession, error)
	SweepStale(ctx context.Context) (int, error)
	UpdateDeviceInfo(ctx context.Context, sessionID string, info model.DeviceInfo) (model.SupportSession, error)
}

// LocalStore adapts the in-memory store.
type LocalStore struct {
	st *store.Store
}

func NewLocalStore(st *store.Store) *LocalStore {
	return &LocalStore{st: st}
}

func (s *LocalStore) CreateSession(_ context.Context, userID string) (model.SupportSession, error) {
	sess, _, err := s.st.GetOrCreateSession(userID)
	return sess, err
}

func (s *LocalStore) GetUserSession(_ context.Context, userID string) (*model.SupportSession, error) {
	sess, ok := s.st.GetUserSession(userID)
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *LocalStore) GetSession(_ context.Context, sessionID string) (model.SupportSession, error) {
	sess, ok := s.st.GetSession(sessionID)
	if !ok {
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	return sess, nil
}

func (s *LocalStore) ListSessions(_ context.Context, status model.SessionStatus) ([]model.SupportSession, error) {
	if status == "" {
		return s.st.ListSessions(), nil
	}
	return s.st.ListSessions(status), nil
}

func (s *LocalStore) JoinSession(_ context.Context, sessionID, adminID string) (model.SupportSession, error) {
	return s.st.JoinSession(sessionID, adminID)
}

func (s *LocalStore) CloseSession(_ context.Context, sessionID, reason string) (model.SupportSession, error) {
	sess, _, err := s.st.CloseSession(sessionID, reason)
	return sess, err
}

func (s *LocalStore) RevertToWaiting(_ context.Context, sessionID string) (model.SupportSession, error) {
	return s.st.RevertToWaiting(sessionID)
}

func (s *LocalStore) SweepStale(context.Context) (int, error) {
	return len(s.st.SweepStale()), nil
}

func (s *LocalStore) UpdateDeviceInfo(_ context.Context, sessionID string, info model.DeviceInfo) (model.SupportSession, error) {
	return s.st.UpdateDeviceInfo(sessionID, info)
}
