// Package lifecycle tracks the support session a bridge or console is
// working on and drives its transitions through a Store.
package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"support-bridge/internal/errs"
	"support-bridge/internal/model"
	"support-bridge/internal/protocol"
)

// Listener receives the session snapshot after every change, or nil when
// the lifecycle forgets its session.
type Listener func(sess *model.SupportSession)

type Lifecycle struct {
	store Store
	log   *zap.Logger

	mu        sync.Mutex
	current   *model.SupportSession
	listeners []Listener
}

func New(st Store, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{store: st, log: log}
}

func (l *Lifecycle) OnChange(fn Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Current returns a copy of the tracked session.
func (l *Lifecycle) Current() *model.SupportSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return nil
	}
	cp := *l.current
	return &cp
}

func (l *Lifecycle) set(sess *model.SupportSession) {
	l.mu.Lock()
	if sess == nil {
		l.current = nil
	} else {
		cp := *sess
		l.current = &cp
	}
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		if sess == nil {
			fn(nil)
			continue
		}
		cp := *sess
		fn(&cp)
	}
}

// Create opens a waiting session for the user, or returns the one already open.
func (l *Lifecycle) Create(ctx context.Context, userID string) (model.SupportSession, error) {
	sess, err := l.store.CreateSession(ctx, userID)
	if err != nil {
		return model.SupportSession{}, fmt.Errorf("create session: %w", err)
	}
	l.log.Info("support session ready", zap.String("session_id", sess.ID), zap.String("status", string(sess.Status)))
	l.set(&sess)
	return sess, nil
}

// Resume picks up the user's open session, if any.
func (l *Lifecycle) Resume(ctx context.Context, userID string) (*model.SupportSession, error) {
	sess, err := l.store.GetUserSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if sess != nil {
		l.set(sess)
	}
	return sess, nil
}

// Join claims a waiting session for an admin. It fails with
// errs.ErrAlreadyJoined when another admin holds it.
func (l *Lifecycle) Join(ctx context.Context, sessionID, adminID string) (model.SupportSession, error) {
	if adminID == "" {
		return model.SupportSession{}, errs.ErrNotAuthenticated
	}
	sess, err := l.store.JoinSession(ctx, sessionID, adminID)
	if err != nil {
		return model.SupportSession{}, fmt.Errorf("join session: %w", err)
	}
	l.set(&sess)
	return sess, nil
}

// Close is idempotent; closing a closed session returns it unchanged.
func (l *Lifecycle) Close(ctx context.Context, sessionID, reason string) (model.SupportSession, error) {
	sess, err := l.store.CloseSession(ctx, sessionID, reason)
	if err != nil {
		return model.SupportSession{}, fmt.Errorf("close session: %w", err)
	}
	l.log.Info("support session closed", zap.String("session_id", sess.ID), zap.String("reason", sess.CloseReason))
	if cur := l.Current(); cur != nil && cur.ID == sess.ID {
		l.set(&sess)
	}
	return sess, nil
}

// Revert hands an active session back to the waiting queue.
func (l *Lifecycle) Revert(ctx context.Context, sessionID string) (model.SupportSession, error) {
	sess, err := l.store.RevertToWaiting(ctx, sessionID)
	if err != nil {
		return model.SupportSession{}, fmt.Errorf("revert session: %w", err)
	}
	if cur := l.Current(); cur != nil && cur.ID == sess.ID {
		l.set(&sess)
	}
	return sess, nil
}

// List returns sessions in status, or every session when status is empty.
func (l *Lifecycle) List(ctx context.Context, status model.SessionStatus) ([]model.SupportSession, error) {
	sessions, err := l.store.ListSessions(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (l *Lifecycle) SweepStale(ctx context.Context) (int, error) {
	n, err := l.store.SweepStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep stale sessions: %w", err)
	}
	if n > 0 {
		l.log.Info("stale sessions closed", zap.Int("count", n))
	}
	return n, nil
}

// UpdateDevice records what is known about the attached device on the
// current session.
func (l *Lifecycle) UpdateDevice(ctx context.Context, info model.DeviceInfo) (model.SupportSession, error) {
	cur := l.Current()
	if cur == nil {
		return model.SupportSession{}, errs.ErrSessionNotFound
	}
	sess, err := l.store.UpdateDeviceInfo(ctx, cur.ID, info)
	if err != nil {
		return model.SupportSession{}, fmt.Errorf("update device: %w", err)
	}
	l.set(&sess)
	return sess, nil
}

// Observe applies a session_status event pushed by the server to the
// tracked snapshot. Closed snapshots never reopen.
func (l *Lifecycle) Observe(ev protocol.SessionStatus) {
	cur := l.Current()
	if cur == nil || !ev.Status.Valid() || cur.Status == ev.Status {
		return
	}
	if !model.CanTransition(cur.Status, ev.Status) {
		l.log.Debug("ignoring session status", zap.String("from", string(cur.Status)), zap.String("to", string(ev.Status)))
		return
	}
	cur.Status = ev.Status
	switch ev.Status {
	case model.StatusActive:
		cur.AdminID = ev.AdminID
	case model.StatusWaiting:
		cur.AdminID = ""
	case model.StatusClosed:
		cur.CloseReason = ev.Reason
	}
	l.set(cur)
}

// Forget drops the tracked session without touching the store.
func (l *Lifecycle) Forget() {
	if l.Current() == nil {
		return
	}
	l.set(nil)
}
