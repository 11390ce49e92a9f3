package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"
	"support-bridge/internal/model"
)

type persistedSessionsFile struct {
	Version  int                    `json:"version"`
	Sessions []model.SupportSession `json:"sessions"`
	SavedAt  int64                  `json:"savedAt"`
}

func (s *Store) loadSessionsFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedSessionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported sessions state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range file.Sessions {
		if sess.ID == "" || sess.UserID == "" || !sess.Status.Valid() {
			continue
		}
		s.sessionsByID[sess.ID] = sess
	}
	return nil
}

func (s *Store) snapshotSessionsLocked() []model.SupportSession {
	if s.sessionsStateFile == "" {
		return nil
	}
	result := make([]model.SupportSession, 0, len(s.sessionsByID))
	for _, sess := range s.sessionsByID {
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) persistSessionsSnapshot(sessions []model.SupportSession) {
	path := s.sessionsStateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	fail := func(step string, err error) {
		s.log.Warn("sessions persistence: "+step+" failed", zap.String("path", path), zap.Error(err))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fail("mkdir", err)
		return
	}

	file := persistedSessionsFile{Version: 1, Sessions: sessions, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		fail("marshal", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		fail("create temp", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		fail("chmod temp", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		fail("write temp", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		fail("sync temp", err)
		return
	}
	if err := tmp.Close(); err != nil {
		fail("close temp", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		fail("rename", err)
	}
}
