// Package resume persists the participant, session and phase so a restarted
// client can rejoin where it left off.
package resume

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odvcencio/swarmchat/pkg/errors"
	"github.com/odvcencio/swarmchat/pkg/logging"
	"github.com/odvcencio/swarmchat/pkg/model"
	"github.com/odvcencio/swarmchat/pkg/store"
)

//go:embed schema.sql
var schemaSQL string

// Store holds one snapshot per client id.
type Store struct {
	db       *sql.DB
	clientID string
	logger   *logging.Logger
}

// Open creates or opens the database at path. ":memory:" is accepted for
// tests.
func Open(path, clientID string, logger *logging.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "state path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "create state directory")
		}
		if err := ensurePrivateFile(path); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "open state database")
	}
	// One connection keeps ":memory:" coherent and matches the single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "configure state database").WithContext("pragma", pragma)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "apply state schema")
	}

	return &Store{db: db, clientID: clientID, logger: logger}, nil
}

func ensurePrivateFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "create state file").WithContext("path", path)
	}
	return f.Close()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the snapshot for this client.
func (s *Store) Save(ctx context.Context, r store.Resumable) error {
	if r.User == nil || r.Session == nil {
		return errors.New(errors.ErrCodeValidation, "snapshot needs a user and a session")
	}
	userJSON, err := json.Marshal(r.User)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode user")
	}
	sessionJSON, err := json.Marshal(r.Session)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode session")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resume_snapshots (client_id, phase, user_json, session_json, active_view, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			phase = excluded.phase,
			user_json = excluded.user_json,
			session_json = excluded.session_json,
			active_view = excluded.active_view,
			saved_at = excluded.saved_at
	`, s.clientID, string(r.Phase), string(userJSON), string(sessionJSON), string(r.ActiveView), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "save snapshot")
	}
	return nil
}

// Load returns the saved snapshot, if any.
func (s *Store) Load(ctx context.Context) (store.Resumable, bool, error) {
	var (
		phase, userJSON, sessionJSON, view string
		r                                  store.Resumable
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, user_json, session_json, active_view
		FROM resume_snapshots WHERE client_id = ?
	`, s.clientID).Scan(&phase, &userJSON, &sessionJSON, &view)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, errors.Wrap(err, errors.ErrCodeStorageRead, "load snapshot")
	}

	r.Phase = model.Phase(phase)
	r.ActiveView = model.ViewMode(view)
	if err := json.Unmarshal([]byte(userJSON), &r.User); err != nil {
		return store.Resumable{}, false, errors.Wrap(err, errors.ErrCodeValidation, "decode saved user")
	}
	if err := json.Unmarshal([]byte(sessionJSON), &r.Session); err != nil {
		return store.Resumable{}, false, errors.Wrap(err, errors.ErrCodeValidation, "decode saved session")
	}
	return r, true, nil
}

// Clear deletes this client's snapshot.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resume_snapshots WHERE client_id = ?`, s.clientID); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "clear snapshot")
	}
	return nil
}

// snapshotKey is what a save depends on; unchanged keys skip the write.
func snapshotKey(r store.Resumable) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", r.Phase, r.User.ID, r.User.SubgroupID, r.Session.ID, r.Session.Status, r.ActiveView)
}

// Watch mirrors the store into the database until ctx is done: sessions in
// Waiting, Active or Completed are saved, a return to Home clears the row.
// The state at entry is mirrored before any change arrives.
func (s *Store) Watch(ctx context.Context, st *store.Store) {
	changes, unsubscribe := st.Subscribe()
	defer unsubscribe()

	last := s.mirror(ctx, st.Snapshot(), "")
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			last = s.mirror(ctx, st.Snapshot(), last)
		}
	}
}

// mirror persists snap and returns the key of what is now stored.
func (s *Store) mirror(ctx context.Context, snap store.State, last string) string {
	switch snap.Phase {
	case model.PhaseWaiting, model.PhaseActive, model.PhaseCompleted:
		if snap.User == nil || snap.Session == nil {
			return last
		}
		r := store.Resumable{Phase: snap.Phase, User: snap.User, Session: snap.Session, ActiveView: snap.ActiveView}
		key := snapshotKey(r)
		if key == last {
			return last
		}
		if err := s.Save(ctx, r); err != nil {
			s.logger.Warn(logging.CategoryResume, "save_failed", err.Error(), nil)
			return last
		}
		s.logger.Debug(logging.CategoryResume, "saved", "", map[string]any{"phase": string(snap.Phase)})
		return key
	case model.PhaseHome:
		if last == "" {
			return last
		}
		if err := s.Clear(ctx); err != nil {
			s.logger.Warn(logging.CategoryResume, "clear_failed", err.Error(), nil)
			return last
		}
		s.logger.Debug(logging.CategoryResume, "cleared", "", nil)
		return ""
	}
	return last
}
