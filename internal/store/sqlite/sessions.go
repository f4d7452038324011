// Package sqlite implements the SessionStore backend on a local sqlite
// database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Alishahryar1/free-claude-code/internal/store"
	"github.com/Alishahryar1/free-claude-code/internal/tree"
)

const schema = `
CREATE TABLE IF NOT EXISTS trees (
	root_id  TEXT PRIMARY KEY,
	snapshot TEXT NOT NULL,
	saved_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS node_index (
	node_id TEXT PRIMARY KEY,
	root_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS msg_log (
	chat_id TEXT NOT NULL,
	msg_id  TEXT NOT NULL,
	dir     TEXT NOT NULL,
	kind    TEXT NOT NULL,
	ts      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS msg_log_chat ON msg_log(chat_id);
`

// Store is a sqlite-backed SessionStore.
type Store struct {
	db     *sql.DB
	maxAge time.Duration
}

// Open opens or creates the database at path and ensures the schema. Trees
// older than maxAge are pruned on Load; zero disables pruning.
func Open(path string, maxAge time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent mutation.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, maxAge: maxAge}, nil
}

func (s *Store) Load() (*store.State, error) {
	if s.maxAge > 0 {
		cutoff := time.Now().Add(-s.maxAge)
		if _, err := s.db.Exec("DELETE FROM trees WHERE saved_at < ?", cutoff); err != nil {
			return nil, err
		}
		if _, err := s.db.Exec(
			"DELETE FROM node_index WHERE root_id NOT IN (SELECT root_id FROM trees)"); err != nil {
			return nil, err
		}
	}

	st := store.NewState()

	rows, err := s.db.Query("SELECT root_id, snapshot FROM trees")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rootID, snapJSON string
		if err := rows.Scan(&rootID, &snapJSON); err != nil {
			continue
		}
		var snap tree.Snapshot
		if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
			continue
		}
		st.Roots[rootID] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	idxRows, err := s.db.Query("SELECT node_id, root_id FROM node_index")
	if err != nil {
		return nil, err
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var nodeID, rootID string
		if err := idxRows.Scan(&nodeID, &rootID); err != nil {
			continue
		}
		st.NodeIndex[nodeID] = rootID
	}

	logRows, err := s.db.Query("SELECT chat_id, msg_id, dir, kind, ts FROM msg_log ORDER BY ts")
	if err != nil {
		return nil, err
	}
	defer logRows.Close()
	for logRows.Next() {
		var chatID string
		var rec store.MessageRecord
		if err := logRows.Scan(&chatID, &rec.ID, &rec.Dir, &rec.Kind, &rec.At); err != nil {
			continue
		}
		st.MsgLog[chatID] = append(st.MsgLog[chatID], rec)
	}
	return st, nil
}

func (s *Store) SaveTree(snap tree.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO trees (root_id, snapshot, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT (root_id) DO UPDATE SET snapshot = excluded.snapshot, saved_at = excluded.saved_at`,
		snap.RootID, string(data), snap.SavedAt,
	); err != nil {
		return err
	}
	for id := range snap.Nodes {
		if _, err := tx.Exec(
			`INSERT INTO node_index (node_id, root_id) VALUES (?, ?)
			 ON CONFLICT (node_id) DO UPDATE SET root_id = excluded.root_id`,
			id, snap.RootID,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteTree(rootID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM trees WHERE root_id = ?", rootID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM node_index WHERE root_id = ?", rootID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) IndexNodes(rootID string, nodeIDs ...string) error {
	for _, id := range nodeIDs {
		if _, err := s.db.Exec(
			`INSERT INTO node_index (node_id, root_id) VALUES (?, ?)
			 ON CONFLICT (node_id) DO UPDATE SET root_id = excluded.root_id`,
			id, rootID,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteNodes(nodeIDs ...string) error {
	for _, id := range nodeIDs {
		if _, err := s.db.Exec("DELETE FROM node_index WHERE node_id = ?", id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) RecordMessage(chatID string, rec store.MessageRecord) error {
	_, err := s.db.Exec(
		"INSERT INTO msg_log (chat_id, msg_id, dir, kind, ts) VALUES (?, ?, ?, ?, ?)",
		chatID, rec.ID, rec.Dir, rec.Kind, rec.At,
	)
	return err
}

func (s *Store) MessageLog(chatID string) ([]store.MessageRecord, error) {
	rows, err := s.db.Query(
		"SELECT msg_id, dir, kind, ts FROM msg_log WHERE chat_id = ? ORDER BY ts", chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		if err := rows.Scan(&rec.ID, &rec.Dir, &rec.Kind, &rec.At); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ClearMessageLog(chatID string) error {
	_, err := s.db.Exec("DELETE FROM msg_log WHERE chat_id = ?", chatID)
	return err
}

func (s *Store) Reset() error {
	for _, table := range []string{"trees", "node_index", "msg_log"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
