package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chainguild/cgp/protocol/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
    guild_id    TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    body        TEXT NOT NULL,
    PRIMARY KEY (guild_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_guild ON events(guild_id);

CREATE TABLE IF NOT EXISTS heads (
    guild_id    TEXT PRIMARY KEY,
    seq         INTEGER NOT NULL
);
`

// SQLiteStore is the persistent LogStore backing. It mirrors the logical
// keys "guild:<id>:seq:<padded-seq>" and "guild:<id>:head" as indexed
// columns of a single events table plus a heads table, rather than as a
// literal ordered key-value namespace.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path and applies schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(guild event.GuildID, e event.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var head int64 = -1
	err = tx.QueryRow(`SELECT seq FROM heads WHERE guild_id = ?`, guild.String()).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read head: %w", err)
	}
	if e.Seq != uint64(head+1) {
		return ErrOutOfOrder
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO events (guild_id, seq, body) VALUES (?, ?, ?)`, guild.String(), e.Seq, string(raw)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO heads (guild_id, seq) VALUES (?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET seq = excluded.seq`, guild.String(), e.Seq); err != nil {
		return fmt.Errorf("update head: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetLog(guild event.GuildID) ([]event.Event, error) {
	rows, err := s.db.Query(`SELECT body FROM events WHERE guild_id = ? ORDER BY seq ASC`, guild.String())
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var log []event.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		log = append(log, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return log, nil
}

func (s *SQLiteStore) GetLastEvent(guild event.GuildID) (event.Event, error) {
	var body string
	err := s.db.QueryRow(`
		SELECT body FROM events WHERE guild_id = ? ORDER BY seq DESC LIMIT 1`, guild.String(),
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrGuildNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get last event: %w", err)
	}
	var e event.Event
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return event.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) GetGuildIDs() ([]event.GuildID, error) {
	rows, err := s.db.Query(`SELECT guild_id FROM heads ORDER BY guild_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query guild ids: %w", err)
	}
	defer rows.Close()

	var ids []event.GuildID
	for rows.Next() {
		var hexID string
		if err := rows.Scan(&hexID); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		ids = append(ids, decodeGuildID(hexID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guild ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) DeleteEvent(guild event.GuildID, seq uint64) error {
	result, err := s.db.Exec(`DELETE FROM events WHERE guild_id = ? AND seq = ?`, guild.String(), seq)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeGuildID(hexID string) event.GuildID {
	var id event.GuildID
	_ = id.UnmarshalText([]byte(hexID))
	return id
}
