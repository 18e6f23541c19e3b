package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrEntryNotFound = errors.New("journal entry not found")

// Journal persists session state transitions and a per-kiosk event log
// so the orchestrator can reconstruct the last known state after a
// restart. Writes go through an in-memory cache backed by sqlite.
type Journal struct {
	db     *sql.DB
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]JournalEntry
}

func NewJournal(db *sql.DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Journal{
		db:      db,
		logger:  logger,
		entries: make(map[string]JournalEntry),
	}
}

func (j *Journal) RecordState(entry JournalEntry) error {
	if entry.LogicalID == "" {
		return fmt.Errorf("record state: missing logical_id")
	}
	if entry.Status == "" {
		return fmt.Errorf("record state %s: missing status", entry.LogicalID)
	}
	if entry.LastChangeAt == "" {
		entry.LastChangeAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if err := j.upsertEntry(entry); err != nil {
		return fmt.Errorf("record state %s: %w", entry.LogicalID, err)
	}

	j.mu.Lock()
	j.entries[entry.LogicalID] = entry
	j.mu.Unlock()

	return nil
}

func (j *Journal) GetState(logicalID string) (JournalEntry, error) {
	j.mu.RLock()
	entry, ok := j.entries[logicalID]
	j.mu.RUnlock()
	if ok {
		return entry, nil
	}

	entry, err := j.readEntry(logicalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, fmt.Errorf("get state %s: %w", logicalID, err)
	}

	j.mu.Lock()
	j.entries[entry.LogicalID] = entry
	j.mu.Unlock()

	return entry, nil
}

// LoadFromDB hydrates the in-memory cache from the journal table,
// replacing whatever the cache currently holds.
func (j *Journal) LoadFromDB() error {
	rows, err := j.db.Query(`
		SELECT logical_id, code, status, cart_signature, last_screen, finalized, generation, card_bind_at, last_change_at
		FROM session_journal
	`)
	if err != nil {
		return fmt.Errorf("load journal: query rows: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]JournalEntry)
	for rows.Next() {
		entry, rowErr := scanJournalRow(rows)
		if rowErr != nil {
			j.logger.Warn("load journal: corrupted row", zap.Error(rowErr))
			continue
		}
		entries[entry.LogicalID] = entry
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("load journal: iterate rows: %w", err)
	}

	j.mu.Lock()
	j.entries = entries
	j.mu.Unlock()

	return nil
}

func (j *Journal) AppendEvent(sessionCode, kind, detail string) error {
	if kind == "" {
		return fmt.Errorf("append event: missing kind")
	}

	_, err := j.db.Exec(`
		INSERT INTO event_log (session_code, kind, detail, created_at)
		VALUES (?, ?, ?, ?)
	`,
		sessionCode,
		kind,
		detail,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event %s: %w", kind, err)
	}

	return nil
}

func (j *Journal) RecentEvents(sessionCode string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.Query(`
		SELECT id, session_code, kind, detail, created_at
		FROM event_log
		WHERE session_code = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionCode, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events for %s: %w", sessionCode, err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.SessionCode, &rec.Kind, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent events for %s: scan: %w", sessionCode, err)
		}
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent events for %s: iterate: %w", sessionCode, err)
	}

	return out, nil
}

func (j *Journal) upsertEntry(entry JournalEntry) error {
	finalized := 0
	if entry.Finalized {
		finalized = 1
	}

	_, err := j.db.Exec(`
		INSERT INTO session_journal (logical_id, code, status, cart_signature, last_screen, finalized, generation, card_bind_at, last_change_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(logical_id) DO UPDATE SET
			code = excluded.code,
			status = excluded.status,
			cart_signature = excluded.cart_signature,
			last_screen = excluded.last_screen,
			finalized = excluded.finalized,
			generation = excluded.generation,
			card_bind_at = excluded.card_bind_at,
			last_change_at = excluded.last_change_at
	`,
		entry.LogicalID,
		entry.Code,
		entry.Status,
		entry.CartSignature,
		entry.LastScreen,
		finalized,
		entry.Generation,
		entry.CardBindAt,
		entry.LastChangeAt,
	)
	if err != nil {
		return fmt.Errorf("upsert journal entry %s: %w", entry.LogicalID, err)
	}

	return nil
}

func (j *Journal) readEntry(logicalID string) (JournalEntry, error) {
	row := j.db.QueryRow(`
		SELECT logical_id, code, status, cart_signature, last_screen, finalized, generation, card_bind_at, last_change_at
		FROM session_journal
		WHERE logical_id = ?
	`, logicalID)

	var (
		entry     JournalEntry
		finalized int
	)
	if err := row.Scan(
		&entry.LogicalID,
		&entry.Code,
		&entry.Status,
		&entry.CartSignature,
		&entry.LastScreen,
		&finalized,
		&entry.Generation,
		&entry.CardBindAt,
		&entry.LastChangeAt,
	); err != nil {
		return JournalEntry{}, err
	}
	entry.Finalized = finalized != 0

	return entry, nil
}

func scanJournalRow(rows *sql.Rows) (JournalEntry, error) {
	var (
		entry     JournalEntry
		finalized int
	)

	if err := rows.Scan(
		&entry.LogicalID,
		&entry.Code,
		&entry.Status,
		&entry.CartSignature,
		&entry.LastScreen,
		&finalized,
		&entry.Generation,
		&entry.CardBindAt,
		&entry.LastChangeAt,
	); err != nil {
		return JournalEntry{}, fmt.Errorf("scan journal row: %w", err)
	}
	entry.Finalized = finalized != 0

	return entry, nil
}

// ParseJournalTimestamp handles the timestamp layouts sqlite may hand
// back depending on how a column was written.
func ParseJournalTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
