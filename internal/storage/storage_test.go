package storage

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)
	if err := runner.Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}

	if !tableExists(t, db, "session_journal") {
		t.Error("session_journal table not created")
	}
	if !tableExists(t, db, "event_log") {
		t.Error("event_log table not created")
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not created")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)

	if err := runner.Migrate(); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	if err := runner.Migrate(); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query migrations: %v", err)
	}

	if count != 1 {
		t.Errorf("expected 1 migration record, got %d", count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)

	runner := NewMigrationRunner(db)

	if err := runner.Migrate(); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}

	_, err := db.Exec("UPDATE schema_migrations SET checksum = 'invalid' WHERE version = '001'")
	if err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := runner.Migrate(); err == nil {
		t.Error("expected checksum mismatch error, got nil")
	}
}

func TestJournalRecordAndGet(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	entry := JournalEntry{
		LogicalID:     "kiosk-7:1",
		Code:          "S-1042",
		Status:        "OPEN",
		CartSignature: "cola:2|water:1",
		LastScreen:    "screen-basket",
		Generation:    3,
		LastChangeAt:  "2026-09-01T10:00:00Z",
	}
	if err := journal.RecordState(entry); err != nil {
		t.Fatalf("record state failed: %v", err)
	}

	got, err := journal.GetState("kiosk-7:1")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if got.Code != "S-1042" {
		t.Errorf("expected code S-1042, got %q", got.Code)
	}
	if got.Status != "OPEN" {
		t.Errorf("expected status OPEN, got %q", got.Status)
	}
	if got.Generation != 3 {
		t.Errorf("expected generation 3, got %d", got.Generation)
	}
}

func TestJournalRecordValidation(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	if err := journal.RecordState(JournalEntry{Status: "OPEN"}); err == nil {
		t.Error("expected error for missing logical_id")
	}
	if err := journal.RecordState(JournalEntry{LogicalID: "kiosk-7:1"}); err == nil {
		t.Error("expected error for missing status")
	}
}

func TestJournalGetStateNotFound(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	_, err := journal.GetState("unknown")
	if err != ErrEntryNotFound {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestJournalUpsertReplacesState(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	base := JournalEntry{LogicalID: "kiosk-7:1", Code: "S-1", Status: "OPEN", LastChangeAt: "2026-09-01T10:00:00Z"}
	if err := journal.RecordState(base); err != nil {
		t.Fatalf("record state failed: %v", err)
	}

	base.Status = "CARD_BOUND"
	base.CardBindAt = "2026-09-01T10:01:00Z"
	if err := journal.RecordState(base); err != nil {
		t.Fatalf("second record failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM session_journal").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 journal row, got %d", count)
	}

	got, err := journal.GetState("kiosk-7:1")
	if err != nil {
		t.Fatalf("get state failed: %v", err)
	}
	if got.Status != "CARD_BOUND" {
		t.Errorf("expected status CARD_BOUND, got %q", got.Status)
	}
}

func TestJournalLoadFromDB(t *testing.T) {
	db := migratedTestDB(t)

	writer := NewJournal(db, nil)
	entry := JournalEntry{LogicalID: "kiosk-7:2", Code: "S-2", Status: "PAID", Finalized: true, LastChangeAt: "2026-09-01T10:05:00Z"}
	if err := writer.RecordState(entry); err != nil {
		t.Fatalf("record state failed: %v", err)
	}

	// Fresh journal over the same db simulates a restart.
	reader := NewJournal(db, nil)
	if err := reader.LoadFromDB(); err != nil {
		t.Fatalf("load from db failed: %v", err)
	}

	got, err := reader.GetState("kiosk-7:2")
	if err != nil {
		t.Fatalf("get state after load failed: %v", err)
	}
	if !got.Finalized {
		t.Error("expected finalized flag to survive reload")
	}
	if got.Status != "PAID" {
		t.Errorf("expected status PAID, got %q", got.Status)
	}
}

func TestJournalAppendAndRecentEvents(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	events := []string{"session-started", "scan-result", "card-bound"}
	for _, kind := range events {
		if err := journal.AppendEvent("S-3", kind, ""); err != nil {
			t.Fatalf("append event %s failed: %v", kind, err)
		}
	}
	if err := journal.AppendEvent("S-other", "session-started", ""); err != nil {
		t.Fatalf("append event for other session failed: %v", err)
	}

	recent, err := journal.RecentEvents("S-3", 10)
	if err != nil {
		t.Fatalf("recent events failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	// Newest first.
	if recent[0].Kind != "card-bound" {
		t.Errorf("expected newest event card-bound, got %q", recent[0].Kind)
	}
}

func TestJournalAppendEventMissingKind(t *testing.T) {
	db := migratedTestDB(t)
	journal := NewJournal(db, nil)

	if err := journal.AppendEvent("S-1", "", ""); err == nil {
		t.Error("expected error for missing kind")
	}
}

func TestParseJournalTimestamp(t *testing.T) {
	inputs := []string{
		"2026-09-01T10:00:00.123456789Z",
		"2026-09-01T10:00:00Z",
		"2026-09-01 10:00:00",
	}
	for _, input := range inputs {
		if _, err := ParseJournalTimestamp(input); err != nil {
			t.Errorf("expected %q to parse, got %v", input, err)
		}
	}

	if _, err := ParseJournalTimestamp("not-a-time"); err == nil {
		t.Error("expected error for invalid timestamp")
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	return db
}

func migratedTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := setupTestDB(t)
	if err := NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table existence: %v", err)
	}
	return exists > 0
}
