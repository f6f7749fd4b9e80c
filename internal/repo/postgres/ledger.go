package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

type LedgerStore struct {
	db DB
}

const (
	insertLedgerQuery = `INSERT INTO run_ledger (
		ledger_id,
		run_id,
		snapshot_id,
		snapshot_sha256,
		code_version,
		forced,
		trigger_kind,
		decision_reason,
		recorded_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (run_id) DO NOTHING`

	selectLedgerColumns = `ledger_id, run_id, snapshot_id, snapshot_sha256, code_version, forced,
		trigger_kind, decision_reason, recorded_at, integrity_sha256`
)

func NewLedgerStore(db DB) *LedgerStore {
	if db == nil {
		return nil
	}
	return &LedgerStore{db: db}
}

func (s *LedgerStore) Append(ctx context.Context, entry domain.RunLedgerEntry) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("ledger store not initialized")
	}
	if err := entry.Validate(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(
		ctx,
		insertLedgerQuery,
		strings.TrimSpace(entry.LedgerID),
		strings.TrimSpace(entry.RunID),
		nullIfEmpty(entry.SnapshotID),
		strings.TrimSpace(entry.SnapshotSHA256),
		strings.TrimSpace(entry.CodeVersion),
		entry.Forced,
		nullIfEmpty(entry.Trigger),
		nullIfEmpty(entry.DecisionReason),
		normalizeTime(entry.RecordedAt),
		strings.TrimSpace(entry.IntegritySHA256),
	)
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	return rows > 0, nil
}

func (s *LedgerStore) GetEntry(ctx context.Context, runID string) (domain.RunLedgerEntry, error) {
	if s == nil || s.db == nil {
		return domain.RunLedgerEntry{}, fmt.Errorf("ledger store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.RunLedgerEntry{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectLedgerColumns+` FROM run_ledger WHERE run_id = $1`,
		runID,
	)
	return scanLedgerEntry(row)
}

func (s *LedgerStore) ListEntries(ctx context.Context, limit int) ([]domain.RunLedgerEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("ledger store not initialized")
	}
	query := `SELECT ` + selectLedgerColumns + ` FROM run_ledger ORDER BY recorded_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.RunLedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

type ledgerScanner interface {
	Scan(dest ...any) error
}

func scanLedgerEntry(scanner ledgerScanner) (domain.RunLedgerEntry, error) {
	var entry domain.RunLedgerEntry
	var snapshotID, trigger, decisionReason sql.NullString
	if err := scanner.Scan(
		&entry.LedgerID,
		&entry.RunID,
		&snapshotID,
		&entry.SnapshotSHA256,
		&entry.CodeVersion,
		&entry.Forced,
		&trigger,
		&decisionReason,
		&entry.RecordedAt,
		&entry.IntegritySHA256,
	); err != nil {
		return domain.RunLedgerEntry{}, handleNotFound(err)
	}
	entry.SnapshotID = strings.TrimSpace(snapshotID.String)
	entry.Trigger = strings.TrimSpace(trigger.String)
	entry.DecisionReason = strings.TrimSpace(decisionReason.String)
	entry.RecordedAt = entry.RecordedAt.UTC()
	return entry, nil
}
