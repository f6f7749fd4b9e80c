package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/repo"
)

type SnapshotStore struct {
	db DB
}

const (
	insertSnapshotQuery = `INSERT INTO dataset_snapshots (
		snapshot_id,
		name,
		content_sha256,
		source_uri,
		row_count,
		columns,
		null_fractions,
		schema_fingerprint,
		captured_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (content_sha256) DO NOTHING`

	selectSnapshotColumns = `snapshot_id, name, content_sha256, source_uri, row_count, columns,
		null_fractions, schema_fingerprint, captured_at, integrity_sha256`
)

func NewSnapshotStore(db DB) *SnapshotStore {
	if db == nil {
		return nil
	}
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) CreateSnapshot(ctx context.Context, snapshot domain.DatasetSnapshot) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("snapshot store not initialized")
	}
	if err := snapshot.Validate(); err != nil {
		return false, err
	}
	if err := requireIntegrity(snapshot.IntegritySHA256); err != nil {
		return false, err
	}
	columnsJSON, err := encodeColumns(snapshot.Columns)
	if err != nil {
		return false, fmt.Errorf("encode columns: %w", err)
	}
	fractionsJSON, err := encodeFractions(snapshot.NullFractions)
	if err != nil {
		return false, fmt.Errorf("encode null fractions: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		insertSnapshotQuery,
		strings.TrimSpace(snapshot.ID),
		strings.TrimSpace(snapshot.Name),
		strings.TrimSpace(snapshot.ContentSHA256),
		strings.TrimSpace(snapshot.SourceURI),
		snapshot.RowCount,
		columnsJSON,
		fractionsJSON,
		strings.TrimSpace(snapshot.SchemaFingerprint),
		normalizeTime(snapshot.CapturedAt),
		strings.TrimSpace(snapshot.IntegritySHA256),
	)
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert snapshot: %w", err)
	}
	return rows > 0, nil
}

func (s *SnapshotStore) GetSnapshot(ctx context.Context, id string) (domain.DatasetSnapshot, error) {
	if s == nil || s.db == nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectSnapshotColumns+` FROM dataset_snapshots WHERE snapshot_id = $1`,
		id,
	)
	return scanSnapshot(row)
}

func (s *SnapshotStore) GetSnapshotByContent(ctx context.Context, contentSHA256 string) (domain.DatasetSnapshot, error) {
	if s == nil || s.db == nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot store not initialized")
	}
	contentSHA256 = strings.TrimSpace(contentSHA256)
	if contentSHA256 == "" {
		return domain.DatasetSnapshot{}, fmt.Errorf("content sha256 is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectSnapshotColumns+` FROM dataset_snapshots WHERE content_sha256 = $1`,
		contentSHA256,
	)
	return scanSnapshot(row)
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, name string) (domain.DatasetSnapshot, error) {
	if s == nil || s.db == nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot name is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectSnapshotColumns+` FROM dataset_snapshots
		 WHERE name = $1 ORDER BY captured_at DESC LIMIT 1`,
		name,
	)
	return scanSnapshot(row)
}

func (s *SnapshotStore) ListSnapshots(ctx context.Context, filter repo.SnapshotFilter) ([]domain.DatasetSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("snapshot store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.Name) != "" {
		args = append(args, strings.TrimSpace(filter.Name))
		clauses = append(clauses, fmt.Sprintf("name = $%d", len(args)))
	}
	query := `SELECT ` + selectSnapshotColumns + ` FROM dataset_snapshots`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY captured_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]domain.DatasetSnapshot, 0)
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return snapshots, nil
}

type snapshotScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(scanner snapshotScanner) (domain.DatasetSnapshot, error) {
	var snapshot domain.DatasetSnapshot
	var columnsJSON []byte
	var fractionsJSON []byte
	if err := scanner.Scan(
		&snapshot.ID,
		&snapshot.Name,
		&snapshot.ContentSHA256,
		&snapshot.SourceURI,
		&snapshot.RowCount,
		&columnsJSON,
		&fractionsJSON,
		&snapshot.SchemaFingerprint,
		&snapshot.CapturedAt,
		&snapshot.IntegritySHA256,
	); err != nil {
		return domain.DatasetSnapshot{}, handleNotFound(err)
	}
	columns, err := decodeColumns(columnsJSON)
	if err != nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("decode columns: %w", err)
	}
	fractions, err := decodeFractions(fractionsJSON)
	if err != nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("decode null fractions: %w", err)
	}
	snapshot.Columns = columns
	snapshot.NullFractions = fractions
	snapshot.CapturedAt = snapshot.CapturedAt.UTC()
	return snapshot, nil
}
