// Package profile streams a raw CSV table once, producing the content hash,
// row count, header schema, and per-column null rates that snapshot ingest
// and dataset validation both consume.
package profile

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultNullTokens are the source-data conventions for a missing value.
var DefaultNullTokens = []string{"", "?", "NULL", "Not Available"}

type Options struct {
	// NullTokens is the set of cell values treated as missing. Defaults to
	// DefaultNullTokens when empty.
	NullTokens []string
	// TrackColumns limits null-rate accounting to the named columns. Empty
	// tracks every column in the header.
	TrackColumns []string
}

type Result struct {
	ContentSHA256     string
	RowCount          int64
	Columns           []string
	NullFractions     map[string]float64
	SchemaFingerprint string
}

// CSV profiles the table in a single pass. The content hash covers the raw
// bytes, not the parsed records, so it matches a hash of the file on disk.
func CSV(r io.Reader, opts Options) (Result, error) {
	if r == nil {
		return Result{}, errors.New("reader is required")
	}

	nullSet := make(map[string]struct{})
	tokens := opts.NullTokens
	if len(tokens) == 0 {
		tokens = DefaultNullTokens
	}
	for _, token := range tokens {
		nullSet[token] = struct{}{}
	}

	hasher := sha256.New()
	reader := csv.NewReader(bufio.NewReader(io.TeeReader(r, hasher)))
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Result{}, errors.New("csv is empty")
		}
		return Result{}, fmt.Errorf("read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, col := range header {
		columns[i] = strings.TrimSpace(col)
	}

	trackIdx := make(map[int]string, len(columns))
	if len(opts.TrackColumns) == 0 {
		for i, col := range columns {
			trackIdx[i] = col
		}
	} else {
		wanted := make(map[string]struct{}, len(opts.TrackColumns))
		for _, col := range opts.TrackColumns {
			wanted[col] = struct{}{}
		}
		for i, col := range columns {
			if _, ok := wanted[col]; ok {
				trackIdx[i] = col
			}
		}
	}

	nullCounts := make(map[string]int64, len(trackIdx))
	var rowCount int64
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("read row %d: %w", rowCount+2, err)
		}
		rowCount++
		for i, col := range trackIdx {
			if i >= len(record) {
				continue
			}
			if _, isNull := nullSet[strings.TrimSpace(record[i])]; isNull {
				nullCounts[col]++
			}
		}
	}

	// Drain anything the csv reader's buffer did not pull, so the content
	// hash always covers the full input.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return Result{}, fmt.Errorf("drain input: %w", err)
	}

	fractions := make(map[string]float64, len(trackIdx))
	for _, col := range trackIdx {
		if rowCount == 0 {
			fractions[col] = 0
			continue
		}
		fractions[col] = float64(nullCounts[col]) / float64(rowCount)
	}

	return Result{
		ContentSHA256:     hex.EncodeToString(hasher.Sum(nil)),
		RowCount:          rowCount,
		Columns:           columns,
		NullFractions:     fractions,
		SchemaFingerprint: SchemaFingerprint(columns),
	}, nil
}

// SchemaFingerprint hashes the canonical column list. Order matters: the
// same columns in a different order are a different feature schema.
func SchemaFingerprint(columns []string) string {
	hasher := sha256.New()
	for _, col := range columns {
		hasher.Write([]byte(col))
		hasher.Write([]byte{'\n'})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
