package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

const sampleCSV = "readmitted,age,gender,race\n" +
	"<30,[70-80),Female,Caucasian\n" +
	"NO,[60-70),Male,?\n" +
	">30,[50-60),Female,AfricanAmerican\n" +
	"NO,?,Male,?\n"

func TestCSVProfile(t *testing.T) {
	result, err := CSV(strings.NewReader(sampleCSV), Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RowCount != 4 {
		t.Fatalf("row count = %d, want 4", result.RowCount)
	}
	wantColumns := []string{"readmitted", "age", "gender", "race"}
	if len(result.Columns) != len(wantColumns) {
		t.Fatalf("columns = %v, want %v", result.Columns, wantColumns)
	}
	for i, col := range wantColumns {
		if result.Columns[i] != col {
			t.Fatalf("columns[%d] = %q, want %q", i, result.Columns[i], col)
		}
	}

	if got := result.NullFractions["race"]; got != 0.5 {
		t.Fatalf("race null fraction = %v, want 0.5", got)
	}
	if got := result.NullFractions["age"]; got != 0.25 {
		t.Fatalf("age null fraction = %v, want 0.25", got)
	}
	if got := result.NullFractions["readmitted"]; got != 0 {
		t.Fatalf("readmitted null fraction = %v, want 0", got)
	}

	sum := sha256.Sum256([]byte(sampleCSV))
	if result.ContentSHA256 != hex.EncodeToString(sum[:]) {
		t.Fatal("content hash must match the raw bytes")
	}
}

func TestCSVProfileTrackColumns(t *testing.T) {
	result, err := CSV(strings.NewReader(sampleCSV), Options{TrackColumns: []string{"race"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.NullFractions) != 1 {
		t.Fatalf("tracked fractions = %v, want race only", result.NullFractions)
	}
	if got := result.NullFractions["race"]; got != 0.5 {
		t.Fatalf("race null fraction = %v, want 0.5", got)
	}
}

func TestCSVProfileCustomNullTokens(t *testing.T) {
	csv := "a,b\nx,-\ny,z\n"
	result, err := CSV(strings.NewReader(csv), Options{NullTokens: []string{"-"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := result.NullFractions["b"]; got != 0.5 {
		t.Fatalf("b null fraction = %v, want 0.5", got)
	}
	if got := result.NullFractions["a"]; got != 0 {
		t.Fatalf("a null fraction = %v, want 0", got)
	}
}

func TestCSVProfileEmptyInput(t *testing.T) {
	if _, err := CSV(strings.NewReader(""), Options{}); err == nil {
		t.Fatal("expected error for empty csv")
	}
}

func TestCSVProfileMalformedRow(t *testing.T) {
	csv := "a,b\n\"unterminated\n"
	if _, err := CSV(strings.NewReader(csv), Options{}); err == nil {
		t.Fatal("expected error for malformed csv")
	}
}

func TestSchemaFingerprintOrderSensitive(t *testing.T) {
	a := SchemaFingerprint([]string{"age", "gender"})
	b := SchemaFingerprint([]string{"gender", "age"})
	if a == b {
		t.Fatal("fingerprint must be order sensitive")
	}
	if a != SchemaFingerprint([]string{"age", "gender"}) {
		t.Fatal("fingerprint must be deterministic")
	}
}

func TestSchemaFingerprintNoSeparatorCollision(t *testing.T) {
	a := SchemaFingerprint([]string{"ab", "c"})
	b := SchemaFingerprint([]string{"a", "bc"})
	if a == b {
		t.Fatal("fingerprint must not collide across column boundaries")
	}
}
