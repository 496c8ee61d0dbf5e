package totp

import (
	"errors"
	"testing"
)

func generateHashed(t *testing.T) ([]string, []BackupCode) {
	t.Helper()
	codes, err := GenerateBackupCodes(10, 8)
	if err != nil {
		t.Fatalf("GenerateBackupCodes failed: %v", err)
	}
	records, err := HashBackupCodes(codes)
	if err != nil {
		t.Fatalf("HashBackupCodes failed: %v", err)
	}
	return codes, records
}

func TestGenerateBackupCodesShape(t *testing.T) {
	codes, err := GenerateBackupCodes(10, 8)
	if err != nil {
		t.Fatalf("GenerateBackupCodes failed: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	seen := map[string]struct{}{}
	for _, code := range codes {
		if len(code) != 8 {
			t.Fatalf("expected 8-char code, got %q", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) != 10 {
		t.Fatal("expected distinct codes")
	}
}

func TestHashedRecordsDoNotContainRawCodes(t *testing.T) {
	codes, records := generateHashed(t)
	for _, rec := range records {
		for _, code := range codes {
			if rec.Hash == code || rec.Hash == Normalize(code) {
				t.Fatal("raw code stored as hash")
			}
		}
		if rec.Salt == "" || rec.Used {
			t.Fatalf("unexpected record state: %+v", rec)
		}
	}
}

func TestConsumeBackupCodeOneTimeUse(t *testing.T) {
	codes, records := generateHashed(t)

	updated, err := ConsumeBackupCode(records, codes[3])
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if UnusedCount(updated) != 9 {
		t.Fatalf("expected 9 unused, got %d", UnusedCount(updated))
	}

	if _, err := ConsumeBackupCode(updated, codes[3]); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("replay must fail with ErrBackupCodeInvalid, got %v", err)
	}
}

func TestConsumeBackupCodeAcceptsDisplayFormat(t *testing.T) {
	codes, records := generateHashed(t)

	display := FormatForDisplay(codes[0])
	if _, err := ConsumeBackupCode(records, display); err != nil {
		t.Fatalf("display-formatted code should verify: %v", err)
	}
	if _, err := ConsumeBackupCode(records, "  "+codes[1]+" "); err != nil {
		t.Fatalf("whitespace-padded code should verify: %v", err)
	}
}

func TestConsumeBackupCodeRejectsUnknown(t *testing.T) {
	_, records := generateHashed(t)
	if _, err := ConsumeBackupCode(records, "ZZZZZZZZ"); !errors.Is(err, ErrBackupCodeInvalid) {
		t.Fatalf("expected ErrBackupCodeInvalid, got %v", err)
	}
	if _, err := ConsumeBackupCode(nil, "ZZZZZZZZ"); !errors.Is(err, ErrNoBackupCodes) {
		t.Fatalf("expected ErrNoBackupCodes, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	_, records := generateHashed(t)
	column, err := EncodeBackupCodes(records)
	if err != nil {
		t.Fatalf("EncodeBackupCodes failed: %v", err)
	}
	decoded, err := DecodeBackupCodes(column)
	if err != nil {
		t.Fatalf("DecodeBackupCodes failed: %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(decoded))
	}

	empty, err := DecodeBackupCodes("")
	if err != nil || empty != nil {
		t.Fatalf("empty column should decode to nil, got %v %v", empty, err)
	}
}
