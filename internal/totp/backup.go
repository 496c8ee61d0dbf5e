package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
)

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	ErrNoBackupCodes     = errors.New("no backup codes stored")
)

// BackupCode is one stored recovery code: a salted SHA-256 digest plus a
// consumed flag. Raw codes exist only at generation time.
type BackupCode struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
	Used bool   `json:"used"`
}

// GenerateBackupCodes returns count raw codes of the given length drawn
// from an unambiguous uppercase alphabet.
func GenerateBackupCodes(count, length int) ([]string, error) {
	codes := make([]string, 0, count)
	max := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < count; i++ {
		var b strings.Builder
		for j := 0; j < length; j++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupCodeAlphabet[n.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

// HashBackupCodes converts raw codes into stored records, each with its
// own random 16-byte salt.
func HashBackupCodes(codes []string) ([]BackupCode, error) {
	records := make([]BackupCode, 0, len(codes))
	for _, code := range codes {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		saltHex := hex.EncodeToString(salt)
		records = append(records, BackupCode{
			Hash: hashBackupCode(Normalize(code), saltHex),
			Salt: saltHex,
			Used: false,
		})
	}
	return records, nil
}

// ConsumeBackupCode finds an unused record matching code, marks it used
// and returns the updated set. Every stored record is checked even after
// a match so timing does not reveal the match position.
func ConsumeBackupCode(records []BackupCode, code string) ([]BackupCode, error) {
	if len(records) == 0 {
		return nil, ErrNoBackupCodes
	}

	normalized := Normalize(code)
	matched := -1
	for i, rec := range records {
		computed := hashBackupCode(normalized, rec.Salt)
		equal := subtle.ConstantTimeCompare([]byte(computed), []byte(rec.Hash)) == 1
		if equal && !rec.Used && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return nil, ErrBackupCodeInvalid
	}

	updated := make([]BackupCode, len(records))
	copy(updated, records)
	updated[matched].Used = true
	return updated, nil
}

// UnusedCount reports how many codes remain consumable.
func UnusedCount(records []BackupCode) int {
	n := 0
	for _, rec := range records {
		if !rec.Used {
			n++
		}
	}
	return n
}

// Normalize upcases and strips separators so users can enter codes as
// displayed (ABCD-1234) or raw.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

// FormatForDisplay renders a raw code as two hyphenated halves.
func FormatForDisplay(code string) string {
	if len(code) < 2 {
		return code
	}
	half := len(code) / 2
	return code[:half] + "-" + code[half:]
}

// EncodeBackupCodes serializes records to the JSON column format.
func EncodeBackupCodes(records []BackupCode) (string, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeBackupCodes parses the JSON column. An empty column decodes to
// nil records.
func DecodeBackupCodes(column string) ([]BackupCode, error) {
	if strings.TrimSpace(column) == "" {
		return nil, nil
	}
	var records []BackupCode
	if err := json.Unmarshal([]byte(column), &records); err != nil {
		return nil, err
	}
	return records, nil
}

func hashBackupCode(normalizedCode, saltHex string) string {
	sum := sha256.Sum256([]byte(normalizedCode + saltHex))
	return hex.EncodeToString(sum[:])
}
