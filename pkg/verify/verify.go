// Package verify provides integrity checks for backup payloads.
package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/denkoushi/backupguard/pkg/config"
)

// Result is the outcome of an integrity verification.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	FileSize int64    `json:"fileSize"`
	Hash     string   `json:"hash"`
}

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify checks a payload against optional size and hash expectations.
// expectedSize <= 0 and expectedHash == "" skip the respective checks; an
// empty payload is always invalid.
func Verify(data []byte, expectedSize int64, expectedHash string) Result {
	result := Result{
		FileSize: int64(len(data)),
		Hash:     Hash(data),
	}

	if len(data) == 0 {
		result.Errors = append(result.Errors, "File is empty")
	}

	if expectedSize > 0 && int64(len(data)) != expectedSize {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Size mismatch: expected %d bytes, got %d bytes", expectedSize, len(data)))
	}

	if expectedHash != "" && !strings.EqualFold(result.Hash, expectedHash) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Hash mismatch: expected %s, got %s", expectedHash, result.Hash))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

var gzipMagic = []byte{0x1f, 0x8b}

// VerifyFormat runs a lightweight format sniff per target kind. It is a cheap
// pre-restore sanity check, not a structural validation.
func VerifyFormat(data []byte, kind string) error {
	if len(data) == 0 {
		return fmt.Errorf("payload is empty")
	}

	switch kind {
	case config.KindDatabase:
		probe := data
		if bytes.HasPrefix(data, gzipMagic) {
			// Compressed dumps are accepted on the gzip header alone; the
			// restore path decompresses and psql reports real corruption.
			return nil
		}
		head := probe
		if len(head) > 512 {
			head = head[:512]
		}
		if !bytes.Contains(head, []byte("PostgreSQL database dump")) && !bytes.HasPrefix(head, []byte("--")) {
			return fmt.Errorf("payload does not look like a SQL dump")
		}
	case config.KindCsv:
		if !bytes.ContainsAny(data, ",\n") {
			return fmt.Errorf("payload does not look like CSV data")
		}
	case config.KindDirectory, config.KindImage, config.KindClientDirectory:
		if !bytes.HasPrefix(data, gzipMagic) {
			return fmt.Errorf("payload does not look like a gzip archive")
		}
	}

	return nil
}
