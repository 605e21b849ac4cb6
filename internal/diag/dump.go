package diag

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrDumpFormat is returned by ReadDump for files it does not understand.
var ErrDumpFormat = errors.New("diag: unsupported dump format")

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// DumpName returns the file name a record is written under.
func DumpName(rec *OutcomeRecord) string {
	id := unsafeName.ReplaceAllString(rec.SandboxID, "_")
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("mvm-%s-%d.json", id, rec.Time.UnixNano())
}

// WriteDump writes rec as JSON into dir and returns the file path. The file
// appears atomically.
func WriteDump(dir string, rec *OutcomeRecord) (string, error) {
	if dir == "" {
		return "", errors.New("diag: no dump directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("diag: create dump directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".mvm-dump-*")
	if err != nil {
		return "", fmt.Errorf("diag: create dump: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		tmp.Close()
		return "", fmt.Errorf("diag: encode dump: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("diag: write dump: %w", err)
	}

	path := filepath.Join(dir, DumpName(rec))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("diag: write dump: %w", err)
	}
	rec.DumpPath = path
	return path, nil
}

// ReadDump loads a dump written by WriteDump.
func ReadDump(path string) (*OutcomeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec OutcomeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDumpFormat, err)
	}
	if rec.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: format_version %d", ErrDumpFormat, rec.FormatVersion)
	}
	rec.DumpPath = path
	return &rec, nil
}
