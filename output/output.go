// Package output persists result records. Writes replace the destination
// atomically so a failed run never leaves a partial log behind.
package output

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/dhcgn/mbox-mood/model"
)

type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// ErrLockTimeout is returned when another run holds the destination lock.
var ErrLockTimeout = errors.New("timeout acquiring output lock")

// CSVHeader lists the CSV columns in order.
var CSVHeader = []string{"subject", "mood_score", "primary_tag", "is_regrettable", "message_id"}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatJSONL:
		return FormatJSONL, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want jsonl or csv)", s)
	}
}

// ErrorsPath is where skipped-message failures are written for dest.
func ErrorsPath(dest string) string {
	return dest + ".errors.jsonl"
}

func lockPath(dest string) string {
	return dest + ".lock"
}

type Writer struct {
	Format      Format
	LockTimeout time.Duration
}

func NewWriter(format Format) *Writer {
	return &Writer{Format: format, LockTimeout: 5 * time.Second}
}

// Write replaces dest with records. Failures go to ErrorsPath(dest) when
// there are any; a stale sidecar from an earlier run is removed otherwise.
func (w *Writer) Write(ctx context.Context, dest string, records []model.Record, failures []model.Failure) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("output path is empty")
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	lock := flock.New(lockPath(dest))
	lockCtx, cancel := context.WithTimeout(ctx, w.LockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire output lock: %w", err)
	}
	if !locked {
		return ErrLockTimeout
	}
	defer func() { _ = lock.Unlock() }()

	if err := atomicWrite(dest, func(out io.Writer) error {
		if w.Format == FormatCSV {
			return EncodeCSV(out, records)
		}
		return EncodeJSONL(out, records)
	}); err != nil {
		return err
	}

	if len(failures) == 0 {
		if err := os.Remove(ErrorsPath(dest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale errors file: %w", err)
		}
		return nil
	}
	return atomicWrite(ErrorsPath(dest), func(out io.Writer) error {
		return encodeLines(out, failures)
	})
}

func atomicWrite(dest string, encode func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	buf := bufio.NewWriterSize(tmp, 64*1024)
	if err := encode(buf); err != nil {
		cleanup()
		return err
	}
	if err := buf.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("flush %s: %w", dest, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename to %s: %w", dest, err)
	}
	return nil
}

// EncodeJSONL writes one JSON object per line.
func EncodeJSONL(w io.Writer, records []model.Record) error {
	return encodeLines(w, records)
}

func encodeLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode line %d: %w", i+1, err)
		}
	}
	return nil
}

// EncodeCSV writes a header row followed by one row per record.
func EncodeCSV(w io.Writer, records []model.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, r := range records {
		row := []string{
			r.Subject,
			strconv.FormatFloat(r.MoodScore, 'f', -1, 64),
			r.PrimaryTag,
			strconv.FormatBool(r.IsRegrettable),
			r.MessageID,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadRecords loads a JSONL result log.
func ReadRecords(path string) ([]model.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open result log: %w", err)
	}
	defer file.Close()
	return DecodeJSONL(file)
}

func DecodeJSONL(r io.Reader) ([]model.Record, error) {
	records := []model.Record{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("parse result line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read result log: %w", err)
	}
	return records, nil
}
