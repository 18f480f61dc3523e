package mbox

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mbox-mood/model"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Reader yields messages from an mbox stream in file order.
type Reader struct {
	mr     *mboxlib.Reader
	closer func() error
	path   string
	logger *slog.Logger
	index  int
}

// Open opens the mbox file at path. Gzip and zstd compressed archives are
// detected from their magic bytes and decompressed on the fly.
func Open(path string, logger *slog.Logger) (*Reader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}

	src, closeSrc, err := decompress(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open mbox %s: %w", path, err)
	}

	r := NewReader(src, logger)
	r.path = path
	r.closer = func() error {
		closeSrc()
		return file.Close()
	}
	return r, nil
}

// NewReader reads an uncompressed mbox stream.
func NewReader(src io.Reader, logger *slog.Logger) *Reader {
	return &Reader{
		mr:     mboxlib.NewReader(src),
		closer: func() error { return nil },
		logger: logger,
	}
}

func decompress(file *os.File) (io.Reader, func(), error) {
	buffered := bufio.NewReader(file)
	head, err := buffered.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(buffered, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return dec, dec.Close, nil
	}
	return buffered, func() {}, nil
}

// Next returns the next message. io.EOF marks the end of the mailbox; any
// other error means the mailbox itself is unreadable. Per-message decoding
// problems are reported through Envelope.Err.
func (r *Reader) Next(ctx context.Context) (model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return model.Envelope{}, err
	}

	msgReader, err := r.mr.NextMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return model.Envelope{}, io.EOF
		}
		return model.Envelope{}, fmt.Errorf("message %d: %w", r.index, err)
	}

	raw, err := io.ReadAll(msgReader)
	if err != nil {
		return model.Envelope{}, fmt.Errorf("message %d read: %w", r.index, err)
	}

	env := Parse(r.index, raw)
	if env.Err != nil && r.logger != nil {
		r.logger.Warn("mbox message parse error", "path", r.path, "index", r.index, "err", env.Err)
	}
	r.index++
	return env, nil
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.closer()
}

// Parse decodes the header block of a raw RFC 5322 message. The subject is
// kept exactly as it appears in the header.
func Parse(index int, raw []byte) model.Envelope {
	sum := sha256.Sum256(raw)
	msg := model.Message{
		Index: index,
		Hash:  base64.StdEncoding.EncodeToString(sum[:]),
		Size:  int64(len(raw)),
		Raw:   raw,
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return model.Envelope{Message: msg, Err: fmt.Errorf("message %d parse: %w", index, err)}
	}

	msg.Subject = parsed.Header.Get("Subject")
	msg.From = parsed.Header.Get("From")
	msg.ID = strings.Trim(strings.TrimSpace(parsed.Header.Get("Message-Id")), " <>")

	if date := parsed.Header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.ReceivedAt = t
		}
	}

	return model.Envelope{Message: msg}
}

// CountMessages counts the messages in an mbox file without parsing them.
func CountMessages(path string) (int, error) {
	r, err := Open(path, nil)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	count := 0
	for {
		msgReader, err := r.mr.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}
