// Package imap reads the messages of an IMAP folder as an annotation source.
package imap

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mbox-mood/mbox"
	"github.com/dhcgn/mbox-mood/model"
)

const (
	DefaultFolder    = "INBOX"
	DefaultBatchSize = 50
)

var ErrNotIMAPURL = errors.New("not an imap:// or imaps:// url")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	BatchSize          uint32
}

// IsURL reports whether s names an IMAP mailbox rather than a file.
func IsURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(lower, "imap://") || strings.HasPrefix(lower, "imaps://")
}

// ParseURL reads imap[s]://user@host[:port]/Folder[?insecure=true]. The
// password is never taken from the URL.
func ParseURL(raw string) (Options, error) {
	if !IsURL(raw) {
		return Options{}, ErrNotIMAPURL
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Options{}, fmt.Errorf("parse imap url: %w", err)
	}

	opts := Options{
		Host:      u.Hostname(),
		UseTLS:    strings.EqualFold(u.Scheme, "imaps"),
		Folder:    strings.TrimPrefix(u.Path, "/"),
		BatchSize: DefaultBatchSize,
	}
	if opts.Host == "" {
		return Options{}, fmt.Errorf("imap url %q has no host", raw)
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		if _, set := u.User.Password(); set {
			return Options{}, fmt.Errorf("imap url must not contain a password, use IMAP_PASS")
		}
	}

	opts.Port = 143
	if opts.UseTLS {
		opts.Port = 993
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 {
			return Options{}, fmt.Errorf("invalid imap port %q", p)
		}
		opts.Port = port
	}

	if v := u.Query().Get("insecure"); v != "" {
		insecure, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("invalid insecure flag %q", v)
		}
		opts.InsecureSkipVerify = insecure
	}
	return opts, nil
}

// Source fetches a folder read-only in batches of whole messages.
type Source struct {
	opts    Options
	client  *imapclient.Client
	cleanup func()
	logger  *slog.Logger

	total   uint32
	next    uint32
	pending []*imapclient.FetchMessageBuffer
}

var bodySection = &imapv2.FetchItemBodySection{Peek: true}

func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}

	s := &Source{opts: opts, logger: logger, next: 1}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cleanup = cleanup

	data, err := client.Select(s.folder(), &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("select mailbox %s: %w", s.folder(), err)
	}
	s.total = data.NumMessages
	if logger != nil {
		logger.Debug("imap mailbox selected", "mailbox", s.folder(), "messages", s.total)
	}
	return s, nil
}

// Total is the message count reported when the folder was selected.
func (s *Source) Total() int {
	return int(s.total)
}

// Next returns messages in sequence-number order and io.EOF after the last.
func (s *Source) Next(ctx context.Context) (model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return model.Envelope{}, err
	}
	if len(s.pending) == 0 {
		if s.next > s.total {
			return model.Envelope{}, io.EOF
		}
		if err := s.fetchBatch(); err != nil {
			return model.Envelope{}, err
		}
		if len(s.pending) == 0 {
			return model.Envelope{}, io.EOF
		}
	}

	buf := s.pending[0]
	s.pending = s.pending[1:]
	raw := buf.FindBodySection(bodySection)
	return mbox.Parse(int(buf.SeqNum)-1, raw), nil
}

func (s *Source) fetchBatch() error {
	stop := s.next + s.opts.BatchSize - 1
	if stop > s.total {
		stop = s.total
	}

	var seqSet imapv2.SeqSet
	seqSet.AddRange(s.next, stop)
	msgs, err := s.client.Fetch(seqSet, &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}).Collect()
	if err != nil {
		return fmt.Errorf("fetch messages %d:%d: %w", s.next, stop, err)
	}

	s.next = stop + 1
	s.pending = inMailboxOrder(msgs)
	return nil
}

// inMailboxOrder sorts fetched messages by sequence number, since servers
// may answer a FETCH out of order.
func inMailboxOrder(msgs []*imapclient.FetchMessageBuffer) []*imapclient.FetchMessageBuffer {
	slices.SortStableFunc(msgs, func(a, b *imapclient.FetchMessageBuffer) int {
		return cmp.Compare(a.SeqNum, b.SeqNum)
	})
	return msgs
}

func (s *Source) Close() error {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
	return nil
}

func (s *Source) folder() string {
	if s.opts.Folder == "" {
		return DefaultFolder
	}
	return s.opts.Folder
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "mailbox", s.folder(), "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}
