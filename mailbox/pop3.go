package mailbox

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/knadh/go-pop3"
	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

// POP3Reader reads the INBOX of a POP3 account. Purged messages are marked
// with DELE and removed by the server when the session ends with QUIT.
type POP3Reader struct {
	cfg   config.RemoteMailboxConfig
	opts  Options
	limit limiter

	client *pop3.Client
	conn   *pop3.Conn
	count  int
	next   int
}

// NewPOP3Reader creates a reader for the account described by cfg.
func NewPOP3Reader(cfg config.RemoteMailboxConfig, opts Options) *POP3Reader {
	return &POP3Reader{
		cfg:   cfg,
		opts:  opts,
		limit: limiter{max: opts.Maximum},
		client: pop3.New(pop3.Opt{
			Host:          cfg.Host,
			Port:          cfg.GetPort(995, 110),
			TLSEnabled:    cfg.TLS,
			TLSSkipVerify: cfg.TLSSkipVerify,
		}),
	}
}

func (r *POP3Reader) Source() string { return "pop3" }

// Open connects and authenticates on first use. POP3 only has an INBOX.
func (r *POP3Reader) Open(ctx context.Context, mailbox string) error {
	if mailbox != "" && !strings.EqualFold(mailbox, "INBOX") {
		return fmt.Errorf("%w: POP3 has no mailbox %q", consts.ErrUnsupportedMailbox, mailbox)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if r.conn == nil {
		conn, err := r.client.NewConn()
		if err != nil {
			return fmt.Errorf("%w: %s:%d: %v", consts.ErrMailboxConnection, r.cfg.Host, r.cfg.GetPort(995, 110), err)
		}
		if r.cfg.GetAuth() != "none" {
			if err := conn.Auth(r.cfg.User, r.cfg.Password); err != nil {
				conn.Quit()
				return fmt.Errorf("%w: authentication failed for %s: %v", consts.ErrMailboxConnection, r.cfg.User, err)
			}
		}
		r.conn = conn
	}

	count, size, err := r.conn.Stat()
	if err != nil {
		return fmt.Errorf("%w: STAT: %v", consts.ErrMailboxConnection, err)
	}
	r.count = count
	r.next = 1

	logger.Info("Mailbox: opened POP3 mailbox", "host", r.cfg.Host, "user", r.cfg.User,
		"messages", count, "size", size, "test", r.opts.Test)
	return nil
}

// Next retrieves the next message.
func (r *POP3Reader) Next(ctx context.Context) (*Message, error) {
	if r.conn == nil || r.next > r.count || r.limit.exhausted() {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := r.next
	r.next++

	buf, err := r.conn.RetrRaw(id)
	if err != nil {
		return nil, fmt.Errorf("RETR %d: %w", id, err)
	}

	r.limit.take()
	return newMessage("INBOX", uint32(id), buf.Bytes())
}

// Purge marks msg for deletion.
func (r *POP3Reader) Purge(ctx context.Context, msg *Message, processed bool) error {
	if !r.opts.ShouldPurge(processed) || msg == nil || r.conn == nil {
		return nil
	}
	if err := r.conn.Dele(int(msg.Seq)); err != nil {
		return fmt.Errorf("DELE %d: %w", msg.Seq, err)
	}
	return nil
}

// Close ends the session, which commits pending deletions.
func (r *POP3Reader) Close() error {
	if r.conn == nil {
		return nil
	}
	conn := r.conn
	r.conn = nil
	if err := conn.Quit(); err != nil {
		return fmt.Errorf("QUIT: %w", err)
	}
	return nil
}
