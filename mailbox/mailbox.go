// Package mailbox reads raw bounce messages from local mailbox files and
// remote POP3/IMAP mailboxes behind one Reader interface.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/helpers"
)

// Reader iterates the messages of one or more mailboxes. A Reader is owned
// by a single run and is not safe for concurrent use.
//
// Next returns io.EOF when the open mailbox is exhausted or the message
// cap is reached. Errors wrapping consts.ErrMalformedMessage concern that
// message only; iteration can continue. Any other error is fatal.
type Reader interface {
	Open(ctx context.Context, mailbox string) error
	Next(ctx context.Context) (*Message, error)
	Purge(ctx context.Context, msg *Message, processed bool) error
	Close() error
}

// Named is implemented by readers that report a source label for metrics.
type Named interface {
	Source() string
}

// SourceName returns the metrics label of r.
func SourceName(r Reader) string {
	if n, ok := r.(Named); ok {
		return n.Source()
	}
	return "unknown"
}

// Message is one raw message read from a mailbox.
type Message struct {
	Mailbox string
	Seq     uint32 // position in an mbox file, POP3 message number or IMAP UID
	Raw     []byte
	Header  string
	Body    string
	Date    time.Time
}

// Options are shared by every reader.
type Options struct {
	Test             bool // read only: never purge
	Maximum          int  // stop after this many messages per run (0: no cap)
	Purge            bool // purge messages whose bounce was attributed
	PurgeUnprocessed bool // purge messages whose bounce stayed unidentified
}

// ShouldPurge reports whether a message with the given outcome may be removed.
func (o Options) ShouldPurge(processed bool) bool {
	if o.Test {
		return false
	}
	if processed {
		return o.Purge
	}
	return o.PurgeUnprocessed
}

// limiter enforces Options.Maximum across all mailboxes of a run.
type limiter struct {
	max  int
	read int
}

func (l *limiter) exhausted() bool {
	return l.max > 0 && l.read >= l.max
}

func (l *limiter) take() {
	l.read++
}

// newMessage splits raw into header and body. The header is made valid UTF-8
// without NUL. A message without a header block is returned with an error
// wrapping consts.ErrMalformedMessage.
func newMessage(mailbox string, seq uint32, raw []byte) (*Message, error) {
	msg := &Message{Mailbox: mailbox, Seq: seq, Raw: raw, Date: time.Now()}

	parts, err := helpers.SplitMessage(raw)
	if err != nil {
		return msg, fmt.Errorf("%w: %s #%d: %v", consts.ErrMalformedMessage, mailbox, seq, err)
	}

	msg.Header = helpers.SanitizeHeader(parts.Header)
	msg.Body = parts.Body
	if !parts.Date.IsZero() {
		msg.Date = parts.Date
	}
	return msg, nil
}
