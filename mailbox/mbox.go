package mailbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/emersion/go-mbox"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

// MboxReader reads local mailbox files in mbox format. Purged messages are
// removed by rewriting the file when it is closed or the next file is opened,
// holding the dotlock and a kernel lock so concurrent deliveries are kept.
type MboxReader struct {
	opts  Options
	limit limiter

	path    string
	file    *os.File
	reader  *mbox.Reader
	seq     uint32
	deleted map[uint32]bool
}

// NewMboxReader creates a reader for local mbox files.
func NewMboxReader(opts Options) *MboxReader {
	return &MboxReader{opts: opts, limit: limiter{max: opts.Maximum}}
}

func (r *MboxReader) Source() string { return "mbox" }

// Open starts reading the mbox file at path.
func (r *MboxReader) Open(ctx context.Context, path string) error {
	if err := r.finish(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", consts.ErrMailboxConnection, path, err)
	}

	r.path = path
	r.file = f
	r.reader = mbox.NewReader(f)
	r.seq = 0
	r.deleted = make(map[uint32]bool)

	logger.Info("Mailbox: opened mbox", "path", path, "test", r.opts.Test)
	return nil
}

// Next reads the next message of the open file.
func (r *MboxReader) Next(ctx context.Context) (*Message, error) {
	if r.reader == nil {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.limit.exhausted() {
		return nil, io.EOF
	}

	mr, err := r.reader.NextMessage()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}

	raw, err := io.ReadAll(mr)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}

	r.seq++
	r.limit.take()
	return newMessage(r.path, r.seq, raw)
}

// Purge marks msg for removal from its file.
func (r *MboxReader) Purge(ctx context.Context, msg *Message, processed bool) error {
	if !r.opts.ShouldPurge(processed) || msg == nil || msg.Mailbox != r.path {
		return nil
	}
	r.deleted[msg.Seq] = true
	return nil
}

// Close rewrites the open file if messages were purged.
func (r *MboxReader) Close() error {
	return r.finish()
}

func (r *MboxReader) finish() error {
	if r.file == nil {
		return nil
	}
	path, deleted := r.path, r.deleted

	err := r.file.Close()
	r.file, r.reader = nil, nil
	if err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}

	if len(deleted) == 0 {
		return nil
	}
	return rewriteMbox(path, deleted)
}

// rewriteMbox removes the deleted messages from path in place. The file is
// locked for the whole read-modify-write, and messages are copied byte for
// byte so envelope lines keep their original sender.
func rewriteMbox(path string, deleted map[uint32]bool) error {
	lk, err := lockMbox(path)
	if err != nil {
		return err
	}
	defer lk.unlock()

	data, err := io.ReadAll(lk.file)
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}

	from := -1
	var rest bytes.Buffer
	kept, purged := 0, 0
	for i, m := range splitMbox(data) {
		if deleted[uint32(i+1)] {
			purged++
			if from < 0 {
				from = m.start
			}
			continue
		}
		kept++
		if from >= 0 {
			rest.Write(data[m.start:m.end])
		}
	}
	if from < 0 {
		return nil
	}

	if beforeMboxTruncate != nil {
		beforeMboxTruncate(path)
	}

	// Writers that ignore both locks may have appended since the read.
	info, err := lk.file.Stat()
	if err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if grown := info.Size() - int64(len(data)); grown > 0 {
		tail := make([]byte, grown)
		n, err := lk.file.ReadAt(tail, int64(len(data)))
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("rewrite %s: %w", path, err)
		}
		rest.Write(tail[:n])
		logger.Warn("Mailbox: mbox grew while locked, kept appended data", "path", path, "bytes", n)
	}

	if _, err := lk.file.WriteAt(rest.Bytes(), int64(from)); err != nil {
		return fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := lk.file.Truncate(int64(from + rest.Len())); err != nil {
		return fmt.Errorf("truncate %s: %w", path, err)
	}
	if err := lk.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}

	logger.Info("Mailbox: purged mbox messages", "path", path, "purged", purged, "kept", kept)
	return nil
}

// beforeMboxTruncate runs between reading and rewriting a locked mbox.
var beforeMboxTruncate func(path string)

var envelopePrefix = []byte("From ")

type mboxSpan struct {
	start, end int
}

// splitMbox returns the byte range of every message in data, envelope line
// included. A message starts at each line beginning with "From ", the same
// boundary the reader uses. Anything before the first envelope is left out.
func splitMbox(data []byte) []mboxSpan {
	var spans []mboxSpan
	for off := 0; off < len(data); {
		if bytes.HasPrefix(data[off:], envelopePrefix) {
			if len(spans) > 0 {
				spans[len(spans)-1].end = off
			}
			spans = append(spans, mboxSpan{start: off, end: len(data)})
		}
		nl := bytes.IndexByte(data[off:], '\n')
		if nl < 0 {
			break
		}
		off += nl + 1
	}
	return spans
}
