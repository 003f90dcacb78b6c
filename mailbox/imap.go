package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/migadu/bouncer/config"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/logger"
)

// IMAPReader reads one or more folders of an IMAP account. Purged messages
// are flagged \Deleted and expunged when the folder is left.
type IMAPReader struct {
	cfg   config.RemoteMailboxConfig
	opts  Options
	limit limiter

	client  *imapclient.Client
	folder  string
	uids    []imap.UID
	pos     int
	deleted int
}

// NewIMAPReader creates a reader for the account described by cfg.
func NewIMAPReader(cfg config.RemoteMailboxConfig, opts Options) *IMAPReader {
	return &IMAPReader{cfg: cfg, opts: opts, limit: limiter{max: opts.Maximum}}
}

func (r *IMAPReader) Source() string { return "imap" }

func (r *IMAPReader) connect() error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.GetPort(993, 143)))

	var (
		client *imapclient.Client
		err    error
	)
	if r.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &imapclient.Options{
			TLSConfig: &tls.Config{
				ServerName:         r.cfg.Host,
				InsecureSkipVerify: r.cfg.TLSSkipVerify,
			},
		})
	} else {
		client, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", consts.ErrMailboxConnection, addr, err)
	}

	switch r.cfg.GetAuth() {
	case "none":
	case "plain":
		err = client.Authenticate(sasl.NewPlainClient("", r.cfg.User, r.cfg.Password))
	default:
		err = client.Login(r.cfg.User, r.cfg.Password).Wait()
	}
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: authentication failed for %s: %v", consts.ErrMailboxConnection, r.cfg.User, err)
	}

	r.client = client
	return nil
}

// Open selects folder, read-only in test mode, and lists its messages.
func (r *IMAPReader) Open(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.client == nil {
		if err := r.connect(); err != nil {
			return err
		}
	}
	if err := r.expunge(); err != nil {
		return err
	}

	if _, err := r.client.Select(folder, &imap.SelectOptions{ReadOnly: r.opts.Test}).Wait(); err != nil {
		return fmt.Errorf("%w: select %q: %v", consts.ErrUnsupportedMailbox, folder, err)
	}

	searchData, err := r.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return fmt.Errorf("search %q: %w", folder, err)
	}

	r.folder = folder
	r.uids = nil
	r.pos = 0
	if uidSet, ok := searchData.All.(imap.UIDSet); ok {
		if uids, ok := uidSet.Nums(); ok {
			r.uids = uids
		}
	}

	logger.Info("Mailbox: opened IMAP folder", "host", r.cfg.Host, "folder", folder,
		"messages", len(r.uids), "test", r.opts.Test)
	return nil
}

// Next fetches the next message of the selected folder.
func (r *IMAPReader) Next(ctx context.Context) (*Message, error) {
	for r.client != nil && r.pos < len(r.uids) && !r.limit.exhausted() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		uid := r.uids[r.pos]
		r.pos++

		raw, err := r.fetch(uid)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			// Expunged by another client since the search.
			continue
		}

		r.limit.take()
		return newMessage(r.folder, uint32(uid), raw)
	}
	return nil, io.EOF
}

func (r *IMAPReader) fetch(uid imap.UID) ([]byte, error) {
	cmd := r.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})

	var (
		raw     []byte
		readErr error
	)
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
				raw, readErr = io.ReadAll(data.Literal)
			}
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("fetch UID %d: %w", uid, readErr)
	}
	return raw, nil
}

// Purge flags msg \Deleted.
func (r *IMAPReader) Purge(ctx context.Context, msg *Message, processed bool) error {
	if !r.opts.ShouldPurge(processed) || msg == nil || r.client == nil || msg.Mailbox != r.folder {
		return nil
	}

	flags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := r.client.Store(imap.UIDSetNum(imap.UID(msg.Seq)), flags, nil).Close(); err != nil {
		return fmt.Errorf("flag UID %d deleted: %w", msg.Seq, err)
	}
	r.deleted++
	return nil
}

func (r *IMAPReader) expunge() error {
	if r.deleted == 0 {
		return nil
	}
	if err := r.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge %q: %w", r.folder, err)
	}
	logger.Info("Mailbox: expunged IMAP messages", "folder", r.folder, "purged", r.deleted)
	r.deleted = 0
	return nil
}

// Close expunges purged messages and logs out.
func (r *IMAPReader) Close() error {
	if r.client == nil {
		return nil
	}
	client := r.client
	expungeErr := r.expunge()
	r.client = nil

	if err := client.Logout().Wait(); err != nil {
		client.Close()
		if expungeErr != nil {
			return expungeErr
		}
		return fmt.Errorf("logout: %w", err)
	}
	if err := client.Close(); err != nil && expungeErr == nil {
		return err
	}
	return expungeErr
}
