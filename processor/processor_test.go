package processor

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/migadu/bouncer/bounce"
	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/mailbox"
	"github.com/migadu/bouncer/testutils"
	"github.com/stretchr/testify/require"
)

// fakeReader serves canned messages per folder. A message with an empty
// header is returned as malformed.
type fakeReader struct {
	folders map[string][]*mailbox.Message
	openErr error

	current []*mailbox.Message
	pos     int
	purged  []uint32
	closed  bool
}

func newFakeReader() *fakeReader {
	return &fakeReader{folders: make(map[string][]*mailbox.Message)}
}

func (r *fakeReader) add(folder, header, body string) {
	seq := uint32(len(r.folders[folder]) + 1)
	r.folders[folder] = append(r.folders[folder], &mailbox.Message{
		Mailbox: folder,
		Seq:     seq,
		Raw:     []byte(header + "\r\n\r\n" + body),
		Header:  header,
		Body:    body,
		Date:    time.Date(2025, 10, 14, 9, 30, 0, 0, time.UTC),
	})
}

func (r *fakeReader) Source() string { return "fake" }

func (r *fakeReader) Open(ctx context.Context, name string) error {
	if r.openErr != nil {
		return r.openErr
	}
	r.current, r.pos = r.folders[name], 0
	return nil
}

func (r *fakeReader) Next(ctx context.Context) (*mailbox.Message, error) {
	if r.pos >= len(r.current) {
		return nil, io.EOF
	}
	msg := r.current[r.pos]
	r.pos++
	if msg.Header == "" {
		return msg, fmt.Errorf("%w: %s #%d", consts.ErrMalformedMessage, msg.Mailbox, msg.Seq)
	}
	return msg, nil
}

func (r *fakeReader) Purge(ctx context.Context, msg *mailbox.Message, processed bool) error {
	r.purged = append(r.purged, msg.Seq)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

const (
	listBounceHeader = "From: MAILER-DAEMON@mx.example.net\r\nSubject: Undelivered Mail Returned to Sender"
	listBounceBody   = "550 5.1.1 user unknown\r\n\r\nX-MessageId: 7\r\nX-ListMember: 42\r\n"
	strayHeader      = "From: someone@example.net\r\nSubject: out of office"
	strayBody        = "I am away until Monday.\r\n"
)

func newTestProcessor(t *testing.T, opts Options) (*Processor, *testutils.MemStore) {
	t.Helper()
	store := testutils.NewMemStore()
	store.SetSubscriber(bounce.Subscriber{ID: 42, Email: "jane@example.org", Confirmed: true})
	return New(store, opts), store
}

func mustCreateBounce(t *testing.T, store *testutils.MemStore, b *bounce.Bounce) int64 {
	t.Helper()
	id, err := store.CreateBounce(context.Background(), b)
	require.NoError(t, err)
	return id
}

func mustAttribute(t *testing.T, store *testutils.MemStore, subscriberID, campaignID, bounceID int64) {
	t.Helper()
	_, err := store.CreateUserMessageBounce(context.Background(), &bounce.UserMessageBounce{
		SubscriberID: subscriberID,
		CampaignID:   campaignID,
		BounceID:     bounceID,
	})
	require.NoError(t, err)
}
