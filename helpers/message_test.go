package helpers

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dsnHeader = "From: Mail Delivery System <MAILER-DAEMON@mx.example.net>\r\n" +
	"To: bounces+42@lists.example.com\r\n" +
	"Subject: Undelivered Mail Returned to Sender\r\n" +
	"Date: Tue, 14 Oct 2025 09:30:00 +0200\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/report; report-type=delivery-status; boundary=\"BOUNDARY\""

const dsnBody = "--BOUNDARY\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"The mailbox is full=2E Please retry=\r\n" +
	" later.\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/delivery-status\r\n" +
	"\r\n" +
	"Final-Recipient: rfc822; jane@example.org\r\n" +
	"Status: 5.2.2\r\n" +
	"--BOUNDARY\r\n" +
	"Content-Type: message/rfc822\r\n" +
	"\r\n" +
	"X-MessageId: 7\r\n" +
	"X-ListMember: 42\r\n" +
	"Subject: October newsletter\r\n" +
	"\r\n" +
	"Hello\r\n" +
	"--BOUNDARY--\r\n"

func TestExtractTextMultipartReport(t *testing.T) {
	text, err := ExtractText(dsnHeader, dsnBody)
	require.NoError(t, err)

	assert.Contains(t, text, "The mailbox is full. Please retry later.")
	assert.Contains(t, text, "Final-Recipient: rfc822; jane@example.org")
	assert.Contains(t, text, "X-MessageId: 7")
	assert.Contains(t, text, "X-ListMember: 42")
}

func TestExtractTextBase64(t *testing.T) {
	header := "Content-Type: text/plain\r\nContent-Transfer-Encoding: base64"
	body := "NTUwIDUuMS4xIHVzZXIgdW5rbm93bg==\r\n"

	text, err := ExtractText(header, body)
	require.NoError(t, err)
	assert.Equal(t, "550 5.1.1 user unknown", strings.TrimSpace(text))
}

func TestExtractTextHTMLOnly(t *testing.T) {
	header := "Content-Type: text/html; charset=utf-8"
	body := "<html><body><p>Recipient <b>address rejected</b></p></body></html>"

	text, err := ExtractText(header, body)
	require.NoError(t, err)
	assert.Contains(t, text, "address rejected")
	assert.NotContains(t, text, "<b>")
}

func TestExtractTextSkipsBinaryAttachments(t *testing.T) {
	header := "Content-Type: multipart/mixed; boundary=\"XX\""
	body := "--XX\r\n" +
		"Content-Type: text/plain\r\n\r\n" +
		"delivery failed\r\n" +
		"--XX\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n" +
		"iVBORw0KGgo=\r\n" +
		"--XX--\r\n"

	text, err := ExtractText(header, body)
	require.NoError(t, err)
	assert.Contains(t, text, "delivery failed")
	assert.NotContains(t, text, "PNG")
}

func TestExtractTextUnknownCharset(t *testing.T) {
	header := "Content-Type: text/plain; charset=x-no-such-charset"
	body := "user unknown\r\n"

	text, err := ExtractText(header, body)
	require.NoError(t, err)
	assert.Contains(t, text, "user unknown")
}

func TestSplitMessage(t *testing.T) {
	raw := []byte(dsnHeader + "\r\n\r\n" + dsnBody)

	parts, err := SplitMessage(raw)
	require.NoError(t, err)

	assert.Equal(t, dsnHeader, parts.Header)
	assert.Equal(t, dsnBody, parts.Body)
	assert.Equal(t, time.Date(2025, 10, 14, 7, 30, 0, 0, time.UTC), parts.Date.UTC())
}

func TestSplitMessageLFOnly(t *testing.T) {
	raw := []byte("Subject: test\nX-User: 9\n\nbody line\n")

	parts, err := SplitMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "Subject: test\nX-User: 9", parts.Header)
	assert.Equal(t, "body line\n", parts.Body)
	assert.True(t, parts.Date.IsZero())
}

func TestSplitMessageRejectsGarbage(t *testing.T) {
	_, err := SplitMessage([]byte("   \r\n"))
	assert.ErrorIs(t, err, ErrNoHeader)

	_, err = SplitMessage([]byte("this is not a header line\r\n\r\nbody"))
	assert.ErrorIs(t, err, ErrNoHeader)
}
