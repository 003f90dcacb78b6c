package bounce

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const returnedReport = "This is the mail system at host mx.example.net.\n" +
	"\n" +
	"<jane@example.org>: host mail.example.org said: 550 5.1.1 user unknown\n" +
	"\n" +
	"Reporting-MTA: dns; mx.example.net\n" +
	"Final-Recipient: rfc822; Jane@Example.ORG\n" +
	"Action: failed\n" +
	"Status: 5.1.1\n" +
	"\n" +
	"Return-Path: <bounces+42@lists.example.com>\n" +
	"X-MessageId: 7\n" +
	"X-ListMember: 42\n" +
	"Subject: October newsletter\n"

func TestFindUserID(t *testing.T) {
	p := NewParser("", "")

	tests := []struct {
		name string
		text string
		want int64
		ok   bool
	}{
		{"list member header", "X-ListMember: 42\n", 42, true},
		{"user id header with brackets", "X-User-Id: <17>\n", 17, true},
		{"quoted in reply", "> X-ListMember: 42\n", 42, true},
		{"folded header", "X-ListMember:\n\t 42\n", 42, true},
		{"verp address", "To: bounces+42@lists.example.com\n", 42, true},
		{"verp address with campaign suffix", "Return-Path: <bounces-u99-7@lists.example.com>\n", 99, true},
		{"prefix inside another local part", "To: mybounces+42@lists.example.com\n", 0, false},
		{"zero id", "X-ListMember: 0\n", 0, false},
		{"email in member header", "X-ListMember: bob@example.com\n", 0, false},
		{"nothing", "550 user unknown\n", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.FindUserID(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindUserIDPrefersHeaderOverVERP(t *testing.T) {
	p := NewParser("", "")
	id, ok := p.FindUserID("To: bounces+5@lists.example.com\nX-ListMember: 42\n")
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestFindMessageID(t *testing.T) {
	p := NewParser("", "")

	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"campaign", "X-MessageId: 7\n", "7", true},
		{"dashed header with leading zeros", "X-Message-Id: 007\n", "7", true},
		{"sentinel any case", "X-MessageId: SystemMessage\n", "systemmessage", true},
		{"soft line break", "X-Message=\nId: 12\n", "12", true},
		{"zero", "X-MessageId: 0\n", "", false},
		{"missing", "Subject: hello\n", "", false},
		{"not a header line", "see X-MessageId: 7 above", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.FindMessageID(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCustomSentinelAndPrefix(t *testing.T) {
	p := NewParser("sysmsg", "return")
	assert.Equal(t, "sysmsg", p.Sentinel())

	mid, ok := p.FindMessageID("X-MessageId: SYSMSG\n")
	require.True(t, ok)
	assert.True(t, p.IsSystemMessage(mid))

	_, ok = p.FindMessageID("X-MessageId: systemmessage\n")
	assert.False(t, ok)

	id, ok := p.FindUserID("To: return+8@lists.example.com\n")
	require.True(t, ok)
	assert.Equal(t, int64(8), id)
}

func TestFindRecipientEmail(t *testing.T) {
	p := NewParser("", "")

	assert.Equal(t, "jane@example.org", p.FindRecipientEmail("Final-Recipient: rfc822; Jane@Example.ORG\r\n"))
	assert.Equal(t, "jane@example.org", p.FindRecipientEmail("Original-Recipient: rfc822;<jane@example.org>\n"))
	assert.Equal(t, "bob@example.com", p.FindRecipientEmail("X-ListMember: bob@example.com\n"))
	assert.Empty(t, p.FindRecipientEmail("Final-Recipient: x400; whatever\n"))
}

func TestIdentify(t *testing.T) {
	p := NewParser("", "")

	ids := p.Identify(returnedReport)
	assert.Equal(t, int64(42), ids.UserID)
	assert.Equal(t, "7", ids.MessageID)
	assert.Equal(t, "jane@example.org", ids.Email)
	assert.True(t, ids.Found())

	assert.False(t, p.Identify("550 mailbox unavailable\n").Found())
}

func TestIsSystemMessage(t *testing.T) {
	p := NewParser("", "")
	assert.True(t, p.IsSystemMessage("systemmessage"))
	assert.True(t, p.IsSystemMessage("SYSTEMMESSAGE"))
	assert.False(t, p.IsSystemMessage(""))
	assert.False(t, p.IsSystemMessage("7"))
}

func TestCampaignID(t *testing.T) {
	id, ok := CampaignID("7")
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	for _, s := range []string{"", "-1", "0", "abc", "systemmessage"} {
		_, ok := CampaignID(s)
		assert.False(t, ok, s)
	}
}

func TestDecodeBody(t *testing.T) {
	text := DecodeBody("Content-Type: text/plain\r\nContent-Transfer-Encoding: base64",
		"NTUwIDUuMS4xIHVzZXIgdW5rbm93bg==\r\n")
	assert.Equal(t, "550 5.1.1 user unknown", strings.TrimSpace(text))
}

func TestBounceText(t *testing.T) {
	b := &Bounce{Header: "Subject: failure", Data: "user unknown"}
	assert.Equal(t, "Subject: failure\n\nuser unknown", b.Text())
}
