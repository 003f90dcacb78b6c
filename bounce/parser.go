package bounce

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/migadu/bouncer/consts"
	"github.com/migadu/bouncer/helpers"
)

var (
	// Relays re-wrap long header lines and sometimes hand back the original
	// message quoted-printable encoded.
	reFolded     = regexp.MustCompile(`\r?\n[ \t]+`)
	reSoftBreak  = regexp.MustCompile(`=\r?\n`)
	reQPEquals   = regexp.MustCompile(`(?i)=3D`)
	reUserHeader = regexp.MustCompile(`(?im)^[ \t>]*X-(?:ListMember|User|Subscriber)(?:-?Id)?[ \t]*:[ \t]*[<"']?[ \t]*(\d+)\b`)
	reUserEmail  = regexp.MustCompile(`(?im)^[ \t>]*X-(?:ListMember|User)[ \t]*:[ \t]*[<"']?[ \t]*([^\s<>"'@]+@[^\s<>"';]+)`)
	reRecipient  = regexp.MustCompile(`(?im)^[ \t>]*(?:Final|Original)-Recipient[ \t]*:[ \t]*rfc822[ \t]*;[ \t]*<?([^\s<>;"]+@[^\s<>;"]+?)>?[ \t]*\r?$`)
)

// Identifiers are the ids recovered from one bounce report.
type Identifiers struct {
	UserID    int64  // 0 when no subscriber id was found
	MessageID string // numeric campaign id or the system sentinel; "" when absent
	Email     string // recipient address, used when UserID is 0
}

// Found reports whether any identifier was recovered.
func (ids Identifiers) Found() bool {
	return ids.UserID > 0 || ids.MessageID != "" || ids.Email != ""
}

// Parser extracts identifiers from decoded bounce text.
type Parser struct {
	sentinel  string
	verp      *regexp.Regexp
	messageID *regexp.Regexp
}

// NewParser returns a parser recognising sentinel as the system message id
// and verpPrefix as the local part of VERP bounce addresses.
func NewParser(sentinel, verpPrefix string) *Parser {
	if sentinel == "" {
		sentinel = consts.SystemMessageSentinel
	}
	if verpPrefix == "" {
		verpPrefix = consts.DefaultVERPPrefix
	}

	return &Parser{
		sentinel: sentinel,
		verp: regexp.MustCompile(`(?i)(?:^|[^a-z0-9._-])` + regexp.QuoteMeta(verpPrefix) +
			`[+=-]u?(\d+)(?:[-=.+][^@\s<>"]*)?@[a-z0-9.-]+`),
		messageID: regexp.MustCompile(`(?im)^[ \t>]*X-Message(?:-?Id)?[ \t]*:[ \t]*[<"']?[ \t]*(\d+|` +
			regexp.QuoteMeta(sentinel) + `)\b`),
	}
}

// Sentinel returns the system message token.
func (p *Parser) Sentinel() string {
	return p.sentinel
}

// DecodeBody collapses a MIME body into one scanning string. Any decoding
// problem yields the raw body instead.
func DecodeBody(header, body string) string {
	text, err := helpers.ExtractText(header, body)
	if err != nil || strings.TrimSpace(text) == "" {
		return helpers.SanitizeUTF8(body)
	}
	return text
}

// FindUserID recovers a subscriber id from list headers copied into the
// report or from a VERP bounce address.
func (p *Parser) FindUserID(text string) (int64, bool) {
	text = normalize(text)

	if m := reUserHeader.FindStringSubmatch(text); m != nil {
		if id, ok := parseID(m[1]); ok {
			return id, true
		}
	}

	if m := p.verp.FindStringSubmatch(text); m != nil {
		if id, ok := parseID(m[1]); ok {
			return id, true
		}
	}

	return 0, false
}

// FindMessageID recovers the campaign id or the system sentinel.
func (p *Parser) FindMessageID(text string) (string, bool) {
	m := p.messageID.FindStringSubmatch(normalize(text))
	if m == nil {
		return "", false
	}
	if strings.EqualFold(m[1], p.sentinel) {
		return p.sentinel, true
	}
	if _, ok := parseID(m[1]); !ok {
		return "", false
	}
	return strings.TrimLeft(m[1], "0"), true
}

// FindRecipientEmail returns the failed recipient address named by a
// delivery status report or a list member header, lower-cased.
func (p *Parser) FindRecipientEmail(text string) string {
	text = normalize(text)

	if m := reUserEmail.FindStringSubmatch(text); m != nil {
		return helpers.NormalizeEmail(m[1])
	}
	if m := reRecipient.FindStringSubmatch(text); m != nil {
		return helpers.NormalizeEmail(m[1])
	}
	return ""
}

// Identify runs every extractor over text.
func (p *Parser) Identify(text string) Identifiers {
	ids := Identifiers{Email: p.FindRecipientEmail(text)}
	if id, ok := p.FindUserID(text); ok {
		ids.UserID = id
	}
	if mid, ok := p.FindMessageID(text); ok {
		ids.MessageID = mid
	}
	return ids
}

// IsSystemMessage reports whether messageID is the sentinel.
func (p *Parser) IsSystemMessage(messageID string) bool {
	return messageID != "" && strings.EqualFold(messageID, p.sentinel)
}

// CampaignID parses a numeric message id.
func CampaignID(messageID string) (int64, bool) {
	return parseID(messageID)
}

func normalize(text string) string {
	text = reSoftBreak.ReplaceAllString(text, "")
	text = reQPEquals.ReplaceAllString(text, "=")
	return reFolded.ReplaceAllString(text, " ")
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
