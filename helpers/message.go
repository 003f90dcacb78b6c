package helpers

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/k3a/html2text"
)

// ErrNoHeader is returned by SplitMessage when the input has no parsable header block.
var ErrNoHeader = errors.New("message has no header block")

// RawParts is a raw RFC 5322 message split at the header/body boundary.
type RawParts struct {
	Header string
	Body   string
	Date   time.Time
}

// SplitMessage separates the header block from the body, keeping both as
// the raw text found in the message. The Date header is parsed when present;
// a missing or broken date leaves Date zero.
func SplitMessage(raw []byte) (*RawParts, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrNoHeader)
	}

	src := bytes.NewReader(raw)
	br := bufio.NewReader(src)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHeader, err)
	}
	if h.Len() == 0 {
		return nil, fmt.Errorf("%w: no header fields", ErrNoHeader)
	}

	consumed := len(raw) - src.Len() - br.Buffered()
	parts := &RawParts{
		Header: strings.TrimRight(string(raw[:consumed]), "\r\n"),
		Body:   string(raw[consumed:]),
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	if date, err := mh.Date(); err == nil {
		parts.Date = date
	}

	return parts, nil
}

// ExtractText decodes a message given as separate header and body text into
// a single scanning string. Multipart messages are walked depth first;
// transfer encodings and charsets are decoded by go-message, HTML parts are
// flattened to text and embedded messages (message/rfc822, delivery status,
// returned headers) are kept verbatim so that their header lines can be
// searched. Non-text attachments are skipped.
func ExtractText(header, body string) (string, error) {
	raw := strings.TrimRight(header, "\r\n") + "\r\n\r\n" + body

	entity, err := message.Read(strings.NewReader(raw))
	if err != nil && !isRecoverable(err) {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}

	var sb strings.Builder
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil && (part == nil || !isRecoverable(err)) {
			return err
		}

		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if !isTextual(mediaType) {
			return nil
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("failed to read part %v: %w", path, err)
		}

		if mediaType == "text/html" {
			sb.WriteString(html2text.HTML2Text(string(content)))
		} else {
			sb.Write(content)
		}
		sb.WriteString("\n")
		return nil
	})
	if walkErr != nil {
		return "", fmt.Errorf("failed to walk message: %w", walkErr)
	}

	return SanitizeUTF8(sb.String()), nil
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func isTextual(mediaType string) bool {
	switch {
	case mediaType == "":
		return true
	case strings.HasPrefix(mediaType, "text/"):
		return true
	case strings.HasPrefix(mediaType, "message/"):
		return true
	}
	return false
}
