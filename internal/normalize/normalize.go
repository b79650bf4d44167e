package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/maildigest/internal/model"
)

// maxPartBytes caps how much of a single body part is read.
const maxPartBytes = 1 << 20

// HashPrefix marks remote ids derived from message content.
const HashPrefix = "sha256:"

// Parse turns a raw RFC 5322 message into a partial Email: account, ID
// and score are left for the caller. Missing optional headers never fail
// parsing; a *ParseError is returned only when the header block itself
// cannot be read.
func Parse(raw []byte) (*model.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ParseError{Reason: "empty message"}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &ParseError{Reason: "unreadable header", Err: err}
	}
	defer mr.Close()

	h := mr.Header
	email := &model.Email{
		RemoteID:   remoteID(h, raw),
		Subject:    subject(h),
		ReceivedAt: receivedAt(h),
	}
	email.SenderAddress, email.SenderName = sender(h)

	textBody, htmlBody := readBodies(mr)
	switch {
	case strings.TrimSpace(textBody) != "":
		email.Body = CleanText(textBody)
	case htmlBody != "":
		email.Body = HTMLToText(htmlBody)
	}

	return email, nil
}

// RemoteIDFor returns the remote id Parse would assign to raw. Fetchers
// use it to match envelope Message-Ids against the ledger.
func RemoteIDFor(messageID string, raw []byte) string {
	if id := trimMessageID(messageID); id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return HashPrefix + hex.EncodeToString(sum[:])
}

func remoteID(h mail.Header, raw []byte) string {
	id, err := h.MessageID()
	if err != nil || id == "" {
		id = h.Get("Message-Id")
	}
	return RemoteIDFor(id, raw)
}

func trimMessageID(id string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		s = h.Get("Subject")
	}
	return strings.ToValidUTF8(strings.TrimSpace(s), "�")
}

func sender(h mail.Header) (address, name string) {
	for _, key := range []string{"From", "Sender", "Reply-To"} {
		list, err := h.AddressList(key)
		if err == nil && len(list) > 0 {
			return strings.ToLower(list[0].Address), strings.ToValidUTF8(list[0].Name, "�")
		}
		if raw := strings.TrimSpace(h.Get(key)); raw != "" {
			return strings.ToLower(strings.Trim(raw, "<>")), ""
		}
	}
	return "", ""
}

// receivedAt prefers the newest Received trace header over the
// sender-controlled Date header.
func receivedAt(h mail.Header) time.Time {
	fields := h.FieldsByKey("Received")
	for fields.Next() {
		v := fields.Value()
		if i := strings.LastIndex(v, ";"); i >= 0 {
			if t, err := netmail.ParseDate(strings.TrimSpace(v[i+1:])); err == nil {
				return t.UTC()
			}
		}
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		return t.UTC()
	}
	return time.Time{}
}

// readBodies returns the first text/plain and first text/html inline
// parts. Attachments are ignored and a damaged part ends the walk with
// whatever was read so far.
func readBodies(mr *mail.Reader) (textBody, htmlBody string) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return textBody, htmlBody
		}
		if err != nil && (part == nil || !message.IsUnknownCharset(err)) {
			return textBody, htmlBody
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = readPart(part.Body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = readPart(part.Body)
		}
	}
}

func readPart(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxPartBytes))
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && len(body) == 0 {
		return ""
	}
	return string(body)
}
