package normalize

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestParsePlainMessage(t *testing.T) {
	raw := crlf(
		"Message-Id: <abc123@example.com>",
		"From: Alice Example <Alice@Example.com>",
		"To: bob@example.com",
		"Subject: =?UTF-8?B?Q2Fmw6kgbWVldGluZw==?=",
		"Date: Tue, 10 Mar 2026 09:30:00 +0100",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello   Bob,",
		"",
		"",
		"",
		"See you at noon.",
		"",
	)

	e, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.com", e.RemoteID)
	assert.Equal(t, "Café meeting", e.Subject)
	assert.Equal(t, "alice@example.com", e.SenderAddress)
	assert.Equal(t, "Alice Example", e.SenderName)
	assert.Equal(t, "Hello Bob,\n\nSee you at noon.", e.Body)
	assert.True(t, e.ReceivedAt.Equal(time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)))
	assert.Empty(t, e.ID)
	assert.Empty(t, e.AccountID)
	assert.Nil(t, e.RelevanceScore)
}

func TestParsePrefersPlainPart(t *testing.T) {
	raw := crlf(
		"Message-Id: <multi@example.com>",
		"From: news@example.com",
		"Subject: Weekly",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain version",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html version</p>",
		"--b1--",
		"",
	)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain version", e.Body)
	assert.Equal(t, "news@example.com", e.SenderAddress)
}

func TestParseFallsBackToStrippedHTML(t *testing.T) {
	raw := crlf(
		"Message-Id: <html@example.com>",
		"From: shop@example.com",
		"Subject: Order",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Hello</p><p>World &amp; co</p><script>alert(1)</script></body></html>",
		"",
	)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, e.Body, "Hello")
	assert.Contains(t, e.Body, "World & co")
	assert.NotContains(t, e.Body, "<p>")
	assert.NotContains(t, e.Body, "alert")
}

func TestParseIgnoresAttachments(t *testing.T) {
	raw := crlf(
		"Message-Id: <att@example.com>",
		"From: a@example.com",
		"Subject: Report",
		`Content-Type: multipart/mixed; boundary="b2"`,
		"",
		"--b2",
		"Content-Type: text/plain",
		"",
		"see attached",
		"--b2",
		"Content-Type: text/plain",
		`Content-Disposition: attachment; filename="data.txt"`,
		"",
		"secret attachment text",
		"--b2--",
		"",
	)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "see attached", e.Body)
}

func TestParseWithoutMessageIDUsesContentHash(t *testing.T) {
	raw := crlf("From: a@example.com", "Subject: no id", "", "body", "")

	e1, err := Parse(raw)
	require.NoError(t, err)
	e2, err := Parse(raw)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(e1.RemoteID, HashPrefix))
	assert.Equal(t, e1.RemoteID, e2.RemoteID)

	other, err := Parse(crlf("From: a@example.com", "Subject: no id", "", "different body", ""))
	require.NoError(t, err)
	assert.NotEqual(t, e1.RemoteID, other.RemoteID)
}

func TestParseMissingOptionalFields(t *testing.T) {
	e, err := Parse(crlf("Subject: only a subject", "", "", ""))
	require.NoError(t, err)

	assert.Equal(t, "only a subject", e.Subject)
	assert.Empty(t, e.SenderAddress)
	assert.Empty(t, e.Body)
	assert.True(t, e.ReceivedAt.IsZero())
}

func TestParsePrefersReceivedOverDate(t *testing.T) {
	raw := crlf(
		"Received: from mx.example.com by mail.example.com; Wed, 11 Mar 2026 07:00:00 +0000",
		"Date: Mon, 09 Mar 2026 07:00:00 +0000",
		"From: a@example.com",
		"Subject: skew",
		"",
		"body",
		"",
	)

	e, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, e.ReceivedAt.Equal(time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)))
}

func TestParseRejectsUnreadableMessages(t *testing.T) {
	for name, raw := range map[string][]byte{
		"empty":      nil,
		"whitespace": []byte(" \r\n\t"),
		"no header":  crlf("this is not a header line", "", "body", ""),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
			assert.True(t, IsParseError(err))
		})
	}
}

func TestRemoteIDFor(t *testing.T) {
	assert.Equal(t, "x@y", RemoteIDFor("<x@y>", nil))
	assert.Equal(t, "x@y", RemoteIDFor(" x@y ", nil))
	assert.True(t, strings.HasPrefix(RemoteIDFor("", []byte("raw")), HashPrefix))
}

func TestExcerptAndCleanText(t *testing.T) {
	assert.Equal(t, "héllo", Excerpt("héllo", 10))
	assert.Equal(t, "hé…", Excerpt("héllo", 2))
	assert.Equal(t, "a b\n\nc", CleanText("a \t b\r\n\r\n\r\n\r\nc\r\n"))
	assert.Equal(t, "x", HTMLToText("<div>x</div>"))
}

func TestSubjectSurvivesParsing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("plain ASCII subjects round-trip", prop.ForAll(
		func(subject string) bool {
			e, err := Parse(crlf("From: a@example.com", "Subject: "+subject, "", "body", ""))
			return err == nil && e.Subject == subject && e.Body == "body"
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
