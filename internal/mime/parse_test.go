package mime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawMessage(headers, body string) []byte {
	return []byte(strings.ReplaceAll(headers+"\n\n"+body, "\n", "\r\n"))
}

func TestParseEmail_PlainText(t *testing.T) {
	raw := rawMessage(
		"Message-Id: <abc123@example.com>\nFrom: sender@example.com\nSubject: Invoice\nDate: Mon, 2 Jan 2006 15:04:05 -0700\nContent-Type: text/plain",
		"Please find the invoice attached.",
	)

	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc123@example.com", parsed.MessageID)
	assert.Equal(t, "sender@example.com", parsed.From)
	assert.Equal(t, "Invoice", parsed.Subject)
	assert.Contains(t, parsed.Body, "Please find the invoice")
	assert.False(t, parsed.PGPEncrypted)
	assert.True(t, parsed.FromValid)
}

func TestParseEmail_NormalizesDateToRFC3339(t *testing.T) {
	raw := rawMessage(
		"From: a@b.com\nSubject: x\nDate: Mon, 2 Jan 2006 15:04:05 -0700\nContent-Type: text/plain",
		"hi",
	)
	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Equal(t, "2006-01-02T15:04:05-07:00", parsed.Date)
}

func TestParseEmail_DetectsPGPByBodyMarker(t *testing.T) {
	raw := rawMessage(
		"From: a@b.com\nSubject: secret\nContent-Type: text/plain",
		"-----BEGIN PGP MESSAGE-----\nhQEMA...\n-----END PGP MESSAGE-----",
	)
	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.True(t, parsed.PGPEncrypted)
}

func TestParseEmail_DetectsPGPByContentType(t *testing.T) {
	raw := rawMessage(
		"From: a@b.com\nSubject: secret\nContent-Type: multipart/encrypted; protocol=\"application/pgp-encrypted\"; boundary=\"b\"",
		"--b\nContent-Type: application/pgp-encrypted\n\nVersion: 1\n--b--",
	)
	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.True(t, parsed.PGPEncrypted)
}

func TestParseEmail_HTMLOnlyFallsBackToStrippedHTML(t *testing.T) {
	raw := rawMessage(
		"From: a@b.com\nSubject: promo\nContent-Type: text/html",
		"<html><body><p>Big <b>sale</b> today</p></body></html>",
	)
	parsed, err := ParseEmail(raw)
	require.NoError(t, err)
	assert.Contains(t, parsed.Body, "Big")
	assert.Contains(t, parsed.Body, "sale")
	assert.NotContains(t, parsed.Body, "<b>")
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "hello world", stripHTML("<p>hello world</p>"))
	assert.Equal(t, "plain", stripHTML("plain"))
}
