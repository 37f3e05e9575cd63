package action

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/enum"
)

func TestInsertHeaders(t *testing.T) {
	raw := []byte("Subject: hello\r\nFrom: a@b.com\r\n\r\nbody text")
	actions := []Action{{Type: enum.ActionMarkRead}}

	rewritten, ok := insertHeaders(raw, "gpt-4o-mini", actions, "promotional content")
	require.True(t, ok)

	assert.True(t, strings.HasPrefix(rewritten, "Subject: hello\r\n"))
	assert.Contains(t, rewritten, HeaderProcessed+": ")
	assert.Contains(t, rewritten, HeaderActions+": read\r\n")
	assert.Contains(t, rewritten, HeaderModel+": gpt-4o-mini\r\n")
	assert.Contains(t, rewritten, HeaderAnalysis+": "+base64.StdEncoding.EncodeToString([]byte("promotional content")))
	assert.True(t, strings.HasSuffix(rewritten, "body text"))
}

func TestInsertHeaders_NoAnalysisHeaderWithoutReasoning(t *testing.T) {
	raw := []byte("Subject: x\r\n\r\nbody")
	rewritten, ok := insertHeaders(raw, "m", []Action{{Type: enum.ActionNoop, Reason: "r"}}, "")
	require.True(t, ok)
	assert.NotContains(t, rewritten, HeaderAnalysis)
}

func TestInsertHeaders_NoCRLFReturnsUnchanged(t *testing.T) {
	_, ok := insertHeaders([]byte("no crlf anywhere"), "m", nil, "")
	assert.False(t, ok)
}

func TestContainsPGPMarker(t *testing.T) {
	assert.True(t, containsPGPMarker([]byte("-----BEGIN PGP MESSAGE-----\r\n...")))
	assert.True(t, containsPGPMarker([]byte("Content-Type: multipart/encrypted; boundary=x\r\n\r\n")))
	assert.True(t, containsPGPMarker([]byte("Content-Type: application/pgp-signature\r\n\r\n")))
	assert.False(t, containsPGPMarker([]byte("Subject: regular mail\r\n\r\nhello")))
}

func TestAlreadyExists(t *testing.T) {
	assert.True(t, alreadyExists(assertErr("Mailbox already exists")))
	assert.True(t, alreadyExists(assertErr("ALREADY EXISTS")))
	assert.False(t, alreadyExists(assertErr("no such mailbox")))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
