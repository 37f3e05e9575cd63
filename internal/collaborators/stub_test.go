package collaborators

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/metal0/mailpilot-sub001/internal/mime"
)

func TestNoopExtractor_ReturnsEmpty(t *testing.T) {
	text, mimeType, err := NoopExtractor{}.Extract(context.Background(), mime.Attachment{})
	assert.NoError(t, err)
	assert.Empty(t, text)
	assert.Empty(t, mimeType)
}

func TestNoopVirusScanner_ReportsClean(t *testing.T) {
	infected, err := NoopVirusScanner{}.Scan(context.Background(), []byte("test"))
	assert.NoError(t, err)
	assert.False(t, infected)
}

func TestNoopTokenRefresher_ReturnsTokenUnchanged(t *testing.T) {
	token, err := NoopTokenRefresher{}.Refresh(context.Background(), "refresh-token-123")
	assert.NoError(t, err)
	assert.Equal(t, "refresh-token-123", token)
}
