// Package collaborators holds the no-op default implementations of the
// named interfaces the core treats as external collaborators: the Tika
// text-extraction client, the ClamAV INSTREAM client, and the OAuth2
// refresh-token flow. Each is a thin wrapper over a real network service
// maintained outside this module. The server always wires NoopExtractor and
// NoopVirusScanner into the engine; no endpoint setting selects a
// network-backed implementation, and this module contains none.
package collaborators

import (
	"context"

	"github.com/metal0/mailpilot-sub001/internal/mime"
)

// NoopExtractor satisfies processor.AttachmentExtractor without calling out
// to Tika; every non-text attachment is skipped rather than extracted.
type NoopExtractor struct{}

func (NoopExtractor) Extract(_ context.Context, a mime.Attachment) (string, string, error) {
	return "", "", nil
}

// NoopVirusScanner satisfies processor.VirusScanner without calling out to
// ClamAV; every attachment is reported clean.
type NoopVirusScanner struct{}

func (NoopVirusScanner) Scan(_ context.Context, _ []byte) (bool, error) {
	return false, nil
}

// TokenRefresher exchanges an OAuth2 refresh token for a fresh access token.
// Real implementations call the provider's token
// endpoint; the core only needs the named interface.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken string, err error)
}

// NoopTokenRefresher returns the refresh token unchanged, for accounts using
// AuthMode=basic or in development against a server that accepts a static
// token.
type NoopTokenRefresher struct{}

func (NoopTokenRefresher) Refresh(_ context.Context, refreshToken string) (string, error) {
	return refreshToken, nil
}
