// Package mime implements the opaque ParseEmail(bytes) → ParsedEmail
// capability the core treats as a boundary: MIME decoding
// is enmime's job, PGP and attachment detection is ours.
package mime

import (
	"bytes"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"

	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// Attachment is one MIME part carrying a filename and payload.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Inline      bool
}

// ParsedEmail is the decoded view of a raw RFC 5322 message.
type ParsedEmail struct {
	MessageID     string
	From          string
	Subject       string
	Date          string
	Body          string
	Attachments   []Attachment
	PGPEncrypted  bool
	FromValid     bool
}

const (
	pgpMessageMarker = "-----BEGIN PGP MESSAGE-----"
	pgpSignedMarker  = "-----BEGIN PGP SIGNED MESSAGE-----"
)

// ParseEmail decodes a raw message and derives the text body per the
// fallback chain: text/plain ∪ stripped-HTML ∪ first text/plain attachment.
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse MIME envelope")
	}

	attachments := collectAttachments(envelope)

	parsed := &ParsedEmail{
		MessageID:   utils.NormalizeMessageID(envelope.GetHeader("Message-Id")),
		From:        envelope.GetHeader("From"),
		Subject:     envelope.GetHeader("Subject"),
		Date:        normalizeDate(envelope.GetHeader("Date")),
		Body:        deriveBody(envelope, attachments),
		Attachments: attachments,
	}

	if parsed.From != "" {
		validation := mailvalidate.ValidateEmailSyntax(parsed.From)
		parsed.FromValid = validation.IsValid
	}

	parsed.PGPEncrypted = detectPGP(envelope, raw, attachments)

	return parsed, nil
}

func collectAttachments(envelope *enmime.Envelope) []Attachment {
	attachments := make([]Attachment, 0, len(envelope.Attachments)+len(envelope.Inlines))
	for _, a := range envelope.Attachments {
		attachments = append(attachments, Attachment{
			Filename:    a.FileName,
			ContentType: a.ContentType,
			Content:     a.Content,
		})
	}
	for _, a := range envelope.Inlines {
		attachments = append(attachments, Attachment{
			Filename:    a.FileName,
			ContentType: a.ContentType,
			Content:     a.Content,
			Inline:      true,
		})
	}
	return attachments
}

// normalizeDate reformats a Date header to RFC3339 when it parses, so the
// Prompt Builder's email context is consistent regardless of which
// RFC-5322-ish variant the sending server used; falls back to the raw header
// when it doesn't parse.
func normalizeDate(header string) string {
	t, err := utils.UnmarshalDateTime(header)
	if err != nil || t == nil {
		return header
	}
	return t.Format(time.RFC3339)
}

func deriveBody(envelope *enmime.Envelope, attachments []Attachment) string {
	if envelope.Text != "" {
		return envelope.Text
	}
	if envelope.HTML != "" {
		return stripHTML(envelope.HTML)
	}
	for _, a := range attachments {
		if a.ContentType == "text/plain" {
			return string(a.Content)
		}
	}
	return ""
}

// stripHTML removes tags with a best-effort regex-free pass; enmime already
// exposes a text-less envelope only when no text/plain part exists, so this
// is the HTML-to-text fallback in the body derivation chain.
func stripHTML(html string) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func detectPGP(envelope *enmime.Envelope, raw []byte, attachments []Attachment) bool {
	contentType := envelope.GetHeader("Content-Type")
	if strings.Contains(contentType, "multipart/encrypted") || strings.Contains(contentType, "application/pgp-encrypted") {
		return true
	}

	for _, a := range attachments {
		if a.ContentType == "application/pgp-encrypted" {
			return true
		}
		if a.ContentType == "application/octet-stream" && strings.HasSuffix(strings.ToLower(a.Filename), ".gpg") {
			return true
		}
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, pgpMessageMarker) || strings.HasPrefix(trimmed, pgpSignedMarker) {
		return true
	}
	body := envelope.Text + envelope.HTML
	return strings.Contains(body, pgpMessageMarker) || strings.Contains(body, pgpSignedMarker)
}
