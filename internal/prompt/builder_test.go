package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/mime"
)

func TestBuild_PlainTextWithEmailContext(t *testing.T) {
	text, parts := Build(Options{
		Email: &mime.ParsedEmail{
			From:    "sender@example.com",
			Subject: "Weekly newsletter",
			Date:    "2026-07-30T00:00:00Z",
			Body:    "Hello there",
		},
		MaxBodyTokens:  4000,
		FolderMode:     "predefined",
		AllowedFolders: []string{"Archive", "Spam"},
	})

	require.Nil(t, parts)
	assert.Contains(t, text, "From: sender@example.com")
	assert.Contains(t, text, "Subject: Weekly newsletter")
	assert.Contains(t, text, "Hello there")
	assert.Contains(t, text, "Archive, Spam")
}

func TestBuild_TruncatesBodyToCharBudget(t *testing.T) {
	body := strings.Repeat("x", 100)
	text, _ := Build(Options{
		Email:         &mime.ParsedEmail{Body: body},
		MaxBodyTokens: 5, // 5 * 4 chars/token = 20 chars
	})
	assert.NotContains(t, text, strings.Repeat("x", 100))
	assert.Contains(t, text, strings.Repeat("x", 20))
}

func TestBuild_ForbiddenActionsDirectiveNamesDelete(t *testing.T) {
	text, _ := Build(Options{
		AllowedActions: []string{"move", "spam", "flag", "read", "noop"},
	})
	assert.Contains(t, text, "FORBIDDEN")
	assert.Contains(t, text, "delete")
}

func TestBuild_NoForbiddenDirectiveWhenAllActionsAllowed(t *testing.T) {
	text, _ := Build(Options{
		AllowedActions: []string{"move", "flag", "read", "spam", "delete", "noop"},
	})
	assert.NotContains(t, text, "FORBIDDEN")
}

func TestBuild_AutoCreateDirectiveListsExisting(t *testing.T) {
	text, _ := Build(Options{
		FolderMode:      "auto_create",
		ExistingFolders: []string{"INBOX", "Receipts"},
	})
	assert.Contains(t, text, "Existing folders: INBOX, Receipts")
	assert.Contains(t, text, "propose a new folder name")
}

func TestBuild_SchemaRequiresConfidenceAndReasoningWhenEnabled(t *testing.T) {
	text, _ := Build(Options{
		ConfidenceEnabled: true,
		ReasoningEnabled:  true,
	})
	assert.Contains(t, text, `"confidence":number in [0,1] (required)`)
	assert.Contains(t, text, `"reasoning":string (required)`)
}

func TestBuild_VisionProducesMultimodalPartsOnlyWithImageAttachment(t *testing.T) {
	text, parts := Build(Options{
		Email:          &mime.ParsedEmail{Body: "see attached"},
		SupportsVision: true,
		Attachments: []ExtractedAttachment{
			{Filename: "receipt.jpg", ContentType: "image/jpeg", ImageBase64: "ZmFrZQ=="},
		},
	})
	require.Empty(t, text)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/jpeg;base64,ZmFrZQ==", parts[1].ImageURL.URL)
}

func TestBuild_NoVisionPartsWithoutProviderSupport(t *testing.T) {
	_, parts := Build(Options{
		SupportsVision: false,
		Attachments: []ExtractedAttachment{
			{Filename: "receipt.jpg", ContentType: "image/jpeg", ImageBase64: "ZmFrZQ=="},
		},
	})
	assert.Nil(t, parts)
}

func TestBuild_DefaultBasePromptWhenUnset(t *testing.T) {
	text, _ := Build(Options{})
	assert.Contains(t, text, defaultBasePrompt)
}
