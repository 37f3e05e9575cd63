// Package prompt builds the text or multimodal content sent to the LLM
// Client.
package prompt

import (
	"fmt"
	"strings"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/mime"
)

const defaultBasePrompt = `You are an email triage assistant. Decide what should happen to the message below and respond with JSON only.`

// charsPerToken is the 4-chars/token heuristic used to turn max_body_tokens
// into a character budget.
const charsPerToken = 4

// ExtractedAttachment is a post-extraction attachment ready for prompt
// inclusion (text content, or a base64 image payload).
type ExtractedAttachment struct {
	Filename    string
	ContentType string
	Text        string
	ImageBase64 string
}

// Options carries every input the builder combines.
type Options struct {
	// BasePrompt is pre-resolved by the caller (account override, then global
	// default, then built-in fallback; there is no per-account prompt-file
	// step) and passed as the winning string; empty falls back to
	// defaultBasePrompt.
	BasePrompt string

	Email               *mime.ParsedEmail
	MaxBodyTokens       int
	Attachments         []ExtractedAttachment

	FolderMode     string // "predefined" | "auto_create"
	AllowedFolders []string
	ExistingFolders []string

	AllowedActions []string // empty/nil means "all actions allowed"

	ConfidenceEnabled bool
	ReasoningEnabled  bool

	SupportsVision bool
}

// ContentPart is one multimodal message part.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Build produces either a plain string prompt or an ordered list of content
// parts, depending on whether the provider supports vision and any
// attachment carries an image payload.
func Build(opts Options) (text string, parts []ContentPart) {
	var b strings.Builder
	writeBase(&b, opts)
	writeEmailContext(&b, opts)
	writeAttachmentBlock(&b, opts)
	writeFolderDirective(&b, opts)
	writeAllowedActionsDirective(&b, opts)
	writeSchemaBlock(&b, opts)

	prompt := b.String()

	images := imagesIn(opts.Attachments)
	if !opts.SupportsVision || len(images) == 0 {
		return prompt, nil
	}

	parts = append(parts, ContentPart{Type: "text", Text: prompt})
	for _, img := range images {
		parts = append(parts, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: fmt.Sprintf("data:%s;base64,%s", img.ContentType, img.ImageBase64),
			},
		})
	}
	return "", parts
}

func writeBase(b *strings.Builder, opts Options) {
	base := opts.BasePrompt
	if base == "" {
		base = defaultBasePrompt
	}
	b.WriteString(base)
	b.WriteString("\n\n")
}

func writeEmailContext(b *strings.Builder, opts Options) {
	if opts.Email == nil {
		return
	}
	e := opts.Email
	budget := opts.MaxBodyTokens * charsPerToken
	body := e.Body
	if budget > 0 && len(body) > budget {
		body = body[:budget]
	}

	fmt.Fprintf(b, "From: %s\n", e.From)
	fmt.Fprintf(b, "Subject: %s\n", e.Subject)
	fmt.Fprintf(b, "Date: %s\n", e.Date)
	fmt.Fprintf(b, "Body:\n%s\n\n", body)
}

func writeAttachmentBlock(b *strings.Builder, opts Options) {
	for _, a := range opts.Attachments {
		if a.Text == "" {
			continue
		}
		fmt.Fprintf(b, "```attachment:%s (%s)\n%s\n```\n\n", a.Filename, a.ContentType, a.Text)
	}
}

func writeFolderDirective(b *strings.Builder, opts Options) {
	switch opts.FolderMode {
	case "predefined":
		if len(opts.AllowedFolders) > 0 {
			fmt.Fprintf(b, "Allowed destination folders: %s\n\n", strings.Join(opts.AllowedFolders, ", "))
		} else if len(opts.ExistingFolders) > 0 {
			fmt.Fprintf(b, "Allowed destination folders (auto-discovered): %s\n\n", strings.Join(opts.ExistingFolders, ", "))
		}
	case "auto_create":
		if len(opts.ExistingFolders) > 0 {
			fmt.Fprintf(b, "Existing folders: %s. You may also propose a new folder name.\n\n", strings.Join(opts.ExistingFolders, ", "))
		} else {
			b.WriteString("No folders exist yet. You may propose a new folder name.\n\n")
		}
	}
}

func writeAllowedActionsDirective(b *strings.Builder, opts Options) {
	all := enum.AllActionTypes()
	if len(opts.AllowedActions) == 0 || len(opts.AllowedActions) == len(all) {
		return
	}
	allowed := make(map[string]bool, len(opts.AllowedActions))
	for _, a := range opts.AllowedActions {
		allowed[a] = true
	}
	var forbidden []string
	for _, t := range all {
		if !allowed[t.String()] {
			forbidden = append(forbidden, t.String())
		}
	}
	if len(forbidden) == 0 {
		return
	}
	fmt.Fprintf(b, "Allowed actions: %s. The following actions are FORBIDDEN for this account: %s.\n\n",
		strings.Join(opts.AllowedActions, ", "), strings.Join(forbidden, ", "))
}

func writeSchemaBlock(b *strings.Builder, opts Options) {
	actionEnum := opts.AllowedActions
	if len(actionEnum) == 0 {
		for _, t := range enum.AllActionTypes() {
			actionEnum = append(actionEnum, t.String())
		}
	}

	b.WriteString("Respond with a single JSON object matching this schema:\n")
	fmt.Fprintf(b, `{"actions":[{"type":one of [%s],"folder":string?,"flags":string[]?,"reason":string?}]`, strings.Join(quoteAll(actionEnum), ","))
	if opts.ConfidenceEnabled {
		b.WriteString(`,"confidence":number in [0,1] (required)`)
	}
	if opts.ReasoningEnabled {
		b.WriteString(`,"reasoning":string (required)`)
	}
	b.WriteString("}\n")
}

func quoteAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = `"` + s + `"`
	}
	return out
}

func imagesIn(attachments []ExtractedAttachment) []ExtractedAttachment {
	var images []ExtractedAttachment
	for _, a := range attachments {
		if a.ImageBase64 != "" {
			images = append(images, a)
		}
	}
	return images
}
