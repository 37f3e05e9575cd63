// Package processor implements the Message Processor: the
// end-to-end per-message pipeline from dedup through audit.
package processor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/metal0/mailpilot-sub001/internal/action"
	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/llmclient"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/mime"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/prompt"
	"github.com/metal0/mailpilot-sub001/internal/repository"
	"github.com/metal0/mailpilot-sub001/internal/responseparser"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// AttachmentExtractor turns a raw attachment into prompt-ready text or a
// base64 image payload. The Tika-backed HTTP client implementing it lives
// outside this module; the pipeline only needs the capability.
type AttachmentExtractor interface {
	Extract(ctx context.Context, a mime.Attachment) (text string, imageBase64 string, err error)
}

// VirusScanner classifies an attachment as clean or infected; implemented
// externally by a ClamAV INSTREAM client.
type VirusScanner interface {
	Scan(ctx context.Context, content []byte) (infected bool, err error)
}

// WebhookNotifier dispatches the action_taken event; implemented by the
// Webhook Dispatcher.
type WebhookNotifier interface {
	NotifyActionTaken(ctx context.Context, account, messageID string, actions []action.Action, provider, model string)
}

// AccountPolicy is the subset of an Account the processor needs, resolved
// once per run by the caller to avoid repository round-trips mid-pipeline.
type AccountPolicy struct {
	Name              string
	FolderMode        string
	AllowedFolders    []string
	AllowedActions    []string
	MinimumConfidence *float64
	LLMProviderName   string
	LLMModel          string
	DryRun            bool

	VirusScanEnabled  bool
	VirusPolicy       string // "quarantine" | "delete" | "flag_only"
	ExtractionEnabled bool
	MaxAttachmentMB   int
	AllowedMimeTypes  []string
	MaxExtractedChars int
	ExtractImages     bool

	AddProcessingHeaders bool
	AuditSubjects        bool
	BasePrompt           string
	MaxBodyTokens        int

	ConfidenceGateEnabled    bool
	GlobalMinimumConfidence  float64
	ReasoningEnabled         bool
}

// GlobalPolicy carries cross-account toggles resolved once at startup.
type GlobalPolicy struct {
	ConfidenceEnabled       bool
	GlobalMinimumConfidence float64
}

// Processor runs the per-message classification pipeline.
type Processor struct {
	log        logger.Logger
	repos      *repository.Repositories
	llm        *llmclient.Client
	extractor  AttachmentExtractor
	scanner    VirusScanner
	webhook    WebhookNotifier

	dlqInitialDelay   time.Duration
}

func New(log logger.Logger, repos *repository.Repositories, llm *llmclient.Client, extractor AttachmentExtractor, scanner VirusScanner, webhook WebhookNotifier, dlqInitialDelay time.Duration) *Processor {
	return &Processor{
		log:             log,
		repos:           repos,
		llm:             llm,
		extractor:       extractor,
		scanner:         scanner,
		webhook:         webhook,
		dlqInitialDelay: dlqInitialDelay,
	}
}

// Process runs the full pipeline for one message. Returns true if useful
// work was done.
func (p *Processor) Process(ctx context.Context, c *client.Client, mailboxLock *sync.Mutex, provider *models.Provider, acct AccountPolicy, folder string, uid uint32, messageID string) bool {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Processor.Process")
	defer span.Finish()
	ctx = tracing.WithAccountID(ctx, acct.Name)
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("folder", folder)
	span.SetTag("uid", uid)
	span.SetTag("message_id", messageID)

	// Step 1: dedup.
	exists, err := p.repos.ProcessedMessage.Exists(ctx, messageID, acct.Name)
	if err != nil {
		p.log.Errorf("dedup check failed for %s: %v", messageID, err)
		return false
	}
	if exists {
		return false
	}

	did, err := p.run(ctx, c, mailboxLock, provider, acct, folder, uid, messageID)
	if err != nil {
		p.deadLetter(ctx, acct.Name, folder, uid, messageID, err)
		tracing.TraceErr(span, err)
		return false
	}
	return did
}

// Retry re-runs the pipeline for a message already sitting in the dead-letter
// queue. Unlike Process, it does not dedup
// against ProcessedMessage (a dead-lettered message was never recorded as
// processed) and it does not create a new dead-letter row on failure — the
// caller owns that entry's retry bookkeeping.
func (p *Processor) Retry(ctx context.Context, c *client.Client, mailboxLock *sync.Mutex, provider *models.Provider, acct AccountPolicy, folder string, uid uint32, messageID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Processor.Retry")
	defer span.Finish()
	ctx = tracing.WithAccountID(ctx, acct.Name)
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("folder", folder)
	span.SetTag("uid", uid)
	span.SetTag("message_id", messageID)

	_, err := p.run(ctx, c, mailboxLock, provider, acct, folder, uid, messageID)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (p *Processor) run(ctx context.Context, c *client.Client, mailboxLock *sync.Mutex, provider *models.Provider, acct AccountPolicy, folder string, uid uint32, messageID string) (bool, error) {
	// Step 2: fetch under the mailbox lock.
	raw, err := p.fetch(c, mailboxLock, folder, uid)
	if err != nil {
		return false, mperrors.Wrap(mperrors.KindTransientNetwork, "processor", "fetch", err)
	}

	// Step 3: parse.
	parsed, err := mime.ParseEmail(raw)
	if err != nil {
		return false, mperrors.Wrap(mperrors.KindPipelineError, "processor", "parse", err)
	}

	// Step 4: PGP short-circuit.
	if parsed.PGPEncrypted {
		p.recordAndAudit(ctx, acct, messageID, []action.Action{action.Noop("PGP encrypted email")}, "", "", "", nil, "")
		return true, nil
	}

	// Step 5: optional virus scan.
	if acct.VirusScanEnabled {
		shortCircuit, err := p.runVirusScan(ctx, c, mailboxLock, acct, folder, uid, parsed)
		if err != nil {
			return false, err
		}
		if shortCircuit {
			p.recordAndAudit(ctx, acct, messageID, []action.Action{action.Noop("virus detected")}, "", "", "", nil, "")
			return true, nil
		}
	}

	// Step 6: optional attachment extraction.
	var extracted []prompt.ExtractedAttachment
	if acct.ExtractionEnabled {
		extracted = p.extractAttachments(ctx, acct, parsed)
	}

	// Step 7: folder resolution.
	var existingFolders []string
	if acct.FolderMode == "auto_create" || (acct.FolderMode == "predefined" && len(acct.AllowedFolders) == 0) {
		existingFolders, err = p.listFolders(c, mailboxLock)
		if err != nil {
			return false, mperrors.Wrap(mperrors.KindTransientNetwork, "processor", "list folders", err)
		}
	}

	// Step 8: prompt build.
	text, parts := prompt.Build(prompt.Options{
		BasePrompt:        acct.BasePrompt,
		Email:             parsed,
		MaxBodyTokens:     acct.MaxBodyTokens,
		Attachments:       extracted,
		FolderMode:        acct.FolderMode,
		AllowedFolders:    acct.AllowedFolders,
		ExistingFolders:   existingFolders,
		AllowedActions:    acct.AllowedActions,
		ConfidenceEnabled: acct.ConfidenceGateEnabled,
		ReasoningEnabled:  acct.ReasoningEnabled,
		SupportsVision:    provider.SupportsVision,
	})

	// Step 9: classify.
	result, err := p.llm.Classify(ctx, provider, acct.LLMModel, text, parts)
	if err != nil {
		return false, mperrors.Wrap(mperrors.KindPipelineError, "processor", "classify", err)
	}

	// Step 10: confidence gate.
	actions := result.Actions
	minConfidence := utils.GetOrDefault(acct.MinimumConfidence, acct.GlobalMinimumConfidence)
	if acct.ConfidenceGateEnabled && result.Confidence != nil && *result.Confidence < minConfidence {
		actions = []action.Action{action.Noop("low confidence")}
	}

	// Step 11: action filter.
	allowed := responseparser.AllowedSet(acct.AllowedActions)
	actions = responseparser.Filter(actions, allowed)

	// Step 12: execute.
	var executed []action.Action
	if !acct.DryRun {
		executor := action.NewExecutor(mailboxLock, acct.FolderMode)
		executed, err = executor.Execute(ctx, c, folder, uid, actions)
		if err != nil {
			return false, err
		}

		// Step 13: optional header injection.
		if acct.AddProcessingHeaders && !containsMoveOrDelete(executed) {
			if _, err := executor.InjectHeaders(ctx, c, folder, uid, acct.LLMModel, executed, result.Reasoning); err != nil {
				p.log.Warnf("header injection failed for %s: %v", messageID, err)
			}
		}
	} else {
		executed = actions
	}

	// Step 14: record.
	p.recordAndAudit(ctx, acct, messageID, executed, provider.Name, acct.LLMModel, parsed.Subject, result.Confidence, result.Reasoning)

	return true, nil
}

func (p *Processor) runVirusScan(ctx context.Context, c *client.Client, mailboxLock *sync.Mutex, acct AccountPolicy, folder string, uid uint32, parsed *mime.ParsedEmail) (shortCircuit bool, err error) {
	for _, a := range parsed.Attachments {
		if len(a.Content) == 0 {
			continue
		}
		infected, err := p.scanner.Scan(ctx, a.Content)
		if err != nil {
			return false, mperrors.Wrap(mperrors.KindPipelineError, "processor", "virus scan", err)
		}
		if !infected {
			continue
		}

		executor := action.NewExecutor(mailboxLock, acct.FolderMode)
		switch acct.VirusPolicy {
		case "delete":
			if err := executor.Delete(ctx, c, uid, folder); err != nil {
				return false, err
			}
			return true, nil
		case "flag_only":
			if err := executor.Flag(ctx, c, uid, folder, []string{"$Virus", goimap.FlaggedFlag}); err != nil {
				return false, err
			}
			return false, nil
		default: // quarantine
			if err := executor.Move(ctx, c, uid, folder, "Quarantine"); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) extractAttachments(ctx context.Context, acct AccountPolicy, parsed *mime.ParsedEmail) []prompt.ExtractedAttachment {
	var out []prompt.ExtractedAttachment
	maxBytes := int64(acct.MaxAttachmentMB) * 1024 * 1024

	for _, a := range parsed.Attachments {
		if maxBytes > 0 && int64(len(a.Content)) > maxBytes {
			continue
		}
		if !matchesAllowList(a.ContentType, acct.AllowedMimeTypes) {
			continue
		}

		ea := prompt.ExtractedAttachment{Filename: a.Filename, ContentType: a.ContentType}

		switch a.ContentType {
		case "text/plain", "text/csv":
			ea.Text = truncate(string(a.Content), acct.MaxExtractedChars)
		default:
			text, imageB64, err := p.extractor.Extract(ctx, a)
			if err != nil {
				p.log.Warnf("attachment extraction failed for %s: %v", a.Filename, err)
				continue
			}
			ea.Text = truncate(text, acct.MaxExtractedChars)
			if acct.ExtractImages {
				ea.ImageBase64 = imageB64
			}
		}
		out = append(out, ea)
	}
	return out
}

// matchesAllowList supports category/* wildcards and the image/jpg <->
// image/jpeg alias.
func matchesAllowList(contentType string, allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	normalized := normalizeContentType(contentType)
	for _, allowed := range allowList {
		allowed = normalizeContentType(allowed)
		if allowed == normalized {
			return true
		}
		if strings.HasSuffix(allowed, "/*") && strings.HasPrefix(normalized, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func normalizeContentType(ct string) string {
	if ct == "image/jpg" {
		return "image/jpeg"
	}
	return ct
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}

func containsMoveOrDelete(actions []action.Action) bool {
	for _, a := range actions {
		if a.Type == "move" || a.Type == "delete" {
			return true
		}
	}
	return false
}

func (p *Processor) fetch(c *client.Client, mailboxLock *sync.Mutex, folder string, uid uint32) ([]byte, error) {
	mailboxLock.Lock()
	defer mailboxLock.Unlock()

	if _, err := c.Select(folder, false); err != nil {
		return nil, errors.Wrap(err, "select folder")
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uid)

	section := &goimap.BodySectionName{}
	items := []goimap.FetchItem{section.FetchItem()}

	messages := make(chan *goimap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqSet, items, messages) }()

	var msg *goimap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("uid %d not found in %s", uid, folder)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("uid %d has no body section", uid)
	}
	return io.ReadAll(body)
}

func (p *Processor) listFolders(c *client.Client, mailboxLock *sync.Mutex) ([]string, error) {
	mailboxLock.Lock()
	defer mailboxLock.Unlock()

	mailboxes := make(chan *goimap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() { done <- c.List("", "*", mailboxes) }()

	var folders []string
	for m := range mailboxes {
		folders = append(folders, m.Name)
	}
	if err := <-done; err != nil {
		return nil, err
	}
	return folders, nil
}

func (p *Processor) recordAndAudit(ctx context.Context, acct AccountPolicy, messageID string, actions []action.Action, provider, model, subject string, confidence *float64, reasoning string) {
	inserted, err := p.repos.ProcessedMessage.Insert(ctx, messageID, acct.Name)
	if err != nil {
		p.log.Errorf("failed to record processed message %s: %v", messageID, err)
	} else if !inserted {
		// Another worker recorded this message between the dedup precheck
		// and here; it also owns the audit entry, so keep it unique.
		return
	}

	if !acct.AuditSubjects {
		subject = ""
	}

	records := make([]models.ActionRecord, len(actions))
	for i, a := range actions {
		records[i] = models.ActionRecord{Type: a.Type.String(), Folder: a.Folder, Flags: a.Flags, Reason: a.Reason}
	}
	entry := models.NewAuditEntry(messageID, acct.Name, records, provider, model, subject, confidence, reasoning)
	if err := p.repos.Audit.Append(ctx, entry); err != nil {
		p.log.Errorf("failed to append audit entry for %s: %v", messageID, err)
	}

	if p.webhook != nil {
		p.webhook.NotifyActionTaken(ctx, acct.Name, messageID, actions, provider, model)
	}
}

func (p *Processor) deadLetter(ctx context.Context, accountName, folder string, uid uint32, messageID string, cause error) {
	p.log.Errorf("dead-lettering %s/%s uid=%d: %v", accountName, folder, uid, cause)

	entry := models.NewDeadLetterEntry(messageID, accountName, folder, uid, cause.Error(), time.Now().Add(p.dlqInitialDelay))
	if err := p.repos.DeadLetter.Insert(ctx, entry); err != nil {
		p.log.Errorf("failed to insert dead letter for %s: %v", messageID, err)
	}
}
