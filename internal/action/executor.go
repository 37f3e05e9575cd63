package action

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// spamFolderCandidates is the try-in-order fallback list for MarkSpam.
var spamFolderCandidates = []string{"Spam", "Junk", "[Gmail]/Spam"}

// Executor applies Actions against one account's IMAP connection. Every
// operation takes the per-account mailbox lock; the IMAP connection is
// single-writer.
type Executor struct {
	mu         *sync.Mutex
	folderMode string // "predefined" | "auto_create"
}

func NewExecutor(mailboxLock *sync.Mutex, folderMode string) *Executor {
	return &Executor{mu: mailboxLock, folderMode: folderMode}
}

// Execute runs actions in order against folder. A failed action aborts the
// remaining ones for this message; actions already applied are not
// rolled back. Returns the subset that executed successfully before any
// failure.
func (e *Executor) Execute(ctx context.Context, c *client.Client, folder string, uid uint32, actions []Action) ([]Action, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Executor.Execute")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagComponentIMAP(span)
	span.SetTag("folder", folder)
	span.SetTag("uid", uid)

	var executed []Action
	for _, a := range actions {
		if err := e.apply(ctx, c, folder, uid, a); err != nil {
			tracing.TraceErr(span, err)
			return executed, mperrors.Wrap(mperrors.KindPipelineError, "action",
				fmt.Sprintf("action %s failed", a.Type), err)
		}
		executed = append(executed, a)
	}
	return executed, nil
}

func (e *Executor) apply(ctx context.Context, c *client.Client, folder string, uid uint32, a Action) error {
	switch a.Type {
	case "move":
		return e.Move(ctx, c, uid, folder, a.Folder)
	case "flag":
		return e.Flag(ctx, c, uid, folder, a.Flags)
	case "read":
		return e.MarkRead(ctx, c, uid, folder)
	case "spam":
		return e.MarkSpam(ctx, c, uid, folder)
	case "delete":
		return e.Delete(ctx, c, uid, folder)
	case "noop":
		return nil
	default:
		return nil
	}
}

// Move auto-creates the destination in auto_create
// mode (treating "already exists" as success), then moves by UID.
func (e *Executor) Move(ctx context.Context, c *client.Client, uid uint32, from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := c.Select(from, false); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "select "+from, err)
	}

	if e.folderMode == "auto_create" {
		if err := c.Create(to); err != nil && !alreadyExists(err) {
			return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "create "+to, err)
		}
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	// The base IMAP client has no native MOVE; copy-then-delete-then-expunge
	// is the standard pre-RFC6851 equivalent and keeps the dependency surface
	// to what's already in go.mod.
	if err := c.UidCopy(seqSet, to); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "copy to "+to, err)
	}

	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, storeItem, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "flag original deleted after copy to "+to, err)
	}
	if err := c.Expunge(nil); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "expunge original after copy to "+to, err)
	}
	return nil
}

// Flag adds flags to the message (additive).
func (e *Executor) Flag(ctx context.Context, c *client.Client, uid uint32, folder string, flags []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeFlagsLocked(c, uid, folder, flags)
}

func (e *Executor) storeFlagsLocked(c *client.Client, uid uint32, folder string, flags []string) error {
	if _, err := c.Select(folder, false); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "select "+folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	items := make([]interface{}, len(flags))
	for i, f := range flags {
		items[i] = f
	}
	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, storeItem, items, nil); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "store flags", err)
	}
	return nil
}

// MarkRead adds \Seen.
func (e *Executor) MarkRead(ctx context.Context, c *client.Client, uid uint32, folder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeFlagsLocked(c, uid, folder, []string{imap.SeenFlag})
}

// MarkSpam tries each candidate spam folder in order; if every move fails,
// falls back to flagging.
func (e *Executor) MarkSpam(ctx context.Context, c *client.Client, uid uint32, folder string) error {
	for _, candidate := range spamFolderCandidates {
		if err := e.Move(ctx, c, uid, folder, candidate); err == nil {
			return nil
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storeFlagsLocked(c, uid, folder, []string{"$Junk", imap.FlaggedFlag})
}

// Delete is only reachable when the account's allowed-action set contains
// delete (default excludes it — enforced upstream by the response filter,
// not here).
func (e *Executor) Delete(ctx context.Context, c *client.Client, uid uint32, folder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := c.Select(folder, false); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "select "+folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(seqSet, storeItem, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "store deleted flag", err)
	}
	if err := c.Expunge(nil); err != nil {
		return mperrors.Wrap(mperrors.KindTransientNetwork, "action", "expunge", err)
	}
	return nil
}

func alreadyExists(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// Header names injected by InjectHeaders; exact names are part of the wire
// contract.
const (
	HeaderProcessed = "X-Mailpilot-Processed"
	HeaderActions   = "X-Mailpilot-Actions"
	HeaderModel     = "X-Mailpilot-Model"
	HeaderAnalysis  = "X-Mailpilot-Analysis"
)

var pgpMarkers = []string{
	"-----BEGIN PGP MESSAGE-----",
	"multipart/encrypted",
	"application/pgp-encrypted",
	"application/pgp-signature",
}

// InjectHeaders rewrites a message in place with processing headers: fetch,
// skip if
// PGP → insert headers after the first CRLF → append with original flags →
// delete the original UID. Malformed sources without a CRLF are left
// unchanged (reported as success). The UID of the appended copy is not
// reported: newUID is always 0.
func (e *Executor) InjectHeaders(ctx context.Context, c *client.Client, folder string, uid uint32, model string, actions []Action, reasoning string) (newUID uint32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := c.Select(folder, false); err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "select "+folder, err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	var msg *imap.Message
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchFlags, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqSet, items, messages) }()
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "fetch for header injection", err)
	}
	if msg == nil {
		return 0, mperrors.New(mperrors.KindTransientNetwork, "action", fmt.Errorf("uid %d not found", uid))
	}

	raw, err := io.ReadAll(msg.GetBody(section))
	if err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "read fetched body", err)
	}

	if containsPGPMarker(raw) {
		return 0, nil
	}

	rewritten, ok := insertHeaders(raw, model, actions, reasoning)
	if !ok {
		return 0, nil
	}

	flags := msg.Flags

	appendLiteral := strings.NewReader(rewritten)
	if err := c.Append(folder, flags, time.Time{}, appendLiteral); err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "append rewritten message", err)
	}

	delSet := new(imap.SeqSet)
	delSet.AddNum(uid)
	storeItem := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := c.UidStore(delSet, storeItem, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "delete original after append", err)
	}
	if err := c.Expunge(nil); err != nil {
		return 0, mperrors.Wrap(mperrors.KindTransientNetwork, "action", "expunge original after append", err)
	}

	return 0, nil
}

func containsPGPMarker(raw []byte) bool {
	s := string(raw)
	for _, marker := range pgpMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func insertHeaders(raw []byte, model string, actions []Action, reasoning string) (string, bool) {
	s := string(raw)
	idx := strings.Index(s, "\r\n")
	if idx == -1 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(s[:idx])
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderProcessed, time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderActions, FormatActions(actions))
	fmt.Fprintf(&b, "%s: %s\r\n", HeaderModel, model)
	if reasoning != "" {
		fmt.Fprintf(&b, "%s: %s\r\n", HeaderAnalysis, base64.StdEncoding.EncodeToString([]byte(reasoning)))
	}
	b.WriteString(s[idx+2:])
	return b.String(), true
}

// FormatActions renders the executed action list as the wire format used
// both in X-Mailpilot-Actions and audit-friendly logs.
func FormatActions(actions []Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case "move":
			parts = append(parts, "move:"+a.Folder)
		case "flag":
			parts = append(parts, "flag:"+strings.Join(a.Flags, "+"))
		case "noop":
			parts = append(parts, "noop:"+a.Reason)
		default:
			parts = append(parts, a.Type.String())
		}
	}
	return strings.Join(parts, ",")
}
