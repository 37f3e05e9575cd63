package mailpilot

import (
	"context"
	"fmt"
	"sync"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/processor"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
	"github.com/metal0/mailpilot-sub001/internal/utils"
)

// unseenMessage is one UNSEEN hit resolved to a dedup-ready message-id.
type unseenMessage struct {
	uid       uint32
	messageID string
}

// processFolder is the dispatcher.ProcessFunc: it searches folder for
// unseen messages on account's live IMAP session and runs the Message
// Processor over them in batches bounded by the configured concurrency
// limit, checking the in-flight tracker between batches so a shutdown in
// progress stops admitting new batches.
func (e *Engine) processFolder(ctx context.Context, accountName, folder string) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Engine.processFolder")
	defer span.Finish()
	ctx = tracing.WithAccountID(ctx, accountName)
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.SetTag("folder", folder)

	acct, err := e.lookupAccount(accountName)
	if err != nil {
		e.log.Errorf("engine: process folder %s/%s: %v", accountName, folder, err)
		return
	}

	c, err := e.supervisor.Client(accountName)
	if err != nil {
		e.log.Warnf("engine: process folder %s/%s: no live session: %v", accountName, folder, err)
		return
	}

	provider, err := e.repos.Provider.GetByName(ctx, acct.LLMProviderName)
	if err != nil || provider == nil {
		e.log.Errorf("engine: process folder %s/%s: unknown LLM provider %q", accountName, folder, acct.LLMProviderName)
		return
	}

	mailboxLock := e.lockFor(accountName)
	policy := e.resolvePolicy(acct)

	messages, err := e.fetchUnseen(c, mailboxLock, folder)
	if err != nil {
		e.log.Errorf("engine: search unseen in %s/%s: %v", accountName, folder, err)
		return
	}
	if len(messages) == 0 {
		return
	}

	batchSize := e.cfg.DefaultConcurrencyLimit
	if batchSize <= 0 {
		batchSize = 1
	}

	for start := 0; start < len(messages); start += batchSize {
		if !e.inflight.Start(batchOpID(accountName, folder, start)) {
			e.log.Warnf("engine: shutdown in progress, skipping remaining unseen in %s/%s", accountName, folder)
			return
		}

		end := start + batchSize
		if end > len(messages) {
			end = len(messages)
		}
		batch := messages[start:end]

		var wg sync.WaitGroup
		for _, msg := range batch {
			wg.Add(1)
			go func(msg unseenMessage) {
				defer wg.Done()
				e.processOne(ctx, c, mailboxLock, provider, policy, folder, msg)
			}(msg)
		}
		wg.Wait()

		e.inflight.Complete(batchOpID(accountName, folder, start))
	}
}

func (e *Engine) processOne(ctx context.Context, c *client.Client, mailboxLock *sync.Mutex, provider *models.Provider, policy processor.AccountPolicy, folder string, msg unseenMessage) {
	e.processor.Process(ctx, c, mailboxLock, provider, policy, folder, msg.uid, msg.messageID)
}

func batchOpID(account, folder string, start int) string {
	return fmt.Sprintf("%s:%s:%d", account, folder, start)
}

// fetchUnseen runs a SEARCH UNSEEN and resolves each hit's Message-Id via a
// single follow-up FETCH ENVELOPE.
func (e *Engine) fetchUnseen(c *client.Client, mailboxLock *sync.Mutex, folder string) ([]unseenMessage, error) {
	mailboxLock.Lock()
	defer mailboxLock.Unlock()

	if _, err := c.Select(folder, false); err != nil {
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}

	criteria := goimap.NewSearchCriteria()
	criteria.WithoutFlags = []string{goimap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqSet := new(goimap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *goimap.Message, len(uids))
	done := make(chan error, 1)
	go func() { done <- c.UidFetch(seqSet, []goimap.FetchItem{goimap.FetchEnvelope, goimap.FetchUid}, messages) }()

	var out []unseenMessage
	for m := range messages {
		if m.Envelope == nil {
			continue
		}
		out = append(out, unseenMessage{
			uid:       m.Uid,
			messageID: utils.NormalizeMessageID(m.Envelope.MessageId),
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}
	return out, nil
}

// retryDeadLetter implements scheduler.RetryFunc: reopen the entry's account
// session and re-run the pipeline for its exact (folder, uid, message-id)
// without dedup or a new dead-letter row.
func (e *Engine) retryDeadLetter(ctx context.Context, entry models.DeadLetterEntry) error {
	acct, err := e.lookupAccount(entry.AccountName)
	if err != nil {
		return err
	}
	c, err := e.supervisor.Client(entry.AccountName)
	if err != nil {
		return err
	}
	provider, err := e.repos.Provider.GetByName(ctx, acct.LLMProviderName)
	if err != nil {
		return err
	}
	if provider == nil {
		return mperrors.ErrProviderNotFound
	}

	mailboxLock := e.lockFor(entry.AccountName)
	policy := e.resolvePolicy(acct)
	return e.processor.Retry(ctx, c, mailboxLock, provider, policy, entry.Folder, entry.UID, entry.MessageID)
}

// healthCheckProviders implements scheduler.HealthCheckFunc: ping every
// configured provider whose health state is stale.
func (e *Engine) healthCheckProviders(ctx context.Context) {
	providers, err := e.repos.Provider.GetAll(ctx)
	if err != nil {
		e.log.Errorf("engine: failed to list providers for health check: %v", err)
		return
	}
	for i := range providers {
		p := providers[i]
		e.llm.HealthCheck(ctx, &p, p.DefaultModel)
	}
}
