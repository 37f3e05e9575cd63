// Package mailpilot wires every component into the running daemon and
// exposes its external interface: Run/Pause/Resume/Reconnect/TriggerProcess,
// Stats/Activity/DeadLetters/RetryDeadLetter, and the Set*Broadcaster hook
// points a dashboard transport can attach to. It owns the one piece of
// behavior no other package implements — turning a folder-watcher trigger
// into a bounded-concurrency batch of Message Processor runs.
package mailpilot

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/emersion/go-imap/client"
	"k8s.io/client-go/kubernetes"

	"github.com/metal0/mailpilot-sub001/internal/account"
	"github.com/metal0/mailpilot-sub001/internal/config"
	"github.com/metal0/mailpilot-sub001/internal/dispatcher"
	"github.com/metal0/mailpilot-sub001/internal/enum"
	mperrors "github.com/metal0/mailpilot-sub001/internal/errors"
	"github.com/metal0/mailpilot-sub001/internal/events"
	"github.com/metal0/mailpilot-sub001/internal/folderwatcher"
	"github.com/metal0/mailpilot-sub001/internal/inflight"
	"github.com/metal0/mailpilot-sub001/internal/llmclient"
	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/models"
	"github.com/metal0/mailpilot-sub001/internal/processor"
	"github.com/metal0/mailpilot-sub001/internal/repository"
	"github.com/metal0/mailpilot-sub001/internal/scheduler"
	"github.com/metal0/mailpilot-sub001/internal/webhook"
)

// defaultBasePrompt is the built-in fallback at the bottom of the base
// prompt precedence chain, used only when neither the account nor the
// operator has configured one.
const defaultBasePrompt = `You triage one email into zero or more mailbox actions. Respond with a single JSON object: {"actions":[{"type":"..."}],"confidence":0.0,"reasoning":"..."}. Only use allowed action types and folders.`

// StatsBroadcaster, ActivityBroadcaster, LogBroadcaster and
// AccountUpdateBroadcaster are the pluggable push hooks a dashboard
// transport wires in; the engine never requires one — the dashboard
// UI/websocket transport itself lives outside this module.
type StatsBroadcaster func(Snapshot)
type ActivityBroadcaster func(models.AuditEntry)
type LogBroadcaster func(level, message string)
type AccountUpdateBroadcaster func(account string)

// AccountStatus is one account's row in a Stats() snapshot.
type AccountStatus struct {
	Name      string
	Connected bool
	Paused    bool
	Folders   map[string]FolderQueueStatus
}

// FolderQueueStatus mirrors dispatcher.QueueStatus for one (account, folder).
type FolderQueueStatus struct {
	Processing  bool
	PendingRedo bool
}

// Snapshot is the Stats() read model: per-account connection/queue
// status, per-provider LLM stats, and dead-letter counts by account.
type Snapshot struct {
	Accounts         []AccountStatus
	Providers        []llmclient.Stats
	DeadLetterCounts map[string]int
}

// Engine wires the Account Supervisor, Work Dispatcher, Message Processor,
// LLM Client, Webhook Dispatcher, Persistent State Store and background
// Scheduler together and exposes the daemon's external interface.
type Engine struct {
	log    logger.Logger
	cfg    *config.AppConfig
	policy *config.PolicyConfig
	repos  *repository.Repositories

	llm        *llmclient.Client
	supervisor *account.Supervisor
	watchers   *folderwatcher.Manager
	dispatcher *dispatcher.Dispatcher
	processor  *processor.Processor
	webhook    *webhook.Dispatcher
	events     *events.Publisher
	scheduler  *scheduler.Scheduler
	inflight   *inflight.Tracker

	mu           sync.Mutex
	accounts     map[string]*models.Account
	mailboxLocks map[string]*sync.Mutex

	broadcastMu       sync.RWMutex
	statsBroadcast    StatsBroadcaster
	activityBroadcast ActivityBroadcaster
	logBroadcast      LogBroadcaster
	acctBroadcast     AccountUpdateBroadcaster
}

// Deps bundles every collaborator New needs, so the constructor signature
// stays readable as the wiring grows.
type Deps struct {
	Log       logger.Logger
	Config    *config.Config
	Repos     *repository.Repositories
	LLM       *llmclient.Client
	Extractor processor.AttachmentExtractor
	Scanner   processor.VirusScanner
	Webhook   *webhook.Dispatcher
	Events    *events.Publisher    // nil if RabbitMQ isn't configured
	K8s       kubernetes.Interface // nil outside Kubernetes / in local dev
}

func New(d Deps) *Engine {
	e := &Engine{
		log:          d.Log,
		cfg:          d.Config.AppConfig,
		policy:       d.Config.Policy,
		repos:        d.Repos,
		llm:          d.LLM,
		webhook:      d.Webhook,
		events:       d.Events,
		accounts:     make(map[string]*models.Account),
		mailboxLocks: make(map[string]*sync.Mutex),
	}

	e.watchers = folderwatcher.NewManager(d.Log)
	e.supervisor = account.NewSupervisor(d.Log, e.watchers, d.Config.AppConfig.PollIntervalDuration(), e.onTrigger, e.onConnectionEvent)
	e.dispatcher = dispatcher.New(d.Log, e.processFolder, d.Config.AppConfig.DebounceWindowDuration(), d.Config.AppConfig.DefaultConcurrencyLimit)
	e.processor = processor.New(d.Log, d.Repos, d.LLM, d.Extractor, d.Scanner, d.Webhook, d.Config.AppConfig.DeadLetterInitialDelayDuration())
	e.inflight = inflight.New(d.Log)
	e.scheduler = scheduler.New(d.Config.AppConfig, d.Log, d.Repos, d.K8s, e.retryDeadLetter, e.healthCheckProviders, e.onRetryExhausted)

	return e
}

// Run loads every account from the Persistent State Store, starts its
// supervisor session and the background scheduler, then blocks until ctx is
// cancelled, at which point it drains in-flight work.
func (e *Engine) Run(ctx context.Context) error {
	accounts, err := e.repos.Account.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("engine: failed to load accounts: %w", err)
	}

	for i := range accounts {
		acct := &accounts[i]
		if err := e.supervisor.Start(ctx, acct); err != nil {
			e.log.Errorf("engine: failed to start account %s: %v", acct.Name, err)
			continue
		}
		if acct.Paused {
			_ = e.supervisor.Pause(acct.Name)
		}
		e.mu.Lock()
		e.accounts[acct.Name] = acct
		e.mu.Unlock()
	}

	if err := e.scheduler.Start(scheduler.PodIdentity(), podNamespace()); err != nil {
		e.log.Errorf("engine: scheduler failed to start: %v", err)
	}

	e.webhook.NotifyStartup(ctx)
	if e.events != nil {
		if err := e.events.Publish(ctx, "", enum.EventStartup, nil); err != nil {
			e.log.Warnf("engine: failed to publish startup event: %v", err)
		}
	}

	<-ctx.Done()
	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	e.log.Info("engine: shutting down")

	e.inflight.Shutdown(e.cfg.ShutdownTimeoutDuration(), e.cfg.ShutdownForceAfterDuration())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeoutDuration())
	defer cancel()
	e.dispatcher.Shutdown(shutdownCtx)

	e.scheduler.Stop()

	e.mu.Lock()
	names := make([]string, 0, len(e.accounts))
	for name := range e.accounts {
		names = append(names, name)
	}
	e.mu.Unlock()
	for _, name := range names {
		_ = e.supervisor.Stop(name)
	}

	e.webhook.NotifyShutdown(context.Background())
	if e.events != nil {
		if err := e.events.Publish(context.Background(), "", enum.EventShutdown, nil); err != nil {
			e.log.Warnf("engine: failed to publish shutdown event: %v", err)
		}
		if err := e.events.Close(); err != nil {
			e.log.Warnf("engine: error closing events publisher: %v", err)
		}
	}
}

// Pause marks account paused, persists it, and idles its watchers.
func (e *Engine) Pause(account string) error {
	acct, err := e.lookupAccount(account)
	if err != nil {
		return err
	}
	if err := e.supervisor.Pause(acct.Name); err != nil {
		return err
	}
	if err := e.repos.Account.SetPaused(context.Background(), acct.Name, true); err != nil {
		return err
	}
	e.setPausedCache(acct.Name, true)
	e.broadcastAccountUpdate(acct.Name)
	return nil
}

// Resume clears paused, persists it, and lets the supervisor resume its
// connect loop.
func (e *Engine) Resume(ctx context.Context, account string) error {
	acct, err := e.lookupAccount(account)
	if err != nil {
		return err
	}
	if err := e.repos.Account.SetPaused(ctx, acct.Name, false); err != nil {
		return err
	}
	e.setPausedCache(acct.Name, false)
	if err := e.supervisor.Resume(ctx, acct.Name); err != nil {
		return err
	}
	e.broadcastAccountUpdate(acct.Name)
	return nil
}

// Reconnect forces a fresh IMAP session for account.
func (e *Engine) Reconnect(ctx context.Context, account string) error {
	if _, err := e.lookupAccount(account); err != nil {
		return err
	}
	if err := e.supervisor.Reconnect(ctx, account); err != nil {
		return err
	}
	e.broadcastAccountUpdate(account)
	return nil
}

// TriggerProcess manually triggers processing for account, subject to the
// dispatcher's debounce window. An empty folder
// triggers every folder the account watches.
func (e *Engine) TriggerProcess(ctx context.Context, accountName, folder string) error {
	acct, err := e.lookupAccount(accountName)
	if err != nil {
		return err
	}
	folders := []string{folder}
	if folder == "" {
		folders = watchFolders(acct)
	}
	for _, f := range folders {
		e.dispatcher.Trigger(ctx, acct.Name, f)
	}
	return nil
}

// Stats returns a point-in-time snapshot of accounts, providers and queues.
func (e *Engine) Stats(ctx context.Context) (Snapshot, error) {
	e.mu.Lock()
	accts := make([]*models.Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		accts = append(accts, a)
	}
	e.mu.Unlock()

	snap := Snapshot{DeadLetterCounts: make(map[string]int)}

	providerNames := make(map[string]bool)
	for _, acct := range accts {
		_, connected := func() (*client.Client, bool) {
			c, err := e.supervisor.Client(acct.Name)
			return c, err == nil
		}()

		folders := make(map[string]FolderQueueStatus)
		for _, f := range watchFolders(acct) {
			processing, pending := e.dispatcher.QueueStatus(acct.Name, f)
			folders[f] = FolderQueueStatus{Processing: processing, PendingRedo: pending}
		}

		snap.Accounts = append(snap.Accounts, AccountStatus{
			Name:      acct.Name,
			Connected: connected,
			Paused:    acct.Paused,
			Folders:   folders,
		})

		if acct.LLMProviderName != "" {
			providerNames[acct.LLMProviderName] = true
		}

		entries, err := e.repos.DeadLetter.List(ctx, acct.Name)
		if err != nil {
			e.log.Warnf("engine: failed to list dead letters for %s: %v", acct.Name, err)
			continue
		}
		open := 0
		for _, entry := range entries {
			if entry.ResolvedAt == nil {
				open++
			}
		}
		snap.DeadLetterCounts[acct.Name] = open
	}

	for name := range providerNames {
		provider, err := e.repos.Provider.GetByName(ctx, name)
		if err != nil || provider == nil {
			continue
		}
		snap.Providers = append(snap.Providers, e.llm.Stats(provider))
	}

	e.broadcastStats(snap)
	return snap, nil
}

// Activity reads the audit log through filter.
func (e *Engine) Activity(ctx context.Context, filter repository.ActivityFilter) ([]models.AuditEntry, error) {
	return e.repos.Audit.List(ctx, filter)
}

// DeadLetters lists dead-letter entries, optionally scoped to one account.
func (e *Engine) DeadLetters(ctx context.Context, accountName string) ([]models.DeadLetterEntry, error) {
	return e.repos.DeadLetter.List(ctx, accountName)
}

// RetryDeadLetter manually retries one dead-letter entry outside the
// scheduler's own tick. The retry itself runs
// through the scheduler's bookkeeping so a manual attempt counts against
// max_attempts exactly like a scheduled one.
func (e *Engine) RetryDeadLetter(ctx context.Context, id string) error {
	entry, err := e.repos.DeadLetter.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return mperrors.ErrDeadLetterNotFound
	}
	e.scheduler.RetryNow(ctx, *entry)
	return nil
}

func (e *Engine) SetStatsBroadcaster(b StatsBroadcaster) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	e.statsBroadcast = b
}

func (e *Engine) SetActivityBroadcaster(b ActivityBroadcaster) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	e.activityBroadcast = b
}

func (e *Engine) SetLogBroadcaster(b LogBroadcaster) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	e.logBroadcast = b
}

func (e *Engine) SetAccountUpdateBroadcaster(b AccountUpdateBroadcaster) {
	e.broadcastMu.Lock()
	defer e.broadcastMu.Unlock()
	e.acctBroadcast = b
}

func (e *Engine) broadcastStats(s Snapshot) {
	e.broadcastMu.RLock()
	b := e.statsBroadcast
	e.broadcastMu.RUnlock()
	if b != nil {
		b(s)
	}
}

func (e *Engine) broadcastAccountUpdate(name string) {
	e.broadcastMu.RLock()
	b := e.acctBroadcast
	e.broadcastMu.RUnlock()
	if b != nil {
		b(name)
	}
}

func (e *Engine) onTrigger(accountName, folder string) {
	e.dispatcher.Trigger(context.Background(), accountName, folder)
}

func (e *Engine) onConnectionEvent(accountName string, restored bool) {
	e.webhook.NotifyConnectionEvent(accountName, restored)
	if e.events != nil {
		event := enum.EventConnectionLost
		if restored {
			event = enum.EventConnectionRestored
		}
		if err := e.events.Publish(context.Background(), accountName, event, nil); err != nil {
			e.log.Warnf("engine: failed to publish %s event for %s: %v", event, accountName, err)
		}
	}
	e.broadcastAccountUpdate(accountName)
}

func (e *Engine) onRetryExhausted(ctx context.Context, entry models.DeadLetterEntry) {
	e.webhook.NotifyRetryExhausted(ctx, entry.AccountName, entry.MessageID, entry.Error)
	if e.events != nil {
		if err := e.events.Publish(ctx, entry.AccountName, enum.EventRetryExhausted, map[string]string{
			"message_id": entry.MessageID,
			"error":      entry.Error,
		}); err != nil {
			e.log.Warnf("engine: failed to publish retry_exhausted for %s: %v", entry.MessageID, err)
		}
	}
}

func (e *Engine) lookupAccount(name string) (*models.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acct, ok := e.accounts[name]
	if !ok {
		return nil, mperrors.ErrAccountNotFound
	}
	return acct, nil
}

func (e *Engine) setPausedCache(name string, paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if acct, ok := e.accounts[name]; ok {
		acct.Paused = paused
	}
}

func (e *Engine) lockFor(account string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.mailboxLocks[account]
	if !ok {
		l = &sync.Mutex{}
		e.mailboxLocks[account] = l
	}
	return l
}

func watchFolders(acct *models.Account) []string {
	if len(acct.WatchFolders) > 0 {
		return []string(acct.WatchFolders)
	}
	return []string{"INBOX"}
}

// resolvePolicy merges an Account's own overrides with the process-wide
// PolicyConfig defaults into the AccountPolicy the Message Processor needs.
func (e *Engine) resolvePolicy(acct *models.Account) processor.AccountPolicy {
	folderMode := acct.FolderMode
	if folderMode == "" {
		folderMode = "predefined"
	}

	allowedActions := []string(acct.AllowedActions)
	if len(allowedActions) == 0 {
		allowedActions = models.DefaultAllowedActions()
	}

	basePrompt := e.policy.BasePrompt
	if acct.BasePromptOverride != nil && *acct.BasePromptOverride != "" {
		basePrompt = *acct.BasePromptOverride
	}
	if basePrompt == "" {
		basePrompt = defaultBasePrompt
	}

	return processor.AccountPolicy{
		Name:              acct.Name,
		FolderMode:        folderMode,
		AllowedFolders:    []string(acct.AllowedFolders),
		AllowedActions:    allowedActions,
		MinimumConfidence: acct.MinimumConfidence,
		LLMProviderName:   acct.LLMProviderName,
		LLMModel:          acct.LLMModel,
		DryRun:            e.policy.DryRun,

		VirusScanEnabled:  e.policy.VirusScanEnabled,
		VirusPolicy:       e.policy.VirusPolicy,
		ExtractionEnabled: e.policy.ExtractionEnabled,
		MaxAttachmentMB:   e.policy.MaxAttachmentMB,
		AllowedMimeTypes:  e.policy.AllowedMimeTypesList(),
		MaxExtractedChars: e.policy.MaxExtractedChars,
		ExtractImages:     e.policy.ExtractImages,

		AddProcessingHeaders: e.policy.AddProcessingHeaders,
		AuditSubjects:        e.policy.AuditSubjects,
		BasePrompt:           basePrompt,
		MaxBodyTokens:        e.policy.MaxBodyTokens,

		ConfidenceGateEnabled:   e.policy.ConfidenceGateEnabled,
		GlobalMinimumConfidence: e.policy.GlobalMinimumConfidence,
		ReasoningEnabled:        e.policy.ReasoningEnabled,
	}
}

func podNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}
