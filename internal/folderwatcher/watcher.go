// Package folderwatcher turns IMAP server events (or a timer, for servers
// without IDLE) into "process this folder now" triggers.
package folderwatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// idleRenewal is passed to the client as its IDLE LogoutTimeout, so the
// client ends and re-issues IDLE at this interval within a single Idle call.
const idleRenewal = 29 * time.Minute

// TriggerFunc is invoked once per detected change (or poll tick) for a
// folder.
type TriggerFunc func(folder string)

// Manager owns every (account, folder) watcher goroutine, keyed by a
// composite "account:folder" key.
type Manager struct {
	log logger.Logger

	mu       sync.Mutex
	stopFns  map[string]context.CancelFunc
}

func NewManager(log logger.Logger) *Manager {
	return &Manager{
		log:     log,
		stopFns: make(map[string]context.CancelFunc),
	}
}

func key(account, folder string) string {
	return account + ":" + folder
}

// Start launches (or replaces) the watcher for (account, folder). c is the
// account's already-authenticated session client, shared by every watcher of
// that account; the Account Supervisor owns its lifecycle.
func (m *Manager) Start(parent context.Context, account, folder string, c *client.Client, pollInterval time.Duration, supportsIdle bool, onTrigger TriggerFunc) {
	k := key(account, folder)

	m.mu.Lock()
	if cancel, ok := m.stopFns[k]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	m.stopFns[k] = cancel
	m.mu.Unlock()

	go m.run(ctx, account, folder, c, pollInterval, supportsIdle, onTrigger)
}

// Stop cancels the watcher for (account, folder). Stopping an unknown key is
// a no-op.
func (m *Manager) Stop(account, folder string) {
	k := key(account, folder)
	m.mu.Lock()
	cancel, ok := m.stopFns[k]
	if ok {
		delete(m.stopFns, k)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAccount cancels every watcher belonging to account.
func (m *Manager) StopAccount(account string) {
	prefix := account + ":"
	m.mu.Lock()
	var cancels []context.CancelFunc
	for k, cancel := range m.stopFns {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cancels = append(cancels, cancel)
			delete(m.stopFns, k)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, account, folder string, c *client.Client, pollInterval time.Duration, supportsIdle bool, onTrigger TriggerFunc) {
	if supportsIdle {
		m.runIdle(ctx, account, folder, c, onTrigger)
		return
	}
	m.runPoll(ctx, account, folder, c, pollInterval, onTrigger)
}

func (m *Manager) runIdle(ctx context.Context, account, folder string, c *client.Client, onTrigger TriggerFunc) {
	for {
		if ctx.Err() != nil {
			return
		}

		span, spanCtx := tracing.StartTracerSpan(ctx, "FolderWatcher.idle")
		tracing.SetDefaultServiceSpanTags(spanCtx, span)
		tracing.TagComponentIMAP(span)
		span.SetTag("account", account)
		span.SetTag("folder", folder)

		updates := make(chan client.Update, 64)
		c.Updates = updates
		stop := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				close(stop)
			case <-stop:
			}
		}()

		changed := make(chan struct{}, 1)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for update := range updates {
				switch update.(type) {
				case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
					select {
					case changed <- struct{}{}:
					default:
					}
				}
			}
		}()

		idleErr := make(chan error, 1)
		go func() {
			idleErr <- c.Idle(stop, &client.IdleOptions{
				LogoutTimeout: idleRenewal,
				PollInterval:  time.Minute,
			})
		}()

		select {
		case <-ctx.Done():
			closeStop(stop)
			<-idleErr
		case <-changed:
			closeStop(stop)
			<-idleErr
			c.Updates = nil
			<-done
			span.Finish()
			onTrigger(folder)
			continue
		case err := <-idleErr:
			c.Updates = nil
			<-done
			if err != nil {
				tracing.TraceErr(span, err)
				m.log.Warnf("idle error for %s/%s: %v", account, folder, err)
			}
			span.Finish()
			continue
		}

		c.Updates = nil
		<-done
		span.Finish()
		return
	}
}

func closeStop(stop chan struct{}) {
	select {
	case <-stop:
	default:
		close(stop)
	}
}

func (m *Manager) runPoll(ctx context.Context, account, folder string, c *client.Client, pollInterval time.Duration, onTrigger TriggerFunc) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			span, spanCtx := opentracing.StartSpanFromContext(ctx, "FolderWatcher.poll")
			tracing.SetDefaultServiceSpanTags(spanCtx, span)
			tracing.TagComponentIMAP(span)
			span.SetTag("account", account)
			span.SetTag("folder", folder)

			if _, err := c.Select(folder, true); err != nil {
				tracing.TraceErr(span, err)
				m.log.Warnf("poll select failed for %s/%s: %v", account, folder, fmt.Errorf("select: %w", err))
				span.Finish()
				continue
			}
			span.Finish()
			onTrigger(folder)
		}
	}
}
