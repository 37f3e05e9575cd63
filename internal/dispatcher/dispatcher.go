// Package dispatcher implements the Work Dispatcher: it coalesces
// bursts of folder-watcher triggers into debounced, bounded-concurrency
// processing batches.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/metal0/mailpilot-sub001/internal/logger"
	"github.com/metal0/mailpilot-sub001/internal/tracing"
)

// ProcessFunc processes one (account, folder) unit of work; it is invoked by
// a dispatcher worker slot and must not retain the context beyond return.
type ProcessFunc func(ctx context.Context, account, folder string)

type keyState struct {
	mu            sync.Mutex
	lastProcessed time.Time
	processing    bool
	redoRequested bool
}

// Dispatcher debounces per-(account,folder) triggers by debounceWindow and
// runs at most concurrencyLimit ProcessFunc calls at once.
type Dispatcher struct {
	log             logger.Logger
	process         ProcessFunc
	debounceWindow  time.Duration
	concurrencyLimit int

	sem chan struct{}

	mu     sync.Mutex
	states map[string]*keyState

	shutdownMu sync.RWMutex
	shuttingDown bool

	wg sync.WaitGroup
}

func New(log logger.Logger, process ProcessFunc, debounceWindow time.Duration, concurrencyLimit int) *Dispatcher {
	if concurrencyLimit <= 0 {
		concurrencyLimit = 1
	}
	return &Dispatcher{
		log:              log,
		process:          process,
		debounceWindow:   debounceWindow,
		concurrencyLimit: concurrencyLimit,
		sem:              make(chan struct{}, concurrencyLimit),
		states:           make(map[string]*keyState),
	}
}

func key(account, folder string) string {
	return account + ":" + folder
}

// Trigger records a folder-watcher event for (account, folder). A trigger
// inside the debounce window of the key's last processing run is dropped
// silently; one arriving after the window while a run is still in flight
// coalesces into a single redo immediately after that run finishes.
func (d *Dispatcher) Trigger(ctx context.Context, account, folder string) {
	d.shutdownMu.RLock()
	down := d.shuttingDown
	d.shutdownMu.RUnlock()
	if down {
		return
	}

	k := key(account, folder)

	d.mu.Lock()
	st, ok := d.states[k]
	if !ok {
		st = &keyState{}
		d.states[k] = st
	}
	d.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if now.Sub(st.lastProcessed) < d.debounceWindow {
		return
	}
	if st.processing {
		st.redoRequested = true
		return
	}

	st.lastProcessed = now
	st.processing = true
	d.runAsync(ctx, account, folder, st)
}

func (d *Dispatcher) runAsync(ctx context.Context, account, folder string, st *keyState) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()

		d.runOnce(ctx, account, folder)

		// The processing flag stays held across a coalesced redo so a
		// trigger racing this window can't start a second concurrent run
		// for the same key.
		st.mu.Lock()
		redo := st.redoRequested
		st.redoRequested = false
		st.processing = redo
		st.lastProcessed = time.Now()
		st.mu.Unlock()

		if redo {
			d.runAsync(ctx, account, folder, st)
		}
	}()
}

func (d *Dispatcher) runOnce(ctx context.Context, account, folder string) {
	span, spanCtx := opentracing.StartSpanFromContext(ctx, "Dispatcher.process")
	defer span.Finish()
	spanCtx = tracing.WithAccountID(spanCtx, account)
	tracing.SetDefaultServiceSpanTags(spanCtx, span)
	span.SetTag("folder", folder)

	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("dispatcher: panic processing %s/%s: %v", account, folder, r)
		}
	}()

	d.process(spanCtx, account, folder)
}

// Shutdown stops accepting new triggers and waits (up to ctx's deadline) for
// in-flight processing runs to finish.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.shutdownMu.Lock()
	d.shuttingDown = true
	d.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warnf("dispatcher: shutdown deadline reached with workers still in flight")
	}
}

// QueueStatus reports whether a key currently has a run in flight or
// pending, for the Engine's Stats() surface.
func (d *Dispatcher) QueueStatus(account, folder string) (processing bool, pendingRedo bool) {
	d.mu.Lock()
	st, ok := d.states[key(account, folder)]
	d.mu.Unlock()
	if !ok {
		return false, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.processing, st.redoRequested
}
