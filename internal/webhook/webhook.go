// Package webhook implements the fire-and-forget Webhook Dispatcher
//: per-account and global subscriptions, concurrent best-effort
// delivery, no retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/metal0/mailpilot-sub001/internal/action"
	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/logger"
)

// Subscription is one webhook endpoint subscribed to a set of events.
type Subscription struct {
	URL     string
	Events  map[enum.WebhookEvent]bool // empty/nil means "all events"
	Headers map[string]string
}

func (s Subscription) wants(event enum.WebhookEvent) bool {
	if len(s.Events) == 0 {
		return true
	}
	return s.Events[event]
}

// Payload is the wire body POSTed to every subscriber. DeliveryID
// lets a subscriber correlate retried/duplicate HTTP deliveries with the
// same logical event.
type Payload struct {
	DeliveryID  string            `json:"delivery_id"`
	Event       enum.WebhookEvent `json:"event"`
	Timestamp   string            `json:"timestamp"`
	Account     string            `json:"account,omitempty"`
	Error       string            `json:"error,omitempty"`
	MessageID   string            `json:"message_id,omitempty"`
	Actions     []string          `json:"actions,omitempty"`
	LLMProvider string            `json:"llm_provider,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}

// Dispatcher holds the global subscription list plus each account's own
// list and fires events concurrently to every matching subscriber.
type Dispatcher struct {
	log        logger.Logger
	httpClient *http.Client

	mu        sync.RWMutex
	global    []Subscription
	byAccount map[string][]Subscription
}

func New(log logger.Logger) *Dispatcher {
	return &Dispatcher{
		log:        log,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		byAccount:  make(map[string][]Subscription),
	}
}

func (d *Dispatcher) SetGlobal(subs []Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.global = subs
}

func (d *Dispatcher) SetAccountSubscriptions(account string, subs []Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAccount[account] = subs
}

func (d *Dispatcher) subscribersFor(account string) []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	subs := make([]Subscription, 0, len(d.global)+len(d.byAccount[account]))
	subs = append(subs, d.global...)
	subs = append(subs, d.byAccount[account]...)
	return subs
}

// Dispatch fires event to every subscriber of account (plus global
// subscribers) concurrently; delivery is best-effort.
func (d *Dispatcher) Dispatch(ctx context.Context, account string, payload Payload) {
	payload.DeliveryID = uuid.NewString()
	payload.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload.Account = account

	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Errorf("webhook: failed to marshal payload for %s: %v", payload.Event, err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range d.subscribersFor(account) {
		if !sub.wants(payload.Event) {
			continue
		}
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			d.post(ctx, sub, body)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) post(ctx context.Context, sub Subscription, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		d.log.Warnf("webhook: failed to build request for %s: %v", sub.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.Warnf("webhook: delivery to %s failed: %v", sub.URL, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.log.Warnf("webhook: %s responded with status %d", sub.URL, resp.StatusCode)
	}
}

// NotifyActionTaken implements processor.WebhookNotifier.
func (d *Dispatcher) NotifyActionTaken(ctx context.Context, account, messageID string, actions []action.Action, provider, model string) {
	formatted := make([]string, len(actions))
	for i, a := range actions {
		formatted[i] = action.FormatActions([]action.Action{a})
	}
	d.Dispatch(ctx, account, Payload{
		Event:       enum.EventActionTaken,
		MessageID:   messageID,
		Actions:     formatted,
		LLMProvider: provider,
	})
}

// NotifyConnectionEvent implements account.OnConnectionEvent.
func (d *Dispatcher) NotifyConnectionEvent(account string, restored bool) {
	event := enum.EventConnectionLost
	if restored {
		event = enum.EventConnectionRestored
	}
	d.Dispatch(context.Background(), account, Payload{Event: event})
}

// NotifyRetryExhausted fires when a dead-letter entry exhausts its retries.
func (d *Dispatcher) NotifyRetryExhausted(ctx context.Context, account, messageID, reason string) {
	d.Dispatch(ctx, account, Payload{Event: enum.EventRetryExhausted, MessageID: messageID, Reason: reason})
}

// NotifyError fires a generic error event.
func (d *Dispatcher) NotifyError(ctx context.Context, account, errMsg string) {
	d.Dispatch(ctx, account, Payload{Event: enum.EventError, Error: errMsg})
}

// NotifyStartup/NotifyShutdown fire the lifecycle events.
func (d *Dispatcher) NotifyStartup(ctx context.Context) {
	d.Dispatch(ctx, "", Payload{Event: enum.EventStartup})
}

func (d *Dispatcher) NotifyShutdown(ctx context.Context) {
	d.Dispatch(ctx, "", Payload{Event: enum.EventShutdown})
}
