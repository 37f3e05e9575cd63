package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metal0/mailpilot-sub001/internal/enum"
	"github.com/metal0/mailpilot-sub001/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func TestSubscription_WantsAllEventsWhenUnfiltered(t *testing.T) {
	sub := Subscription{URL: "http://example.com"}
	assert.True(t, sub.wants(enum.EventActionTaken))
	assert.True(t, sub.wants(enum.EventShutdown))
}

func TestSubscription_WantsOnlySubscribedEvents(t *testing.T) {
	sub := Subscription{Events: map[enum.WebhookEvent]bool{enum.EventActionTaken: true}}
	assert.True(t, sub.wants(enum.EventActionTaken))
	assert.False(t, sub.wants(enum.EventConnectionLost))
}

func TestDispatch_DeliversPayloadWithHeaders(t *testing.T) {
	var mu sync.Mutex
	var received Payload
	var gotHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeader = r.Header.Get("X-Custom")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(getLogger())
	d.SetAccountSubscriptions("acct1", []Subscription{{
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "yes"},
	}})

	d.Dispatch(context.Background(), "acct1", Payload{Event: enum.EventActionTaken, MessageID: "msg-1"})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, enum.EventActionTaken, received.Event)
	assert.Equal(t, "msg-1", received.MessageID)
	assert.Equal(t, "acct1", received.Account)
	assert.NotEmpty(t, received.DeliveryID)
	assert.NotEmpty(t, received.Timestamp)
	assert.Equal(t, "yes", gotHeader)
}

func TestDispatch_SkipsSubscribersNotWantingTheEvent(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}))
	defer srv.Close()

	d := New(getLogger())
	d.SetGlobal([]Subscription{{
		URL:    srv.URL,
		Events: map[enum.WebhookEvent]bool{enum.EventConnectionLost: true},
	}})

	d.Dispatch(context.Background(), "acct1", Payload{Event: enum.EventActionTaken})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestDispatch_Non2xxIsBestEffort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(getLogger())
	d.SetGlobal([]Subscription{{URL: srv.URL}})

	// Must not panic or error; failure is logged only.
	d.Dispatch(context.Background(), "acct1", Payload{Event: enum.EventError, Error: "boom"})
}
