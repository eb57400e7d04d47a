package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedDelivery struct {
	body      []byte
	signature string
	delivery  string
	event     string
}

func newTestDispatcher(subs []Subscriber) *Dispatcher {
	d := NewDispatcher(subs, zap.NewNop())
	d.schedule = []time.Duration{0, time.Millisecond, time.Millisecond}
	return d
}

func TestDispatchDeliversSignedEnvelope(t *testing.T) {
	var mu sync.Mutex
	var got capturedDelivery

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = capturedDelivery{
			body:      body,
			signature: r.Header.Get(HeaderSignature),
			delivery:  r.Header.Get(HeaderDelivery),
			event:     r.Header.Get(HeaderEvent),
		}
		mu.Unlock()
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret", Events: []string{EventPolicyViolation}}
	d := newTestDispatcher([]Subscriber{sub})

	d.Dispatch(context.Background(), EventPolicyViolation, map[string]string{"policy": "no-pii"})
	d.Flush()

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, EventPolicyViolation, got.event)
	assert.NotEmpty(t, got.delivery)
	assert.True(t, VerifySignature("s3cret", got.body, got.signature))

	var envelope Envelope
	require.NoError(t, json.Unmarshal(got.body, &envelope))
	assert.Equal(t, EventPolicyViolation, envelope.Event)
	assert.False(t, envelope.Timestamp.IsZero())
}

func TestDispatchRetriesWithStableDeliveryID(t *testing.T) {
	var mu sync.Mutex
	var deliveryIDs []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveryIDs = append(deliveryIDs, r.Header.Get(HeaderDelivery))
		n := len(deliveryIDs)
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret"}
	d := newTestDispatcher([]Subscriber{sub})

	d.Dispatch(context.Background(), EventBudgetExceeded, nil)
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deliveryIDs, 3)
	assert.Equal(t, deliveryIDs[0], deliveryIDs[1])
	assert.Equal(t, deliveryIDs[1], deliveryIDs[2])
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret"}
	d := newTestDispatcher([]Subscriber{sub})

	// The request context dies as soon as the handler returns; retries
	// must keep running anyway
	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, EventBudgetExceeded, nil)
	cancel()
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestCloseAbandonsPendingRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret"}
	d := NewDispatcher([]Subscriber{sub}, zap.NewNop())
	d.schedule = []time.Duration{0, time.Hour}

	d.Dispatch(context.Background(), EventBudgetExceeded, nil)

	// Give the immediate attempt time to land before shutting down
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return while a retry was pending")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestDispatchSkipsUninterestedSubscriber(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret", Events: []string{EventBreakerStateChange}}
	d := newTestDispatcher([]Subscriber{sub})

	d.Dispatch(context.Background(), EventPolicyViolation, nil)
	d.Flush()

	assert.Zero(t, calls)
}

func TestDispatchEmptyEventListReceivesAll(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	sub := Subscriber{ID: uuid.New(), URL: server.URL, Secret: "s3cret"}
	d := newTestDispatcher([]Subscriber{sub})

	d.Dispatch(context.Background(), EventPolicyViolation, nil)
	d.Dispatch(context.Background(), EventBudgetExceeded, nil)
	d.Flush()

	assert.Equal(t, 2, calls)
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event":"budget.exceeded"}`)
	sig := Sign("right", body)
	assert.True(t, VerifySignature("right", body, sig))
	assert.False(t, VerifySignature("wrong", body, sig))
	assert.False(t, VerifySignature("right", []byte("tampered"), sig))
}
