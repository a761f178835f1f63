package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/reflective-memory-kernel/internal/domain"
)

func TestDispatchFansOutToAllHandlers(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := New(DefaultConfig(), metrics, zaptest.NewLogger(t))

	var calls int32
	var wg sync.WaitGroup
	wg.Add(2)
	d.RegisterHandler("a", func(ctx context.Context, eventType string, payload any) {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
	})
	d.RegisterHandler("b", func(ctx context.Context, eventType string, payload any) {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
	})

	d.DispatchMutation(context.Background(), domain.NodeMutationEvent{CreatedUUIDs: []string{"n1"}})
	wg.Wait()

	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsEmitted.WithLabelValues("node_mutation")))
}

func TestDispatchIsolatesPanickingHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := New(DefaultConfig(), metrics, zaptest.NewLogger(t))

	var goodCalled int32
	var wg sync.WaitGroup
	wg.Add(2)
	d.RegisterHandler("bad", func(ctx context.Context, eventType string, payload any) {
		defer wg.Done()
		panic("boom")
	})
	d.RegisterHandler("good", func(ctx context.Context, eventType string, payload any) {
		defer wg.Done()
		atomic.AddInt32(&goodCalled, 1)
	})

	require.NotPanics(t, func() {
		d.DispatchAccess(context.Background(), domain.NodeAccessEvent{NodeIDs: []string{"n1"}})
	})
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&goodCalled))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HandlerFailures.WithLabelValues("node_access")))
}

func TestDispatchNoHandlersOrWebhookIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	d := New(DefaultConfig(), metrics, zaptest.NewLogger(t))

	require.NotPanics(t, func() {
		d.DispatchMutation(context.Background(), domain.NodeMutationEvent{CreatedUUIDs: []string{"n1"}})
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.EventsEmitted.WithLabelValues("node_mutation")))
}

func TestSendWebhookRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		io.Copy(io.Discard, r.Body)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	cfg.WebhookMaxRetries = 2
	d := New(cfg, metrics, zaptest.NewLogger(t))

	err := d.sendWebhook(context.Background(), "node_mutation", domain.NodeMutationEvent{CreatedUUIDs: []string{"n1"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestSendWebhookExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	cfg.WebhookMaxRetries = 1
	d := New(cfg, metrics, zaptest.NewLogger(t))

	err := d.sendWebhook(context.Background(), "node_mutation", domain.NodeMutationEvent{CreatedUUIDs: []string{"n1"}})
	assert.Error(t, err)
}

func TestDispatchInvokesExternalWebhook(t *testing.T) {
	done := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
		select {
		case done <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := DefaultConfig()
	cfg.WebhookURL = srv.URL
	d := New(cfg, metrics, zaptest.NewLogger(t))

	d.DispatchMutation(context.Background(), domain.NodeMutationEvent{CreatedUUIDs: []string{"n1"}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never invoked")
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ExternalWebhookFailures))
}
