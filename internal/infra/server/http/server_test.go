package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/campaignkit/metricspipe/internal/deadletter"
	"github.com/campaignkit/metricspipe/internal/metricstore"
	"github.com/campaignkit/metricspipe/internal/queue"
	"github.com/campaignkit/metricspipe/internal/schema"
)

type staticLetters struct{ letters []deadletter.Letter }

func (s *staticLetters) List(context.Context, int) ([]deadletter.Letter, error) {
	return s.letters, nil
}

func newTestHandler(t *testing.T) (http.Handler, *queue.MemoryQueue, *metricstore.MemoryStore) {
	t.Helper()
	q := queue.NewMemoryQueue(queue.MemoryConfig{})
	t.Cleanup(q.Close)
	store := metricstore.NewMemoryStore()
	lister := &staticLetters{letters: []deadletter.Letter{
		{MessageID: "msg-1", Body: []byte("{}"), Reason: "malformed", ReceiveCount: 2, ReceivedAt: time.Now()},
	}}
	return NewHandler(q, store, lister, nil), q, store
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthReportsStoreOutage(t *testing.T) {
	q := queue.NewMemoryQueue(queue.MemoryConfig{})
	t.Cleanup(q.Close)
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	handler := NewHandler(q, metricstore.NewMemoryStore(), nil, down)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the backing store is down", rec.Code)
	}

	up := pingFunc(func(context.Context) error { return nil })
	handler = NewHandler(q, metricstore.NewMemoryStore(), nil, up)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 once the store answers", rec.Code)
	}
}

func TestIngestEventEnqueues(t *testing.T) {
	handler, q, _ := newTestHandler(t)

	body := `{"eventId":"evt-1","type":"EMAIL.SENT","targets":[{"scope":"global"}]}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["messageId"] == "" {
		t.Error("messageId missing from response")
	}
	if q.Len() != 1 {
		t.Errorf("queue len = %d, want 1", q.Len())
	}
}

func TestIngestRejectsNonJSON(t *testing.T) {
	handler, q, _ := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if q.Len() != 0 {
		t.Errorf("invalid body must not be enqueued, len = %d", q.Len())
	}
}

func TestIngestRejectsWrongMethod(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetCampaignMetrics(t *testing.T) {
	handler, _, store := newTestHandler(t)
	ctx := context.Background()

	doc := metricstore.Zero(schema.ScopeCampaign, "camp-1")
	doc.Counters = doc.Counters.Add(schema.Delta{TotalEmailsSent: 7})
	if err := store.ConditionalPut(ctx, doc, 0); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/campaigns/camp-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Version  int64             `json:"version"`
		Counters schema.CounterSet `json:"counters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != 1 || resp.Counters.TotalEmailsSent != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestGetUnknownCampaignReadsZero(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics/campaigns/never-seen", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Version  int64             `json:"version"`
		Counters schema.CounterSet `json:"counters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Version != 0 || resp.Counters.TotalEmailsSent != 0 {
		t.Errorf("unknown campaign should read zero, got %+v", resp)
	}
}

func TestListDeadLetters(t *testing.T) {
	handler, _, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dead-letters?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		DeadLetters []struct {
			MessageID string `json:"messageId"`
			Reason    string `json:"reason"`
		} `json:"deadLetters"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].Reason != "malformed" {
		t.Errorf("resp = %+v", resp)
	}
}
