// Package httpserver exposes HTTP handlers for event ingestion and pipeline inspection.
package httpserver

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/campaignkit/metricspipe/internal/deadletter"
	"github.com/campaignkit/metricspipe/internal/metricstore"
	"github.com/campaignkit/metricspipe/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath           = "/healthz"
	eventsPath           = "/v1/events"
	globalMetricsPath    = "/v1/metrics/global"
	campaignMetricsPath  = "/v1/metrics/campaigns/"
	deadLettersPath      = "/v1/dead-letters"
	defaultLettersLimit  = 50
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Publisher enqueues raw event bodies for the pipeline workers.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// LetterLister reads back diverted messages.
type LetterLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Letter, error)
}

// Pinger verifies backing-store connectivity for the health route.
type Pinger interface {
	Ping(ctx context.Context) error
}

type httpServer struct {
	publisher Publisher
	metrics   metricstore.Store
	letters   LetterLister
	pinger    Pinger
}

// NewHandler creates an HTTP handler for pipeline ingestion and inspection.
// The letters lister and pinger are optional; without a lister the
// dead-letter route answers 404, and without a pinger the health route
// reports liveness only.
func NewHandler(publisher Publisher, metrics metricstore.Store, letters LetterLister, pinger Pinger) http.Handler {
	server := &httpServer{publisher: publisher, metrics: metrics, letters: letters, pinger: pinger}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.ingestEvent,
	}))
	mux.Handle(globalMetricsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getGlobalMetrics,
	}))
	mux.Handle(campaignMetricsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getCampaignMetrics,
	}))
	if letters != nil {
		mux.Handle(deadLettersPath, server.methodHandlers(map[string]handlerFunc{
			http.MethodGet: server.listDeadLetters,
		}))
	}

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w)
	})
}

func (s *httpServer) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "backing store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestEvent accepts a raw event document and enqueues it. The body is not
// classified here: malformed events are the pipeline's responsibility so the
// ingest path stays a dumb transport.
func (s *httpServer) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	messageID, err := s.publisher.Publish(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"messageId": messageID})
}

func (s *httpServer) getGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeDocument(w, r, schema.ScopeGlobal, schema.GlobalScopeID)
}

func (s *httpServer) getCampaignMetrics(w http.ResponseWriter, r *http.Request) {
	campaignID := strings.TrimPrefix(r.URL.Path, campaignMetricsPath)
	if campaignID == "" || strings.Contains(campaignID, "/") {
		writeError(w, http.StatusNotFound, "unknown campaign path")
		return
	}
	s.writeDocument(w, r, schema.ScopeCampaign, campaignID)
}

func (s *httpServer) writeDocument(w http.ResponseWriter, r *http.Request, scope schema.Scope, scopeID string) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics store unavailable")
		return
	}
	doc, found, err := s.metrics.Get(r.Context(), scope, scopeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read metrics document")
		return
	}
	// Absent documents render as an all-zero counter set; a campaign with no
	// traffic yet is not an error.
	payload := map[string]any{
		"scope":    string(scope),
		"scopeId":  scopeID,
		"version":  doc.Version,
		"counters": doc.Counters,
	}
	if found {
		payload["lastUpdatedAt"] = doc.LastUpdatedAt
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *httpServer) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultLettersLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	letters, err := s.letters.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dead letters")
		return
	}
	type letterView struct {
		MessageID    string `json:"messageId"`
		Body         string `json:"body"`
		Reason       string `json:"reason"`
		ReceiveCount int    `json:"receiveCount"`
		ReceivedAt   string `json:"receivedAt"`
	}
	views := make([]letterView, 0, len(letters))
	for _, letter := range letters {
		views = append(views, letterView{
			MessageID:    letter.MessageID,
			Body:         string(letter.Body),
			Reason:       letter.Reason,
			ReceiveCount: letter.ReceiveCount,
			ReceivedAt:   letter.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": views})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
