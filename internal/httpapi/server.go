// Package httpapi is the inspection surface over the coordinator: read-only
// item and message queries, the explicit create/send/resurrect entry points,
// the metrics endpoint, and an SSE event stream. It never touches lease or
// retry fields directly; every mutation goes through the store, scheduler,
// and bus entry points.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ankittk/crew/internal/bus"
	"github.com/ankittk/crew/internal/scheduler"
	"github.com/ankittk/crew/internal/store"
	"github.com/ankittk/crew/internal/store/postgres"
	"github.com/ankittk/crew/pkg/models"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key, DB, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	DBDriver       string       // "sqlite" (default) or "postgres"
	DBURL          string       // for postgres: connection string (or set DATABASE_URL env)
	MaxConcurrent  int          // per-role admission cap; 0 = unlimited
	MetricsHandler http.Handler // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, SSE hub, store, and the coordination services.
type App struct {
	Server *http.Server
	Hub    *SSEHub
	Store  store.Store
	Sched  *scheduler.Scheduler
	Bus    *bus.Bus
	Home   string
}

// NewApp creates the HTTP app (server, hub, store, services) and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(st, scheduler.Config{MaxConcurrent: opts.MaxConcurrent}, nil)
	msgBus := bus.New(st, bus.Config{}, nil)
	app := &App{Hub: hub, Store: st, Sched: sched, Bus: msgBus, Home: opts.Home}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handlePlainMetrics)
	}

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/items", app.handleItems)
	mux.HandleFunc("/items/", app.handleItemByID)
	mux.HandleFunc("/available", app.handleAvailable)
	mux.HandleFunc("/messages", app.handleMessages)
	mux.HandleFunc("/messages/stats", app.handleMessageStats)
	mux.HandleFunc("/messages/", app.handleMessageByID)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "crew")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// handlePlainMetrics is the fallback when the OTel Prometheus handler is not
// wired: a hand-rendered gauge of work items by status.
func (a *App) handlePlainMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	items, _ := a.Store.ListWorkItems(r.Context(), store.ItemFilter{})
	counts := map[models.ItemStatus]int64{}
	for _, it := range items {
		counts[it.Status]++
	}
	_, _ = fmt.Fprintf(w, "# TYPE crew_work_items_total gauge\n")
	for _, s := range []models.ItemStatus{models.StatusBacklog, models.StatusReady, models.StatusInProgress, models.StatusReview, models.StatusDone} {
		_, _ = fmt.Fprintf(w, "crew_work_items_total{status=%q} %d\n", s, counts[s])
	}
}

func (a *App) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.ItemFilter{}
		q := r.URL.Query()
		if v := q.Get("status"); v != "" {
			s, err := models.ParseItemStatus(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Status = s
		}
		if v := q.Get("type"); v != "" {
			typ, err := models.ParseItemType(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Type = typ
		}
		if v := q.Get("role"); v != "" {
			role, err := models.ParseRole(v)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			f.Role = role
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			f.Limit = n
		}
		items, err := a.Store.ListWorkItems(r.Context(), f)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(items))

	case http.MethodPost:
		var body struct {
			Type        string `json:"type"`
			ParentID    string `json:"parent_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Role        string `json:"assigned_role"`
			Priority    int    `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		p := store.CreateItemParams{
			Type:     models.ItemType(body.Type),
			Title:    body.Title,
			Priority: body.Priority,
		}
		if body.ParentID != "" {
			p.ParentID = &body.ParentID
		}
		if body.Description != "" {
			p.Description = &body.Description
		}
		if body.Role != "" {
			role, err := models.ParseRole(body.Role)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			p.AssignedRole = &role
		}
		item, err := a.Store.CreateWorkItem(r.Context(), p)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.Publish(Event{Type: "item_update", ItemID: item.ItemID, Status: string(item.Status)})
		writeJSON(w, item)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleItemByID serves /items/{id}, /items/{id}/history, /items/{id}/messages.
func (a *App) handleItemByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/items/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	itemID := parts[0]

	if len(parts) == 1 {
		item, err := a.Store.GetWorkItem(r.Context(), itemID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if item == nil {
			writeJSONError(w, http.StatusNotFound, "item not found")
			return
		}
		writeJSON(w, item)
		return
	}

	switch parts[1] {
	case "history":
		hist, err := a.Store.ListHistory(r.Context(), itemID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(hist))
	case "messages":
		msgs, err := a.Bus.ListForItem(r.Context(), itemID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(msgs))
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleAvailable exposes the ordered candidate list. Purely informational;
// claiming still goes through the workers.
func (a *App) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	items, err := a.Sched.ListAvailable(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, emptyIfNil(items))
}

func (a *App) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		agent := r.URL.Query().Get("agent")
		if agent == "" {
			writeJSONError(w, http.StatusBadRequest, "agent query parameter required")
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeJSONError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}
		msgs, err := a.Bus.Inbox(r.Context(), agent, limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, emptyIfNil(msgs))

	case http.MethodPost:
		var body struct {
			FromAgent string `json:"from_agent"`
			ToAgent   string `json:"to_agent"`
			Type      string `json:"message_type"`
			Subject   string `json:"subject"`
			Content   string `json:"content"`
			ItemID    string `json:"item_id"`
			Priority  string `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		p := store.CreateMessageParams{
			FromAgent: body.FromAgent,
			ToAgent:   body.ToAgent,
			Type:      models.MessageType(body.Type),
			Subject:   body.Subject,
			Content:   body.Content,
			Priority:  models.MessagePriority(body.Priority),
		}
		if body.ItemID != "" {
			p.ItemID = &body.ItemID
		}
		m, err := a.Bus.Send(r.Context(), p)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.Hub.Publish(Event{Type: "message_sent", MessageID: m.MessageID, Agent: m.ToAgent})
		writeJSON(w, m)

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *App) handleMessageStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := a.Bus.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, stats)
}

// handleMessageByID serves /messages/{id} and POST /messages/{id}/resurrect.
func (a *App) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/messages/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	messageID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		m, err := a.Store.GetMessage(r.Context(), messageID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if m == nil {
			writeJSONError(w, http.StatusNotFound, "message not found")
			return
		}
		writeJSON(w, m)
		return
	}

	if parts[1] == "resurrect" && r.Method == http.MethodPost {
		ok, err := a.Bus.Resurrect(r.Context(), messageID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeJSONError(w, http.StatusConflict, "message is not a dead letter")
			return
		}
		a.Hub.Publish(Event{Type: "message_resurrected", MessageID: messageID})
		writeJSON(w, map[string]any{"ok": true})
		return
	}
	writeJSONError(w, http.StatusNotFound, "not found")
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
