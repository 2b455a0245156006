// Package gateway is the HTTP surface of the ingest edge: signed event
// ingest, the unauthenticated page-view path, the operator health
// document, and key-rotation admin endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/optiview/optiview-edge/internal/auth"
	"github.com/optiview/optiview-edge/internal/classify"
	"github.com/optiview/optiview-edge/internal/keys"
	"github.com/optiview/optiview-edge/internal/ratelimit"
	"github.com/optiview/optiview-edge/internal/rules"
	"github.com/optiview/optiview-edge/internal/telemetry"
)

// Config holds gateway policy knobs.
type Config struct {
	// MaxBodyKB caps event payload size.
	MaxBodyKB int
	// AllowedOrigins lists origins accepted on the page-view path; empty
	// means any origin.
	AllowedOrigins []string
}

// Gateway wires the ingest pipeline into HTTP handlers. All dependencies
// are process-lifetime singletons injected at construction.
type Gateway struct {
	cfg        Config
	auth       *auth.Authenticator
	limiter    *ratelimit.Limiter
	classifier *classify.Classifier
	collector  *telemetry.Collector
	registry   keys.Registry
	ruleStore  rules.Store
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a gateway.
func New(cfg Config, authn *auth.Authenticator, limiter *ratelimit.Limiter,
	classifier *classify.Classifier, collector *telemetry.Collector,
	registry keys.Registry, ruleStore rules.Store, logger zerolog.Logger) *Gateway {
	if cfg.MaxBodyKB <= 0 {
		cfg.MaxBodyKB = 64
	}
	return &Gateway{
		cfg:        cfg,
		auth:       authn,
		limiter:    limiter,
		classifier: classifier,
		collector:  collector,
		registry:   registry,
		ruleStore:  ruleStore,
		logger:     logger,
		now:        time.Now,
	}
}

// Router builds the public + admin route table.
func (g *Gateway) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", g.handleLiveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", g.handleLiveness).Methods(http.MethodGet)

	router.HandleFunc("/v1/events", g.handleEvents).Methods(http.MethodPost)
	router.HandleFunc("/v1/pageview", g.handlePageview).Methods(http.MethodPost, http.MethodOptions)

	router.HandleFunc("/api/health", g.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/api/keys", g.handleCreateKey).Methods(http.MethodPost)
	router.HandleFunc("/api/keys/{id}/rotate", g.handleRotate).Methods(http.MethodPost)
	router.HandleFunc("/api/keys/{id}/revoke", g.handleRevoke).Methods(http.MethodPost)

	return router
}

func (g *Gateway) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// eventBody is the minimal accepted event shape; deeper validation is
// the business layer's job.
type eventBody struct {
	Type string `json:"type"`
}

// handleEvents is the signed hot path: auth, admission, validation,
// then record. Telemetry failures never fail the request.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	maxBytes := int64(g.cfg.MaxBodyKB) * 1024

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		g.record(start, "", 0, false, telemetry.ErrUnknown)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	if int64(len(body)) > maxBytes {
		actual := int64(len(body))
		if r.ContentLength > actual {
			actual = r.ContentLength
		}
		g.record(start, "", 0, false, telemetry.ErrSizeExceeded)
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"error":          "payload too large",
			"max_size_kb":    g.cfg.MaxBodyKB,
			"actual_size_kb": (actual + 1023) / 1024,
		})
		return
	}

	identity, err := g.auth.Authenticate(r.Context(), r.Header, body)
	if err != nil {
		kind := authErrorKind(err)
		g.record(start, r.Header.Get(auth.HeaderKeyID), 0, false, kind)
		// Deliberately generic: 401 bodies never reveal which check failed.
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}

	decision := g.limiter.TryConsume(identity.KeyID)
	if !decision.Allowed {
		retry := int(decision.RetryAfter.Seconds())
		g.recordIdentity(start, identity, false, telemetry.ErrRateLimited)
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited",
			"retry_after": retry,
		})
		return
	}

	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		g.recordIdentity(start, identity, false, telemetry.ErrContentTypeInvalid)
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "content type must be application/json"})
		return
	}

	var ev eventBody
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		g.recordIdentity(start, identity, false, telemetry.ErrSchemaInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid event schema"})
		return
	}

	// Business write happens downstream; this core only admits and
	// measures.
	g.recordIdentity(start, identity, true, telemetry.ErrUnknown)
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

// handlePageview is the unauthenticated page-view path; the only route
// that consults the classifier.
func (g *Gateway) handlePageview(w http.ResponseWriter, r *http.Request) {
	start := g.now()
	origin := r.Header.Get("Origin")

	if r.Method == http.MethodOptions {
		if !g.originAllowed(origin) {
			g.record(start, "", 0, false, telemetry.ErrCORSBlocked)
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !g.originAllowed(origin) {
		g.record(start, "", 0, false, telemetry.ErrOriginDenied)
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	result := g.classifier.Classify(r.Context(), r.UserAgent(), r.Referer(), r.Header)
	g.record(start, "", 0, true, telemetry.ErrUnknown)
	writeJSON(w, http.StatusAccepted, result)
}

// handleHealth produces the operator document consumed by dashboards
// and the periodic SLO check.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	kvOK := g.ruleStore.Ping(ctx) == nil
	d1OK := g.registry.Ping(ctx) == nil

	var lastCron any
	if ts, ok, err := g.ruleStore.LastCronRun(ctx); err == nil && ok {
		lastCron = ts.Unix()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kv_ok":        kvOK,
		"d1_ok":        d1OK,
		"last_cron_ts": lastCron,
		"ingest":       g.collector.Snapshot(),
	})
}

// handleCreateKey provisions a fresh credential. The secret appears in
// this response and nowhere else afterwards.
func (g *Gateway) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID int64 `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "project_id required"})
		return
	}

	secret, err := keys.NewSecret()
	if err != nil {
		g.logger.Error().Err(err).Msg("secret generation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "key creation failed"})
		return
	}
	cred := &keys.Credential{
		KeyID:        keys.NewKeyID(),
		ProjectID:    req.ProjectID,
		ActiveSecret: secret,
	}
	if err := g.registry.Create(r.Context(), cred); err != nil {
		g.logger.Error().Err(err).Msg("key creation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "key creation failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key_id":     cred.KeyID,
		"project_id": cred.ProjectID,
		"secret":     secret,
	})
}

func (g *Gateway) handleRotate(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["id"]
	immediate := r.URL.Query().Get("immediate") == "true"

	secret, err := g.registry.Rotate(r.Context(), keyID, immediate)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, keys.ErrNotFound) {
			status = http.StatusNotFound
		}
		g.logger.Error().Err(err).Str("key_id", keyID).Msg("key rotation failed")
		writeJSON(w, status, map[string]any{"error": "rotation failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":    keyID,
		"secret":    secret,
		"immediate": immediate,
	})
}

func (g *Gateway) handleRevoke(w http.ResponseWriter, r *http.Request) {
	keyID := mux.Vars(r)["id"]

	if err := g.registry.Revoke(r.Context(), keyID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, keys.ErrNotFound) {
			status = http.StatusNotFound
		}
		g.logger.Error().Err(err).Str("key_id", keyID).Msg("key revocation failed")
		writeJSON(w, status, map[string]any{"error": "revocation failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"key_id": keyID, "revoked": true})
}

func (g *Gateway) originAllowed(origin string) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	if origin == "" {
		return false
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (g *Gateway) record(start time.Time, keyID string, projectID int64, ok bool, kind telemetry.ErrorKind) {
	g.collector.Record(telemetry.Event{
		KeyID:      keyID,
		ProjectID:  projectID,
		LatencyMS:  float64(g.now().Sub(start).Microseconds()) / 1000,
		HasLatency: true,
		OK:         ok,
		Kind:       kind,
	})
}

func (g *Gateway) recordIdentity(start time.Time, identity auth.Identity, ok bool, kind telemetry.ErrorKind) {
	g.collector.Record(telemetry.Event{
		KeyID:      identity.KeyID,
		ProjectID:  identity.ProjectID,
		LatencyMS:  float64(g.now().Sub(start).Microseconds()) / 1000,
		HasLatency: true,
		OK:         ok,
		UsedGrace:  identity.UsedGrace,
		Kind:       kind,
	})
}

func authErrorKind(err error) telemetry.ErrorKind {
	switch {
	case errors.Is(err, auth.ErrStaleTimestamp):
		return telemetry.ErrReplay
	case errors.Is(err, auth.ErrMissingHeaders),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrSignatureMismatch):
		return telemetry.ErrHMACFailed
	default:
		return telemetry.ErrUnknown
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(v)
}
