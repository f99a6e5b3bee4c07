package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/cataldij/quotacache/app"
	"github.com/cataldij/quotacache/domain/ratelimit"
	"github.com/cataldij/quotacache/pkg/jsonapi"
)

// QuotaHandler exposes quota inspection and usage recording for operators
// and for handlers that cannot link the Go library.
type QuotaHandler struct {
	limiter  *app.RateLimiter
	recorder *app.UsageRecorder
	logger   zerolog.Logger
}

// NewQuotaHandler creates a new quota handler. recorder may be nil to
// disable POST /v1/usage.
func NewQuotaHandler(limiter *app.RateLimiter, recorder *app.UsageRecorder, logger zerolog.Logger) *QuotaHandler {
	return &QuotaHandler{limiter: limiter, recorder: recorder, logger: logger}
}

// Routes mounts the handler's endpoints.
func (h *QuotaHandler) Routes(r chi.Router) {
	r.Get("/v1/policies", h.ListPolicies)
	r.Get("/v1/quota/{operation}/{identity}", h.Check)
	if h.recorder != nil {
		r.Post("/v1/usage/{operation}/{identity}", h.Record)
	}
}

// ListPolicies returns the configured window policies.
func (h *QuotaHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	var resources []jsonapi.Resource
	for _, op := range h.limiter.Operations() {
		p, ok := h.limiter.Policy(op)
		if !ok {
			continue
		}
		resources = append(resources, jsonapi.NewResource("policy", op).
			Attr("max_events", p.MaxEvents).
			Attr("window_seconds", p.WindowSeconds()).
			Build())
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources, jsonapi.Meta{"total": len(resources)})
}

// Check evaluates the quota for identity without recording anything.
// A denied quota is still a 200: the decision is the resource.
func (h *QuotaHandler) Check(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")
	identity := chi.URLParam(r, "identity")

	policy, ok := h.limiter.Policy(operation)
	if !ok {
		jsonapi.WriteError(w, jsonapi.ErrNotFound("policy"))
		return
	}

	d := h.limiter.Check(r.Context(), identity, policy)
	if errors.Is(d.Err, ratelimit.ErrEmptyIdentity) {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("identity is required"))
		return
	}

	setRateLimitHeaders(w, policy, d)
	jsonapi.WriteResource(w, http.StatusOK, decisionResource(identity, policy, d))
}

// Record appends one usage event. The write is fire-and-forget, so the
// response is 202 whether or not the store accepts it.
func (h *QuotaHandler) Record(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")
	identity := chi.URLParam(r, "identity")

	if _, ok := h.limiter.Policy(operation); !ok {
		jsonapi.WriteError(w, jsonapi.ErrNotFound("policy"))
		return
	}
	if identity == "" {
		jsonapi.WriteError(w, jsonapi.ErrBadRequest("identity is required"))
		return
	}

	h.recorder.Record(identity, operation, map[string]any{"source": "http"})
	jsonapi.WriteDocument(w, http.StatusAccepted, jsonapi.Document{
		Meta: jsonapi.Meta{"status": "accepted"},
	})
}

func decisionResource(identity string, p ratelimit.Policy, d ratelimit.Decision) jsonapi.Resource {
	b := jsonapi.NewResource("quota", identity+":"+p.Operation).
		Attr("identity", identity).
		Attr("operation", p.Operation).
		Attr("allowed", d.Allowed).
		Attr("remaining", d.Remaining).
		Attr("current_count", d.CurrentCount).
		Attr("max_events", p.MaxEvents).
		Attr("window_seconds", p.WindowSeconds()).
		Attr("reset_at", d.ResetAt.UTC().Format(time.RFC3339))
	if d.Degraded {
		b.Meta("degraded", true)
		if d.Err != nil {
			b.Meta("error", d.Err.Error())
		}
	}
	return b.Build()
}

func setRateLimitHeaders(w http.ResponseWriter, p ratelimit.Policy, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(p.MaxEvents))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
