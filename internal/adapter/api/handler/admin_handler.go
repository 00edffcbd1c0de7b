package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/V4T54L/beacon/internal/domain"
	"github.com/V4T54L/beacon/internal/usecase"
)

// AdminHandler handles HTTP requests for pipeline operations.
type AdminHandler struct {
	uc     *usecase.OperationsUseCase
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc *usecase.OperationsUseCase, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, logger: logger}
}

// Health returns the cached health status, 503 when critical.
// GET /health and GET /admin/health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.uc.LastHealth(r.Context())
	writeJSON(w, h.logger, healthCode(status), status)
}

// CheckHealth runs every probe now.
// POST /admin/health/check
func (h *AdminHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := h.uc.CheckHealth(r.Context())
	writeJSON(w, h.logger, healthCode(status), status)
}

// QueueStats returns the batch queue state.
// GET /admin/queue
func (h *AdminHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.uc.QueueStats())
}

// FlushQueue flushes the batch queue immediately.
// POST /admin/queue/flush
func (h *AdminHandler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.uc.FlushQueue(r.Context()))
}

// RateLimitStats returns tracked identifiers and the top consumers.
// GET /admin/ratelimit?top={n}
func (h *AdminHandler) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	top, err := queryInt(r, "top", 10)
	if err != nil {
		http.Error(w, "invalid top parameter", http.StatusBadRequest)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, h.uc.RateLimitStats(int(top)))
}

// ResetRateLimit forgets one identifier.
// DELETE /admin/ratelimit/{identifier}
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("identifier")
	if !h.uc.ResetRateLimit(identifier) {
		http.Error(w, "identifier not tracked", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListPolicies returns all retention policies.
// GET /admin/retention/policies
func (h *AdminHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.uc.Policies())
}

// AddPolicy registers a new retention policy.
// POST /admin/retention/policies
func (h *AdminHandler) AddPolicy(w http.ResponseWriter, r *http.Request) {
	var policy domain.RetentionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.uc.AddPolicy(policy); err != nil {
		h.policyError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, policy)
}

// UpdatePolicy changes fields of an existing policy.
// PATCH /admin/retention/policies/{name}
func (h *AdminHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var update domain.PolicyUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	policy, err := h.uc.UpdatePolicy(r.PathValue("name"), update)
	if err != nil {
		h.policyError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, policy)
}

// RemovePolicy deletes a policy.
// DELETE /admin/retention/policies/{name}
func (h *AdminHandler) RemovePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.uc.RemovePolicy(r.PathValue("name")); err != nil {
		h.policyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForceCleanup runs the named policies, or all enabled ones when none are named.
// POST /admin/retention/cleanup
func (h *AdminHandler) ForceCleanup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Policies []string `json:"policies"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	results, err := h.uc.ForceCleanup(r.Context(), payload.Policies)
	if err != nil {
		h.policyError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, results)
}

// EstimateCleanup reports how many rows a cleanup would delete.
// GET /admin/retention/estimate
func (h *AdminHandler) EstimateCleanup(w http.ResponseWriter, r *http.Request) {
	estimates, err := h.uc.EstimateCleanup(r.Context())
	if err != nil {
		h.logger.Error("failed to estimate cleanup", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, estimates)
}

// CleanupResults returns the results of the last cleanup run.
// GET /admin/retention/results
func (h *AdminHandler) CleanupResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.uc.LastCleanupResults())
}

// DeadLetters lists stored dead letters, newest first.
// GET /admin/deadletters?count={n}
func (h *AdminHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", 100)
	if err != nil {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return
	}

	letters, total, err := h.uc.DeadLetters(r.Context(), count)
	if err != nil {
		h.deadLetterError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"total": total, "dead_letters": letters})
}

// TrimDeadLetters caps the dead-letter store.
// POST /admin/deadletters/trim
func (h *AdminHandler) TrimDeadLetters(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxLen *int64 `json:"maxlen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.MaxLen == nil || *payload.MaxLen < 0 {
		http.Error(w, "maxlen must be a non-negative integer", http.StatusBadRequest)
		return
	}

	trimmed, err := h.uc.TrimDeadLetters(r.Context(), *payload.MaxLen)
	if err != nil {
		h.deadLetterError(w, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]int64{"trimmed": trimmed})
}

func (h *AdminHandler) policyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPolicyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrPolicyExists), errors.Is(err, domain.ErrCleanupRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidPolicy):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("retention operation failed", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *AdminHandler) deadLetterError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrDeadLettersDisabled) {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	h.logger.Error("dead-letter operation failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func healthCode(status domain.HealthStatus) int {
	if status.Status == domain.HealthCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
