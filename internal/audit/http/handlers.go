// Package audithttp exposes the audit timeline, per-entity trails and chain
// verification over HTTP.
package audithttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-caisse/internal/audit"
	"github.com/odyssey-erp/odyssey-caisse/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-caisse/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// viewerRoles may read the audit trail.
var viewerRoles = []shared.Role{shared.RoleFinanceDirector, shared.RoleAccountant}

// TimelineService defines the business contract for audit reads.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error)
	Trail(ctx context.Context, entity, entityID string) ([]audit.TimelineRow, error)
	Verify(ctx context.Context, entity, entityID string) (audit.Verification, error)
}

// Handler serves audit requests.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "export audit timeline", err)
		return
	}
	var buf bytes.Buffer
	if err := audit.WriteCSV(&buf, rows); err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) handleTrail(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	rows, err := h.service.Trail(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, "load audit trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	res, err := h.service.Verify(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, "verify audit chain", err)
		return
	}
	if !res.Valid {
		h.logger.Warn("audit chain broken",
			slog.String("entity", res.Entity),
			slog.String("entity_id", res.EntityID),
			slog.Int64("broken_at", res.BrokenAt),
			slog.String("reason", res.Reason))
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format("2006-01-02")
	}
	toTime, err := time.Parse("2006-01-02", toStr)
	if err != nil {
		return audit.TimelineFilters{}, invalid("to")
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toTime.Add(-defaultDateRange).Format("2006-01-02")
	}
	fromTime, err := time.Parse("2006-01-02", fromStr)
	if err != nil {
		return audit.TimelineFilters{}, invalid("from")
	}
	if fromTime.After(toTime) || toTime.Sub(fromTime) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, invalid("range")
	}

	page, err := positiveInt(q.Get("page"), 1, "page")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	pageSize, err := positiveInt(q.Get("page_size"), defaultPageSize, "page_size")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	pageSize = min(pageSize, maxPageSize)

	var actorID int64
	if v := strings.TrimSpace(q.Get("actor_id")); v != "" {
		actorID, err = strconv.ParseInt(v, 10, 64)
		if err != nil || actorID <= 0 {
			return audit.TimelineFilters{}, invalid("actor_id")
		}
	}

	return audit.TimelineFilters{
		From:     fromTime,
		To:       toTime.Add(24 * time.Hour),
		ActorID:  actorID,
		Entity:   strings.TrimSpace(q.Get("entity")),
		EntityID: strings.TrimSpace(q.Get("entity_id")),
		Action:   strings.TrimSpace(q.Get("action")),
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func positiveInt(raw string, fallback int, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, invalid(field)
	}
	return parsed, nil
}

func invalid(field string) error {
	return fmt.Errorf("%w: invalid %s filter", shared.ErrValidation, field)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthenticated)
		return false
	}
	if _, ok := actor.HasAny(viewerRoles...); !ok {
		httpx.RespondError(w, fmt.Errorf("%w: audit trail requires one of %v", shared.ErrUnauthorized, viewerRoles))
		return false
	}
	return true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, message string, err error) {
	if shared.IsDomain(err) {
		httpx.RespondError(w, err)
		return
	}
	h.handleServerError(w, message, err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Error(message, slog.Any("error", err))
	httpx.RespondError(w, err)
}
