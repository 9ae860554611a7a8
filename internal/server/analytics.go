package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/price-engine/internal/failure"
	"github.com/nulpointcorp/price-engine/pkg/apierr"
)

// handleDashboard serves the aggregated failure statistics for the window.
func (s *Server) handleDashboard(ctx *fasthttp.RequestCtx) {
	if s.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	stats, err := s.store.Stats(ctx, queryWindow(ctx))
	if err != nil {
		s.log.ErrorContext(ctx, "analytics_stats_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to load statistics")
		return
	}

	recent, err := s.store.Recent(ctx, queryInt(ctx, "limit", 20, 1, 200))
	if err != nil {
		s.log.ErrorContext(ctx, "analytics_recent_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to load recent failures")
		return
	}

	writeJSON(ctx, struct {
		Stats  failure.Stats    `json:"stats"`
		Recent []failure.Record `json:"recent"`
	}{stats, recent})
}

// handleCommonFailures serves the most frequently failing pending queries.
func (s *Server) handleCommonFailures(ctx *fasthttp.RequestCtx) {
	if s.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	common, err := s.store.Common(ctx, queryInt(ctx, "limit", 20, 1, 500))
	if err != nil {
		s.log.ErrorContext(ctx, "analytics_common_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to load common failures")
		return
	}
	writeJSON(ctx, struct {
		Failures []failure.CommonFailure `json:"failures"`
	}{common})
}

// handleImprovements derives curation suggestions from the common failures.
func (s *Server) handleImprovements(ctx *fasthttp.RequestCtx) {
	if s.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	common, err := s.store.Common(ctx, queryInt(ctx, "limit", 50, 1, 500))
	if err != nil {
		s.log.ErrorContext(ctx, "analytics_improvements_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to load common failures")
		return
	}
	writeJSON(ctx, struct {
		Suggestions []failure.Suggestion `json:"suggestions"`
	}{failure.Suggest(common)})
}

// handleExport streams the window's failure records as JSON (default) or CSV.
func (s *Server) handleExport(ctx *fasthttp.RequestCtx) {
	if s.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	records, err := s.store.Export(ctx, queryWindow(ctx))
	if err != nil {
		s.log.ErrorContext(ctx, "analytics_export_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to export failures")
		return
	}

	switch string(ctx.QueryArgs().Peek("format")) {
	case "csv":
		writeCSV(ctx, records)
	case "", "json":
		writeJSON(ctx, struct {
			Records []failure.Record `json:"records"`
		}{records})
	default:
		apierr.WriteInvalidRequest(ctx, "format must be json or csv")
	}
}

func writeCSV(ctx *fasthttp.RequestCtx, records []failure.Record) {
	ctx.SetContentType("text/csv; charset=utf-8")
	ctx.Response.Header.Set("Content-Disposition", `attachment; filename="search_failures.csv"`)

	w := csv.NewWriter(ctx)
	_ = w.Write([]string{
		"id", "original_query", "normalized_query", "attempted_count",
		"error_message", "category", "brand", "status", "created_at",
	})
	for _, r := range records {
		_ = w.Write([]string{
			strconv.FormatInt(r.ID, 10),
			r.OriginalQuery,
			r.NormalizedQuery,
			strconv.Itoa(r.AttemptedCount),
			r.ErrorMessage,
			r.Category,
			r.Brand,
			r.Status,
			r.CreatedAt.Format(time.RFC3339),
		})
	}
	w.Flush()
}

type resolveRequest struct {
	Status           string  `json:"status"`
	CorrectName      *string `json:"correct_name"`
	CorrectProductID *string `json:"correct_product_id"`
}

// handleResolve moves one failure record out of pending.
func (s *Server) handleResolve(ctx *fasthttp.RequestCtx) {
	if s.store == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"analytics store not configured", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	id, err := strconv.ParseInt(ctx.UserValue("id").(string), 10, 64)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, "id must be an integer")
		return
	}

	var req resolveRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid JSON body")
		return
	}
	switch req.Status {
	case failure.StatusManualFixed, failure.StatusAutoLearned, failure.StatusNotProduct:
	default:
		apierr.WriteInvalidRequest(ctx, "status must be manual_fixed, auto_learned or not_product")
		return
	}

	if err := s.store.MarkResolved(ctx, id, req.Status, req.CorrectName, req.CorrectProductID); err != nil {
		if errors.Is(err, failure.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusNotFound,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		s.log.ErrorContext(ctx, "analytics_resolve_error", slog.String("error", err.Error()))
		apierr.WriteInternal(ctx, "failed to resolve record")
		return
	}
	writeJSON(ctx, map[string]any{"id": id, "status": req.Status})
}
