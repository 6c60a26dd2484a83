// Package api exposes stored statuses over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/dispatcher"
	"geotrack-svr/internal/pipeline"
	"geotrack-svr/internal/store"
)

const maxBodySize = 4096

// Reader answers range queries; *store.Client satisfies it.
type Reader interface {
	GetStatuses(ctx context.Context, id codec.SourceID, r store.TimeRange) ([]codec.Status, error)
}

// Sink accepts posted statuses; *pipeline.Processor satisfies it.
type Sink interface {
	HandleStatus(ctx context.Context, origin pipeline.Origin, s codec.Status) error
}

type Handler struct {
	reader Reader
	sink   Sink
	logger *slog.Logger
}

func NewHandler(reader Reader, sink Sink, lg *slog.Logger) *Handler {
	return &Handler{reader: reader, sink: sink, logger: lg.With("component", "api")}
}

// Routes returns the API mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sources/{id}/statuses", h.HandleGetStatuses)
	mux.HandleFunc("POST /api/v1/statuses", h.HandlePostStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// HandleGetStatuses serves ?from=&to=&include_end=. Bounds are unix seconds
// or RFC 3339; the range is [from, to) unless include_end is true.
func (h *Handler) HandleGetStatuses(w http.ResponseWriter, r *http.Request) {
	id, err := codec.ParseSourceID(r.PathValue("id"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid source id: %v", err)
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	statuses, err := h.reader.GetStatuses(r.Context(), id, rng)
	if err != nil {
		h.storageError(w, err)
		return
	}
	if statuses == nil {
		statuses = []codec.Status{}
	}
	h.writeJSON(w, http.StatusOK, statuses)
}

func (h *Handler) HandlePostStatus(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "reading body: %v", err)
		return
	}
	var s codec.Status
	if err := json.Unmarshal(body, &s); err != nil {
		h.sendError(w, http.StatusBadRequest, "%v", err)
		return
	}

	origin := pipeline.Origin{Transport: "http", Remote: r.RemoteAddr}
	if err := h.sink.HandleStatus(r.Context(), origin, s); err != nil {
		h.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseRange(r *http.Request) (store.TimeRange, error) {
	q := r.URL.Query()
	var rng store.TimeRange
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return rng, fmt.Errorf("from: %w", err)
		}
		rng.Start = store.Inclusive(t)
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return rng, fmt.Errorf("to: %w", err)
		}
		rng.End = store.Exclusive(t)
	}
	if v := q.Get("include_end"); v != "" {
		incl, err := strconv.ParseBool(v)
		if err != nil {
			return rng, fmt.Errorf("include_end: %w", err)
		}
		if incl && rng.End.Kind != store.Unbounded {
			rng.End = store.Inclusive(rng.End.At)
		}
	}
	return rng, nil
}

func parseTime(v string) (time.Time, error) {
	if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

func (h *Handler) storageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrChannelClosed):
		h.sendError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.sendError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error("storage request failed", "err", err)
		h.sendError(w, http.StatusInternalServerError, "storage error")
	}
}

func (h *Handler) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	h.writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "err", err)
	}
}
