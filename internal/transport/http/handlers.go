package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/snehjoshi/batchq/internal/broker"
	"github.com/snehjoshi/batchq/internal/dispatcher"
	"github.com/snehjoshi/batchq/internal/queue"
	"github.com/snehjoshi/batchq/internal/report"
	"github.com/snehjoshi/batchq/internal/types"
)

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker *broker.Broker
	logger *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status  string `json:"status"`
	RunID   string `json:"run_id,omitempty"`
	Running bool   `json:"running"`
	Items   int    `json:"items"`
}

// appendReq mirrors one line of the CLI's JSONL input. Payload is kept raw so
// the configured validator sees exactly what will be sent.
type appendReq struct {
	Path    string            `json:"path"`
	Params  map[string]string `json:"params"`
	Payload json.RawMessage   `json:"payload"`
}

type appendResp struct {
	Seq uint64 `json:"seq"`
}

type summaryResp struct {
	Counts  map[types.Status]int `json:"counts"`
	Total   int                  `json:"total"`
	Running bool                 `json:"running"`
}

type sendReq struct {
	Statuses []types.Status `json:"statuses"`
}

type sendErrResp struct {
	Error   string             `json:"error"`
	Summary dispatcher.Summary `json:"summary"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResp{
		Status:  "ok",
		RunID:   h.broker.RunID(),
		Running: h.broker.Running(),
		Items:   h.broker.Size(),
	})
}

// ─── Items ────────────────────────────────────────────────────────────────────

// listItems returns report rows. ?status= accepts a comma-separated list and
// may be repeated; without it every item is returned.
func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query()["status"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rows := report.Table(h.broker.Items(statuses...))
	if rows == nil {
		rows = []report.Row{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) appendItem(w http.ResponseWriter, r *http.Request) {
	var req appendReq
	if !decodeJSON(w, r, &req) {
		return
	}
	seq, err := h.broker.Append(types.Destination{Path: req.Path, Params: req.Params}, req.Payload)
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, appendResp{Seq: seq})
}

// ─── Summary ──────────────────────────────────────────────────────────────────

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	counts := h.broker.Counts()
	var total int
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, summaryResp{Counts: counts, Total: total, Running: h.broker.Running()})
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// send runs one round synchronously and returns its summary. The round is
// tied to the request context: a client that disconnects cancels it, and the
// interrupted items go back to pending.
func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	sum, err := h.broker.Send(r.Context(), req.Statuses...)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sum)
	case errors.Is(err, broker.ErrRoundInProgress):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("send round cancelled by client", "round", sum.Round, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, sendErrResp{Error: err.Error(), Summary: sum})
	default:
		writeJSON(w, http.StatusInternalServerError, sendErrResp{Error: err.Error(), Summary: sum})
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func parseStatuses(raw []string) ([]types.Status, error) {
	var out []types.Status
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s, ok := types.ParseStatus(part)
			if !ok {
				return nil, fmt.Errorf("unknown status %q", part)
			}
			out = append(out, s)
		}
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		code := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, code, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}
