package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/roach88/crashwatch/internal/analytics"
	"github.com/roach88/crashwatch/internal/game"
	"github.com/roach88/crashwatch/internal/health"
)

// TimezoneHeader selects the zone game timestamps are rendered in.
const TimezoneHeader = "X-Timezone"

// Paging bounds for /api/games.
const (
	DefaultPerPage = 50
	MaxPerPage     = 100
	maxBodyBytes   = 1 << 20
)

// GamesPage is the /api/games response body.
type GamesPage struct {
	Games      []game.Record `json:"games"`
	Page       int           `json:"page"`
	PerPage    int           `json:"perPage"`
	Total      int64         `json:"total"`
	TotalPages int64         `json:"totalPages"`
}

func (s *Server) handleListGames(w http.ResponseWriter, r *http.Request) {
	loc, err := requestLocation(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	page, err := queryInt(r, "page", 1, 1, 1<<20)
	if err != nil {
		s.writeError(w, err)
		return
	}
	perPage, err := queryInt(r, "per_page", DefaultPerPage, 1, MaxPerPage)
	if err != nil {
		s.writeError(w, err)
		return
	}

	recs, total, err := s.games.List(r.Context(), (page-1)*perPage, perPage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := GamesPage{
		Games:      make([]game.Record, 0, len(recs)),
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: (total + int64(perPage) - 1) / int64(perPage),
	}
	for _, rec := range recs {
		out.Games = append(out.Games, rec.In(loc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	loc, err := requestLocation(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.writeError(w, game.NewValidationError("id", "expected a positive integer, got %q", r.PathValue("id")))
		return
	}
	rec, err := s.games.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.In(loc))
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.analytics == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Status: "error", Message: "analytics are not enabled"})
		return
	}

	params := analytics.ParamsFromQuery(r.URL.Query())
	if r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.writeError(w, game.NewValidationError("body", "read: %v", err))
			return
		}
		fromBody, err := analytics.ParamsFromJSON(body)
		if err != nil {
			s.writeError(w, err)
			return
		}
		for k, v := range fromBody {
			params[k] = v
		}
	}

	data, err := s.analytics.Query(r.Context(), r.PathValue("operation"), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Status: "error", Message: "verification is not enabled"})
		return
	}
	q := r.URL.Query()
	hash := q.Get("hash")
	if hash == "" {
		s.writeError(w, game.NewValidationError("hash", "is required"))
		return
	}

	reported := 0.0
	if raw := q.Get("reported"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			s.writeError(w, game.NewValidationError("reported", "expected a number, got %q", raw))
			return
		}
		reported = f
	}

	res, err := s.verifier.Verify(hash, reported)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HealthBody is the /healthz response body.
type HealthBody struct {
	Status     health.Status      `json:"status"`
	Components []health.Component `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, HealthBody{Status: health.StatusServing, Components: []health.Component{}})
		return
	}
	body := HealthBody{Status: s.health.Overall(), Components: s.health.Snapshot()}
	code := http.StatusOK
	if body.Status == health.StatusBlocked {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

type errorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case game.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, game.ErrNotFound), errors.Is(err, analytics.ErrUnknownOperation):
		code = http.StatusNotFound
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, errorBody{Status: "error", Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if raw, ok := v.(json.RawMessage); ok {
		_, _ = w.Write(raw)
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, game.NewValidationError(name, "expected an integer between %d and %d, got %q", lo, hi, raw)
	}
	return n, nil
}

func requestLocation(r *http.Request) (*time.Location, error) {
	name := strings.TrimSpace(r.Header.Get(TimezoneHeader))
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, game.NewValidationError("timezone", "unknown zone %q", name)
	}
	return loc, nil
}
