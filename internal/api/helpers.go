package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// parseUUID extracts and parses a path parameter as a UUID, writing a 400
// response and returning false on failure so callers can early-return.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// listLimit reads the limit query parameter. Default 50, capped at 200.
func listLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 200 {
		limit = 200
	}
	return limit
}

// parseUUIDString parses a raw UUID string, for request-body fields where
// parseUUID's path-param lookup doesn't apply.
func parseUUIDString(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func parseIntQuery(s string) (int, error) {
	return strconv.Atoi(s)
}

func parseUintQuery(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
