package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/lazysync/lazysync/internal/cacheproto"
)

type PathRequest struct {
	Path string `json:"path"`
}

type PathResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type GetPathResponse struct {
	Success   bool                  `json:"success"`
	Path      string                `json:"path"`
	Entries   []cacheproto.DirEntry `json:"entries"`
	FromCache bool                  `json:"from_cache"`
}

// GetPath returns the listing of ?path=. cache=false bypasses the local
// memo.
func GetPath(b Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimSpace(r.URL.Query().Get("path"))
		if path == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
			return
		}
		preferCache := true
		if v := r.URL.Query().Get("cache"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "cache must be a boolean"})
				return
			}
			preferCache = parsed
		}

		entries, fromCache, err := b.GetDirectoryListing(r.Context(), path, preferCache)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, GetPathResponse{
			Success:   true,
			Path:      cacheproto.NormalizePath(path),
			Entries:   entries,
			FromCache: fromCache,
		})
	}
}

// PrefetchPath asks the remote service to warm a path without waiting.
func PrefetchPath(b Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PathRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
			return
		}
		path := strings.TrimSpace(req.Path)
		if path == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "path is required"})
			return
		}
		if err := b.Prefetch(path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, PathResponse{
			Success: true,
			Message: "Request sent for path: " + path,
		})
	}
}
