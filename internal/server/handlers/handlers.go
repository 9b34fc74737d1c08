// Package handlers holds the HTTP and websocket handlers of the local API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/auth"
	"github.com/lazysync/lazysync/internal/cacheclient"
	"github.com/lazysync/lazysync/internal/cacheproto"
	"github.com/lazysync/lazysync/internal/deploy"
	"github.com/lazysync/lazysync/internal/remotefs"
	"github.com/lazysync/lazysync/internal/tunnel"
)

// Backend serves listings. *remotefs.Session implements it.
type Backend interface {
	GetDirectoryListing(ctx context.Context, path string, preferCache bool) ([]cacheproto.DirEntry, bool, error)
	Prefetch(path string) error
	Connected() bool
	EnsureRemoteService(ctx context.Context) (*deploy.ServiceHandle, error)
}

// Enqueuer submits background tasks. *asynq.Client implements it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Str("component", "api").Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	var (
		serverErr *cacheclient.ServerError
		authErr   *tunnel.AuthError
		archErr   *deploy.ArchMismatchError
		portErr   *tunnel.PortInUseError
	)
	switch {
	case errors.Is(err, cacheproto.ErrRelativePath), errors.Is(err, cacheproto.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, cacheclient.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.As(err, &serverErr):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrCancelled), errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &archErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &portErr):
		return http.StatusConflict
	case errors.Is(err, remotefs.ErrNotConnected),
		errors.Is(err, cacheclient.ErrConnectionLost),
		errors.Is(err, cacheclient.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
