package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/worker"
)

type EnsureResponse struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"task_id,omitempty"`
	Queue          string `json:"queue,omitempty"`
	BinaryPath     string `json:"binary_path,omitempty"`
	LogPath        string `json:"log_path,omitempty"`
	Port           int    `json:"port,omitempty"`
	AlreadyRunning bool   `json:"already_running"`
}

// EnsureService deploys the remote cache service. With a queue the work is
// enqueued and 202 returned; otherwise it runs inline.
func EnsureService(b Backend, q Enqueuer, host string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if q != nil {
			task, err := worker.NewEnsureTask(host)
			if err != nil {
				writeError(w, err)
				return
			}
			info, err := q.EnqueueContext(r.Context(), task)
			if err != nil {
				writeError(w, err)
				return
			}
			log.Info().Str("component", "api").Str("task_id", info.ID).Str("host", host).Msg("service ensure enqueued")
			writeJSON(w, http.StatusAccepted, EnsureResponse{Success: true, TaskID: info.ID, Queue: info.Queue})
			return
		}

		h, err := b.EnsureRemoteService(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, EnsureResponse{
			Success:        true,
			BinaryPath:     h.BinaryPath,
			LogPath:        h.LogPath,
			Port:           h.Port,
			AlreadyRunning: h.AlreadyRunning,
		})
	}
}
