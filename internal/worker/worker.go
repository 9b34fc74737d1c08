// Package worker runs the Asynq task worker that ensures the remote cache
// service is deployed, so API callers can enqueue the slow upload and start
// sequence instead of holding a request open.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/lazysync/lazysync/internal/deploy"
)

const (
	// TaskEnsureService deploys and starts the cache service on a host.
	TaskEnsureService = "service:ensure"

	maxRetry = 3
)

// EnsurePayload is the JSON body of a TaskEnsureService task.
type EnsurePayload struct {
	Host string `json:"host"`
}

// Ensurer makes sure the cache service runs on host.
type Ensurer interface {
	EnsureService(ctx context.Context, host string) (*deploy.ServiceHandle, error)
}

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server  *asynq.Server
	client  *asynq.Client
	ensurer Ensurer
}

// New creates a Worker against Redis at redisAddr.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, ensurer Ensurer) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		Logger: zerologAdapter{},
	})

	return &Worker{
		server:  srv,
		client:  asynq.NewClient(opt),
		ensurer: ensurer,
	}
}

// Mux returns the handler set served by Start.
func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskEnsureService, HandleEnsure(w.ensurer))
	return mux
}

// Start begins processing tasks in a background goroutine.
// This should be called only once during the application lifecycle.
func (w *Worker) Start() {
	mux := w.Mux()
	go func() {
		log.Info().Str("component", "worker").Msg("starting asynq worker")
		if err := w.server.Run(mux); err != nil {
			log.Error().Str("component", "worker").Err(err).Msg("asynq worker error")
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

// NewEnsureTask builds a TaskEnsureService task for host.
func NewEnsureTask(host string) (*asynq.Task, error) {
	payload, err := json.Marshal(EnsurePayload{Host: host})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEnsureService, payload, asynq.MaxRetry(maxRetry), asynq.Queue("critical")), nil
}

// HandleEnsure runs the deployer for a task. Errors that cannot succeed on
// retry (bad payload, architecture mismatch, missing binary, cancelled
// authentication) skip retries.
func HandleEnsure(e Ensurer) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p EnsurePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode %s payload: %v: %w", TaskEnsureService, err, asynq.SkipRetry)
		}

		h, err := e.EnsureService(ctx, p.Host)
		if err != nil {
			if !deploy.IsRetryable(err) {
				log.Error().Str("component", "worker").Str("host", p.Host).Err(err).Msg("ensure service failed permanently")
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		log.Info().Str("component", "worker").Str("host", p.Host).Str("binary", h.BinaryPath).
			Bool("already_running", h.AlreadyRunning).Msg("cache service ensured")
		return nil
	}
}

// zerologAdapter routes asynq's internal logging through zerolog.
type zerologAdapter struct{}

func (zerologAdapter) Debug(args ...any) {
	log.Debug().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Info(args ...any) {
	log.Info().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Warn(args ...any) {
	log.Warn().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Error(args ...any) {
	log.Error().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
func (zerologAdapter) Fatal(args ...any) {
	log.Fatal().Str("component", "asynq").Msg(fmt.Sprint(args...))
}
