// Package jobs runs the broker's background work on asynq: currently the
// daily API-key usage reset. Without Redis configured the runtime degrades
// to a no-op so development setups need nothing extra.
package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/gamebridge/relaykit/telemetry"
)

// Runtime encapsulates the asynq client, worker server, and scheduler.
type Runtime struct {
	Client    *asynq.Client
	Server    *asynq.Server
	Scheduler *asynq.Scheduler
	Mux       *asynq.ServeMux
	log       telemetry.Sink
}

// NewRuntime creates a job runtime. An empty redisURL yields a no-op
// runtime: enqueues are logged and dropped, Start and Stop do nothing.
func NewRuntime(redisURL string, log telemetry.Sink) (*Runtime, error) {
	if log == nil {
		log = telemetry.Nop()
	}
	if redisURL == "" {
		return &Runtime{Mux: asynq.NewServeMux(), log: log}, nil
	}

	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			"default": 3,
			"low":     1,
		},
		Logger: asynqLogger{log},
	})

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Logger: asynqLogger{log},
	})

	return &Runtime{
		Client:    asynq.NewClient(opt),
		Server:    server,
		Scheduler: scheduler,
		Mux:       asynq.NewServeMux(),
		log:       log,
	}, nil
}

// Start begins processing and scheduling jobs.
func (r *Runtime) Start() error {
	if r.Server == nil {
		r.log.Info("no redis configured, job worker disabled", nil)
		return nil
	}
	if err := r.Server.Start(r.Mux); err != nil {
		return err
	}
	return r.Scheduler.Start()
}

// Stop shuts the worker and scheduler down, waiting for in-flight tasks.
func (r *Runtime) Stop() error {
	if r.Server == nil {
		return nil
	}
	r.Scheduler.Shutdown()
	r.Server.Shutdown()
	return r.Client.Close()
}

// Enqueue queues a task for immediate processing.
func (r *Runtime) Enqueue(taskType string, payload interface{}, opts ...asynq.Option) error {
	if r.Client == nil {
		r.log.Debug("dropping enqueue, no redis configured", telemetry.Fields{"task": taskType})
		return nil
	}

	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal task payload: %w", err)
		}
	}

	info, err := r.Client.Enqueue(asynq.NewTask(taskType, data, opts...))
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	r.log.Info("enqueued task", telemetry.Fields{
		"task":  taskType,
		"id":    info.ID,
		"queue": info.Queue,
	})
	return nil
}

// asynqLogger adapts a telemetry sink to asynq's logger interface.
type asynqLogger struct {
	sink telemetry.Sink
}

func (l asynqLogger) Debug(args ...interface{}) { l.sink.Debug(fmt.Sprint(args...), nil) }
func (l asynqLogger) Info(args ...interface{})  { l.sink.Info(fmt.Sprint(args...), nil) }
func (l asynqLogger) Warn(args ...interface{})  { l.sink.Warn(fmt.Sprint(args...), nil) }
func (l asynqLogger) Error(args ...interface{}) { l.sink.Error(fmt.Sprint(args...), nil) }
func (l asynqLogger) Fatal(args ...interface{}) { l.sink.Error(fmt.Sprint(args...), nil) }
