package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/gamebridge/relaykit/auth"
	"github.com/gamebridge/relaykit/telemetry"
)

// TaskUsageReset is the task type of the daily API-key counter reset.
const TaskUsageReset = "usage:reset"

const (
	// lastResetKey records the date of the last completed reset so extra
	// runs on the same day become no-ops.
	lastResetKey = "relaykit:usage-reset:last"

	// resetLockKey serializes the reset across broker instances.
	resetLockKey = "relaykit:usage-reset:lock"

	resetLockTTL = 5 * time.Minute
)

// UsageResetJob zeroes every API key's daily counter. Multiple broker
// instances may all fire the scheduled task; the Redis lock plus the
// last-run marker make the reset happen once per day.
type UsageResetJob struct {
	Store auth.KeyStore
	Redis redis.UniversalClient
	Log   telemetry.Sink
}

// Handle is the asynq handler for TaskUsageReset.
func (j *UsageResetJob) Handle(ctx context.Context, _ *asynq.Task) error {
	today := auth.DateStamp(time.Now())

	last, err := j.Redis.Get(ctx, lastResetKey).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if last == today {
		j.Log.Debug("usage reset already ran today", telemetry.Fields{"date": today})
		return nil
	}

	lock := NewLock(j.Redis, resetLockKey, resetLockTTL)
	holder, ok, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		j.Log.Debug("usage reset running on another instance", nil)
		return nil
	}
	defer func() {
		if err := lock.Release(ctx, holder); err != nil {
			j.Log.Warn("failed to release reset lock", telemetry.Fields{"error": err.Error()})
		}
	}()

	n, err := j.Store.ResetDailyCounters(ctx)
	if err != nil {
		return err
	}
	if err := j.Redis.Set(ctx, lastResetKey, today, 48*time.Hour).Err(); err != nil {
		return err
	}

	j.Log.Info("reset daily usage counters", telemetry.Fields{
		"keys": n,
		"date": today,
	})
	return nil
}

// RegisterUsageReset mounts the reset handler and schedules it for midnight
// UTC every day. No-op on a runtime without Redis.
func (r *Runtime) RegisterUsageReset(store auth.KeyStore, rdb redis.UniversalClient) error {
	if r.Server == nil {
		return nil
	}

	job := &UsageResetJob{Store: store, Redis: rdb, Log: r.log}
	r.Mux.HandleFunc(TaskUsageReset, job.Handle)

	_, err := r.Scheduler.Register("@daily", asynq.NewTask(TaskUsageReset, nil))
	return err
}
