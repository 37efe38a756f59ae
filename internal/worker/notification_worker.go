package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rentflow/internal/domain"
	"rentflow/internal/events"
	"rentflow/internal/metrics"
	"rentflow/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OutboxEvents are the bus events copied into the notification outbox.
// Completion is written to the outbox by the completion transaction itself.
var OutboxEvents = []string{
	events.EventBookingCancelled,
	events.EventBookingDisputed,
	events.EventHoldPlaced,
	events.EventHoldFailed,
	events.EventHoldCaptured,
	events.EventHoldReleased,
}

// NotificationWorker delivers notification_queue tasks through a Notifier.
type NotificationWorker struct {
	repo          domain.NotificationRepository
	notifier      domain.Notifier
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.NotificationTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	lease         time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewNotificationWorker builds a worker with sane defaults. redisClient may be nil.
func NewNotificationWorker(repo domain.NotificationRepository, notifier domain.Notifier, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *NotificationWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &NotificationWorker{
		repo:          repo,
		notifier:      notifier,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.NotificationTask, 128),
		redisQueueKey: "rentflow:notifications:queue",
		deadLetterKey: "rentflow:notifications:deadletter",
		pollInterval:  2 * time.Second,
		lease:         5 * time.Minute,
		batchSize:     20,
		logger:        logger,
	}
}

// Subscribe copies outbox events from the bus into the queue.
func (w *NotificationWorker) Subscribe(bus *events.EventBus) {
	for _, eventType := range OutboxEvents {
		bus.Subscribe(eventType, func(event *events.Event) error {
			var payload events.BookingEventPayload
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return fmt.Errorf("decode %s payload: %w", event.Type, err)
			}
			return w.Enqueue(context.Background(), event.Type, payload.BookingID, event.Payload)
		})
	}
}

// Enqueue persists a task and schedules it via redis or the in-memory queue.
func (w *NotificationWorker) Enqueue(ctx context.Context, event string, bookingID int64, payload []byte) error {
	if event == "" {
		return errors.New("event is required")
	}
	if bookingID == 0 {
		return errors.New("booking id is required")
	}

	task := models.NotificationTask{
		Event:     event,
		BookingID: bookingID,
		Payload:   string(payload),
		Status:    models.QueuePending,
	}
	if err := w.repo.CreateNotificationTask(ctx, &task); err != nil {
		return fmt.Errorf("persist notification task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the delivery loop until ctx is done.
func (w *NotificationWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("notification worker started")
	defer w.logger.Info().Msg("notification worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		if n := w.pollOnce(ctx); n == 0 {
			if err := Sleep(ctx, w.pollInterval); err != nil {
				return
			}
		}
	}
}

// pollOnce delivers one batch of due tasks from the database.
func (w *NotificationWorker) pollOnce(ctx context.Context) int {
	tasks, err := w.repo.GetPendingNotificationTasks(ctx, w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("fetch pending notifications")
		}
		return 0
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks)
}

func (w *NotificationWorker) tryLocalQueue() (models.NotificationTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.NotificationTask{}, false
	}
}

func (w *NotificationWorker) tryRedis(ctx context.Context) (models.NotificationTask, bool) {
	if w.redis == nil {
		return models.NotificationTask{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
			return models.NotificationTask{}, false
		}
		w.logger.Error().Err(err).Msg("redis BRPOP error")
		return models.NotificationTask{}, false
	}
	if len(res) != 2 {
		return models.NotificationTask{}, false
	}
	var task models.NotificationTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.NotificationTask{}, false
	}
	return task, true
}

func (w *NotificationWorker) processTask(ctx context.Context, task *models.NotificationTask) {
	claimed, err := w.repo.ClaimNotificationTask(ctx, task.ID, time.Now().Add(w.lease))
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("claim notification task")
		return
	}
	if !claimed {
		return
	}

	if !json.Valid([]byte(task.Payload)) {
		w.failTask(ctx, task, errors.New("payload is not valid json"))
		return
	}

	if err := w.notifier.Notify(ctx, task.Event, task.BookingID, []byte(task.Payload)); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncNotification("delivered")
	if err := w.repo.UpdateNotificationTaskStatus(ctx, task.ID, models.QueueCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

func (w *NotificationWorker) retryOrFail(ctx context.Context, task *models.NotificationTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		return
	}

	metrics.IncNotification("retry")
	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", nextTime).Msg("notification delivery failed")
	if err := w.repo.UpdateNotificationTaskStatus(ctx, task.ID, models.QueueRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *NotificationWorker) failTask(ctx context.Context, task *models.NotificationTask, cause error) {
	metrics.IncNotification("failed")
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("event", task.Event).Msg("notification moved to dead letter")
	if err := w.repo.UpdateNotificationTaskStatus(ctx, task.ID, models.QueueFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	w.pushDeadLetter(ctx, task)
}

func (w *NotificationWorker) pushRedis(ctx context.Context, task models.NotificationTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *NotificationWorker) pushDeadLetter(ctx context.Context, task *models.NotificationTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
