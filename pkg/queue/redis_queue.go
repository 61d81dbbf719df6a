package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"meetra/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one stage-advancement request for a resume. Every stage commit
// enqueues a fresh job; the job hash only tracks delivery, never resume state.
type Job struct {
	ID           string    `json:"id"`
	ResumeID     string    `json:"resumeId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler advances one job. A non-nil error re-delivers the job after
// RetryDelay until MaxRetries deliveries have failed.
type Handler func(context.Context, Job) error

// ExhaustedFunc is called once a job has failed MaxRetries deliveries.
type ExhaustedFunc func(context.Context, Job, error)

type RedisJobQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	onExhausted  ExhaustedFunc
	logger       *slog.Logger
	groupOnce    sync.Once
	groupErr     error
	wg           sync.WaitGroup
}

type RedisQueueConfig struct {
	Stream      string
	Group       string
	Consumer    string
	JobTTL      time.Duration
	MaxRetries  int
	Block       time.Duration
	ClaimIdle   time.Duration
	RetryDelay  time.Duration
	MaxLen      int64
	ReadCount   int64
	ClaimCount  int64
	OnExhausted ExhaustedFunc
	Logger      *slog.Logger
}

func NewRedisJobQueue(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &RedisJobQueue{
		client:       client,
		stream:       stream,
		group:        orDefault(cfg.Group, "resume-workers"),
		consumerBase: orDefault(cfg.Consumer, util.NewID()),
		jobTTL:       durationOr(cfg.JobTTL, 24*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, 2*time.Minute),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       int64Or(cfg.MaxLen, 10000),
		readCount:    int64Or(cfg.ReadCount, 10),
		claimCount:   int64Or(cfg.ClaimCount, 10),
		onExhausted:  cfg.OnExhausted,
		logger:       cfg.Logger,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q, nil
}

// Enqueue appends a job for resumeID to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, resumeID string) (Job, error) {
	resumeID = strings.TrimSpace(resumeID)
	if resumeID == "" {
		return Job{}, errors.New("resumeId required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		ResumeID:  resumeID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, fmt.Errorf("write job status: %w", err)
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.ResumeID)).Err(); err != nil {
		return Job{}, fmt.Errorf("xadd: %w", err)
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers. They stop when ctx is cancelled;
// Wait blocks until all of them have returned.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, handler)
		}()
	}
	return nil
}

// Wait blocks until every consumer started by Start has exited.
func (q *RedisJobQueue) Wait() {
	q.wg.Wait()
}

// ensureGroup creates the consumer group at the start of the stream so jobs
// enqueued before the first worker starts are still delivered.
func (q *RedisJobQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("queue read failed", "stream", q.stream, "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// claimPending takes over messages whose consumer died mid-delivery.
func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	resumeID, _ := msg.Values["resume_id"].(string)
	if jobID == "" || resumeID == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, resumeID)
	if err != nil {
		// Leave the message pending; XAUTOCLAIM will retry it.
		q.logger.Warn("mark job processing failed", "job_id", jobID, "err", err)
		return
	}
	herr := handler(ctx, job)
	if herr == nil {
		_ = q.setStatus(ctx, job, StatusDone, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if ctx.Err() != nil {
		return
	}
	if job.Attempts >= q.maxRetries {
		_ = q.setStatus(ctx, job, StatusFailed, herr.Error())
		if q.onExhausted != nil {
			q.onExhausted(ctx, job, herr)
		}
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_ = q.setStatus(ctx, job, StatusQueued, herr.Error())
	if !sleepCtx(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, resumeID); err != nil {
		q.logger.Warn("requeue job failed", "job_id", jobID, "resume_id", resumeID, "err", err)
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck re-adds the job and acknowledges the old delivery atomically.
func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, resumeID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, resumeID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) addArgs(jobID, resumeID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    jobID,
			"resume_id": resumeID,
		},
	}
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID, resumeID string) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		job = Job{ID: jobID, CreatedAt: time.Now().UTC()}
	}
	job.ResumeID = resumeID
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) setStatus(ctx context.Context, job Job, status, errMsg string) error {
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"resumeId":  job.ResumeID,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{
		ID:           jobID,
		ResumeID:     data["resumeId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func int64Or(v, fallback int64) int64 {
	if v > 0 {
		return v
	}
	return fallback
}
