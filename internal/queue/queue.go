// Package queue implements a database-backed job queue with delayed jobs,
// bounded per-type worker concurrency, attempt-based retry with exponential
// backoff, and cron-driven repeating jobs. Delivery is at least once: a
// worker crash between claim and completion re-runs the job after retry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crmflow/internal/models"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Options 入队选项
type Options struct {
	Delay       time.Duration
	MaxAttempts int
}

// Handler 处理一个任务载荷。返回错误触发队列级重试。
type Handler func(ctx context.Context, payload []byte) error

// Queue 引擎消费的任务队列能力
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts *Options) (uint, error)
	EnqueueRepeating(jobType string, payload interface{}, cronExpr string) error
	Process(jobType string, concurrency int, handler Handler)
}

type worker struct {
	handler     Handler
	concurrency int
	sem         chan struct{}
}

// DBQueue gorm 表驱动的队列实现。多个进程可以共享同一张表：
// 认领用乐观更新，输掉竞争的 worker 直接跳过。
type DBQueue struct {
	db           *gorm.DB
	logger       *logrus.Logger
	pollInterval time.Duration
	backoffBase  time.Duration
	maxAttempts  int

	mu      sync.RWMutex
	workers map[string]*worker

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDBQueue(db *gorm.DB, logger *logrus.Logger, pollInterval, backoffBase time.Duration, maxAttempts int) *DBQueue {
	if logger == nil {
		logger = logrus.New()
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if backoffBase <= 0 {
		backoffBase = 5 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &DBQueue{
		db:           db,
		logger:       logger,
		pollInterval: pollInterval,
		backoffBase:  backoffBase,
		maxAttempts:  maxAttempts,
		workers:      make(map[string]*worker),
		cron:         cron.New(),
	}
}

// Enqueue 入队，可带延迟与自定义重试上限，返回任务 id
func (q *DBQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, opts *Options) (uint, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	runAt := time.Now()
	maxAttempts := q.maxAttempts
	if opts != nil {
		if opts.Delay > 0 {
			runAt = runAt.Add(opts.Delay)
		}
		if opts.MaxAttempts > 0 {
			maxAttempts = opts.MaxAttempts
		}
	}

	job := &models.Job{
		Type:        jobType,
		Payload:     string(raw),
		Status:      StatusQueued,
		RunAt:       runAt,
		MaxAttempts: maxAttempts,
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return 0, err
	}
	return job.ID, nil
}

// EnqueueRepeating 注册 cron 表达式驱动的重复任务
func (q *DBQueue) EnqueueRepeating(jobType string, payload interface{}, cronExpr string) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	_, err := q.cron.AddFunc(cronExpr, func() {
		if _, err := q.Enqueue(context.Background(), jobType, payload, nil); err != nil {
			q.logger.Warnf("queue: repeating enqueue %s failed: %v", jobType, err)
		}
	})
	return err
}

// Process 注册某个任务类型的处理器与并发度。必须在 Start 之前调用。
func (q *DBQueue) Process(jobType string, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.workers[jobType] = &worker{
		handler:     handler,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
	}
}

// Start 启动轮询循环与 cron 调度
func (q *DBQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.cron.Start()
	q.wg.Add(1)
	go q.pollLoop(ctx)
}

// Stop 停止接收新任务并等待在途任务结束
func (q *DBQueue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	<-q.cron.Stop().Done()
	q.wg.Wait()
}

func (q *DBQueue) pollLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchDue(ctx)
		}
	}
}

func (q *DBQueue) dispatchDue(ctx context.Context) {
	q.mu.RLock()
	types := make([]string, 0, len(q.workers))
	for t := range q.workers {
		types = append(types, t)
	}
	q.mu.RUnlock()
	if len(types) == 0 {
		return
	}

	var jobs []models.Job
	if err := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ? AND type IN ?", StatusQueued, time.Now(), types).
		Order("run_at ASC").
		Limit(50).
		Find(&jobs).Error; err != nil {
		q.logger.Warnf("queue: poll failed: %v", err)
		return
	}

	for i := range jobs {
		job := jobs[i]
		q.mu.RLock()
		w := q.workers[job.Type]
		q.mu.RUnlock()
		if w == nil {
			continue
		}
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		default:
			continue // worker pool full, pick the job up next poll
		}

		q.wg.Add(1)
		go func(job models.Job, w *worker) {
			defer q.wg.Done()
			defer func() { <-w.sem }()
			q.runJob(ctx, job, w)
		}(job, w)
	}
}

func (q *DBQueue) runJob(ctx context.Context, job models.Job, w *worker) {
	// optimistic claim; another process may have taken it
	now := time.Now()
	claim := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", job.ID, StatusQueued).
		Updates(map[string]interface{}{"status": StatusRunning, "started_at": now, "attempts": gorm.Expr("attempts + 1")})
	if claim.Error != nil || claim.RowsAffected == 0 {
		return
	}
	attempts := job.Attempts + 1

	err := func() (handlerErr error) {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return w.handler(ctx, []byte(job.Payload))
	}()

	finished := time.Now()
	if err == nil {
		if dbErr := q.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{"status": StatusDone, "finished_at": finished, "last_error": ""}).Error; dbErr != nil {
			q.logger.Warnf("queue: mark job %d done failed: %v", job.ID, dbErr)
		}
		return
	}

	q.logger.Warnf("queue: job %d (%s) attempt %d failed: %v", job.ID, job.Type, attempts, err)
	if attempts >= job.MaxAttempts {
		if dbErr := q.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{"status": StatusFailed, "finished_at": finished, "last_error": err.Error()}).Error; dbErr != nil {
			q.logger.Warnf("queue: mark job %d failed: %v", job.ID, dbErr)
		}
		return
	}

	// exponential backoff: base, 2*base, 4*base, ...
	delay := q.backoffBase << (attempts - 1)
	if dbErr := q.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":     StatusQueued,
			"run_at":     finished.Add(delay),
			"last_error": err.Error(),
		}).Error; dbErr != nil {
		q.logger.Warnf("queue: requeue job %d failed: %v", job.ID, dbErr)
	}
}
