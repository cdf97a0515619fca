package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"crmflow/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newQueueTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Job{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// dispatch 跑一轮认领并等所有派发的 worker 落地
func dispatch(q *DBQueue, ctx context.Context) {
	q.dispatchDue(ctx)
	q.wg.Wait()
}

type payloadRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *payloadRecorder) handler(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func TestEnqueue_Defaults(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 3)

	id, err := q.Enqueue(context.Background(), "TEST_JOB", map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var job models.Job
	if err := db.First(&job, id).Error; err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want queue default 3", job.MaxAttempts)
	}
	if time.Until(job.RunAt) > time.Second {
		t.Fatalf("run_at %v, want immediate", job.RunAt)
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(job.Payload), &decoded); err != nil || decoded["k"] != "v" {
		t.Fatalf("payload = %q, want marshaled map", job.Payload)
	}
}

func TestEnqueue_Options(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 3)

	id, err := q.Enqueue(context.Background(), "TEST_JOB", nil, &Options{
		Delay:       30 * time.Minute,
		MaxAttempts: 7,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var job models.Job
	db.First(&job, id)
	if job.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d, want 7", job.MaxAttempts)
	}
	if until := time.Until(job.RunAt); until < 29*time.Minute || until > 31*time.Minute {
		t.Fatalf("run_at %v, want about 30 minutes out", job.RunAt)
	}
}

func TestDispatch_RunsDueJobs(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 3)
	rec := &payloadRecorder{}
	q.Process("TEST_JOB", 2, rec.handler)

	id, err := q.Enqueue(context.Background(), "TEST_JOB", map[string]string{"n": "1"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dispatch(q, context.Background())

	var job models.Job
	db.First(&job, id)
	if job.Status != StatusDone {
		t.Fatalf("status = %s, want done", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.StartedAt == nil || job.FinishedAt == nil {
		t.Fatal("started_at/finished_at not set")
	}
	if len(rec.payloads) != 1 {
		t.Fatalf("handler runs = %d, want 1", len(rec.payloads))
	}
}

func TestDispatch_SkipsFutureAndForeignJobs(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 3)
	rec := &payloadRecorder{}
	q.Process("TEST_JOB", 1, rec.handler)

	delayed, err := q.Enqueue(context.Background(), "TEST_JOB", nil, &Options{Delay: time.Hour})
	if err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	// 没注册 worker 的类型不毁不动
	orphan, err := q.Enqueue(context.Background(), "UNKNOWN_JOB", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue orphan: %v", err)
	}
	dispatch(q, context.Background())

	if len(rec.payloads) != 0 {
		t.Fatalf("handler runs = %d, want 0", len(rec.payloads))
	}
	var job models.Job
	db.First(&job, delayed)
	if job.Status != StatusQueued {
		t.Fatalf("delayed job status = %s, want still queued", job.Status)
	}
	db.First(&job, orphan)
	if job.Status != StatusQueued || job.Attempts != 0 {
		t.Fatalf("orphan job touched: status=%s attempts=%d", job.Status, job.Attempts)
	}
}

func TestDispatch_RetryWithBackoff(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, 10*time.Second, 3)
	var runs int
	var mu sync.Mutex
	q.Process("FLAKY", 1, func(ctx context.Context, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		return errors.New("boom")
	})

	id, err := q.Enqueue(context.Background(), "FLAKY", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dispatch(q, context.Background())

	var job models.Job
	db.First(&job, id)
	if job.Status != StatusQueued {
		t.Fatalf("status = %s, want requeued after first failure", job.Status)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if job.LastError != "boom" {
		t.Fatalf("last_error = %q, want boom", job.LastError)
	}
	// 第一次退避 = base
	if until := time.Until(job.RunAt); until < 8*time.Second || until > 12*time.Second {
		t.Fatalf("run_at backoff %v, want about 10s", until)
	}

	// 把 run_at 拨回现在，驱动后续尝试直到耗尽
	for i := 0; i < 2; i++ {
		db.Model(&models.Job{}).Where("id = ?", id).Update("run_at", time.Now().Add(-time.Second))
		dispatch(q, context.Background())
	}

	db.First(&job, id)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed after max attempts", job.Status)
	}
	if job.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", job.Attempts)
	}
	if runs != 3 {
		t.Fatalf("handler runs = %d, want 3", runs)
	}
}

func TestDispatch_PanicCountsAsFailure(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 1)
	q.Process("PANICKY", 1, func(ctx context.Context, payload []byte) error {
		panic("exploded")
	})

	id, err := q.Enqueue(context.Background(), "PANICKY", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dispatch(q, context.Background())

	var job models.Job
	db.First(&job, id)
	if job.Status != StatusFailed {
		t.Fatalf("status = %s, want failed (maxAttempts 1)", job.Status)
	}
	if job.LastError == "" {
		t.Fatal("last_error empty after panic")
	}
}

func TestDispatch_ClaimedOnceAcrossWorkers(t *testing.T) {
	db := newQueueTestDB(t)
	// 两个队列实例共享一张表，模拟多进程
	q1 := NewDBQueue(db, nil, time.Second, time.Second, 3)
	q2 := NewDBQueue(db, nil, time.Second, time.Second, 3)
	rec := &payloadRecorder{}
	q1.Process("SHARED", 1, rec.handler)
	q2.Process("SHARED", 1, rec.handler)

	if _, err := q1.Enqueue(context.Background(), "SHARED", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dispatch(q1, context.Background())
	dispatch(q2, context.Background())

	// 乐观认领：只有一个实例真正执行
	if len(rec.payloads) != 1 {
		t.Fatalf("handler runs = %d, want exactly 1", len(rec.payloads))
	}
}

func TestEnqueueRepeating_ValidatesCron(t *testing.T) {
	db := newQueueTestDB(t)
	q := NewDBQueue(db, nil, time.Second, time.Second, 3)

	if err := q.EnqueueRepeating("SWEEP", nil, "not a cron"); err == nil {
		t.Fatal("invalid cron should error")
	}
	if err := q.EnqueueRepeating("SWEEP", nil, "@every 1m"); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}
