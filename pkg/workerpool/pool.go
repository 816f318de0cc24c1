// Package workerpool runs batches of keyed tasks concurrently. Tasks that share
// a key run on the same worker in submission order.
package workerpool

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work. Key selects the worker; an empty key is spread by index.
type Task struct {
	Key string
	Run func(ctx context.Context) error
}

// Result is the outcome of one task, in the order tasks were given.
type Result struct {
	Key      string
	Attempts int
	Err      error
}

// Config holds worker pool configuration
type Config struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:    8,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
	}
}

// Pool executes task batches with bounded concurrency.
type Pool struct {
	config Config
	logger *zap.Logger

	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
}

// New creates a new worker pool
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Pool{config: cfg, logger: logger}
}

// Run executes tasks and blocks until all finished or ctx is done.
func (p *Pool) Run(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	workers := p.config.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	shards := make([][]int, workers)
	for i, t := range tasks {
		s := shard(t.Key, i, workers)
		shards[s] = append(shards[s], i)
	}

	var wg sync.WaitGroup
	for _, idx := range shards {
		if len(idx) == 0 {
			continue
		}
		wg.Add(1)
		go func(idx []int) {
			defer wg.Done()
			for _, i := range idx {
				results[i] = p.runTask(ctx, tasks[i])
			}
		}(idx)
	}
	wg.Wait()
	return results
}

func (p *Pool) runTask(ctx context.Context, task Task) Result {
	res := Result{Key: task.Key}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		res.Attempts++
		res.Err = task.Run(ctx)
		if res.Err == nil {
			break
		}
		if attempt == p.config.MaxRetries {
			res.Err = fmt.Errorf("task failed after %d attempts: %w", res.Attempts, res.Err)
			break
		}

		atomic.AddInt64(&p.tasksRetried, 1)
		p.logger.Debug("retrying task",
			zap.String("key", task.Key),
			zap.Int("attempt", attempt+1),
			zap.Error(res.Err))

		select {
		case <-ctx.Done():
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	if res.Err != nil {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed", zap.String("key", task.Key), zap.Error(res.Err))
	} else {
		atomic.AddInt64(&p.tasksCompleted, 1)
	}
	return res
}

func shard(key string, index, n int) int {
	if key == "" {
		return index % n
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Stats holds pool counters
type Stats struct {
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		Workers:        p.config.Workers,
	}
}
