package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lysyi3m/tg-comb/app/channel"
	"github.com/lysyi3m/tg-comb/app/metrics"
)

const taskQueueSize = 300

type Scheduler struct {
	configCache *channel.ConfigCache
	manager     ListenerManager
	interval    time.Duration
	workerCount int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	taskQueue   chan TaskInterface

	mu           sync.Mutex
	lastBackfill map[string]time.Time
}

func NewScheduler(configCache *channel.ConfigCache, manager ListenerManager, interval time.Duration, workerCount int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if workerCount < 1 {
		workerCount = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}

	return &Scheduler{
		configCache:  configCache,
		manager:      manager,
		interval:     interval,
		workerCount:  workerCount,
		ctx:          ctx,
		cancel:       cancel,
		taskQueue:    make(chan TaskInterface, taskQueueSize),
		lastBackfill: make(map[string]time.Time),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.enqueueStartupTasks()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.enqueueTasks(time.Now())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}

	select {
	case s.taskQueue <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) enqueueStartupTasks() {
	configs := s.configCache.GetConfigs()
	if len(configs) == 0 {
		slog.Debug("No channel configurations found")
		return
	}

	slog.Debug("Processing channel configurations", "count", len(configs))

	now := time.Now()
	for _, config := range configs {
		if config.Listen {
			if err := s.EnqueueTask(NewStartListenerTask(config, s.manager)); err != nil {
				slog.Warn("Failed to enqueue StartListenerTask", "channel", config.Username, "error", err)
			}
		}

		if !config.Backfill.Enabled() {
			slog.Debug("Backfill disabled, skipping BackfillChannelTask", "channel", config.Username)
			continue
		}
		s.enqueueBackfill(config, now)
	}
}

// enqueueTasks re-enqueues periodic backfills whose interval has elapsed.
func (s *Scheduler) enqueueTasks(now time.Time) {
	for _, config := range s.configCache.GetConfigs() {
		if !config.Backfill.Periodic() {
			continue
		}

		s.mu.Lock()
		last, ok := s.lastBackfill[config.Name]
		s.mu.Unlock()

		due := !ok || now.Sub(last) >= time.Duration(config.Backfill.Interval)*time.Second
		if !due {
			slog.Debug("Channel not due for backfill yet", "channel", config.Username, "last_backfill", last)
			continue
		}
		s.enqueueBackfill(config, now)
	}
}

func (s *Scheduler) enqueueBackfill(config *channel.Config, now time.Time) {
	if err := s.EnqueueTask(NewBackfillChannelTask(config, s.manager)); err != nil {
		slog.Warn("Failed to enqueue BackfillChannelTask", "channel", config.Username, "error", err)
		return
	}

	s.mu.Lock()
	s.lastBackfill[config.Name] = now
	s.mu.Unlock()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.BeginAttempt()

	taskCtx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	err := task.Execute(taskCtx)
	if err == nil {
		metrics.TasksProcessed.WithLabelValues(string(task.Kind()), "ok").Inc()
		return
	}

	metrics.TasksProcessed.WithLabelValues(string(task.Kind()), "failed").Inc()
	slog.Error("Worker task execution failed", "worker_id", workerID, "task", task.Key(), "attempt", task.Attempts(), "error", err)

	if !task.Retryable() {
		slog.Error("Task given up", "task", task.Key(), "attempts", task.Attempts(), "last_error", err)
		return
	}

	delay := retryDelay(task.Attempts())
	slog.Warn("Task retry scheduled", "task", task.Key(), "attempt", task.Attempts(), "delay", delay.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "task", task.Key())
			return
		case <-time.After(delay):
		}

		if retryErr := s.EnqueueTask(task); retryErr != nil {
			slog.Error("Failed to re-enqueue task for retry", "task", task.Key(), "attempt", task.Attempts(), "error", retryErr)
		}
	}()
}

// retryDelay is the wait after the given failed attempt: 1s doubled per
// attempt, capped at 30s.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return 30 * time.Second
	}
	return min(time.Duration(1<<uint(attempt-1))*time.Second, 30*time.Second)
}
