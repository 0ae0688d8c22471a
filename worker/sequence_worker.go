package worker

import (
	"context"
	"log"
	"sync"
	"time"
)

// SequenceWorker drives the engine: a fixed-interval scan finds due
// enrollments and fans them out to a bounded pool. The lease guarantees a
// due enrollment is processed by exactly one worker even when scan cycles
// overlap or multiple instances run against the same database.
type SequenceWorker struct {
	Scheduler *Scheduler
	Executor  *StepExecutor
	Lease     Lease
	Logger    *log.Logger

	ScanInterval time.Duration
	LeaseTTL     time.Duration
	WorkerCount  int
	BatchSize    int
}

func NewSequenceWorker(scheduler *Scheduler, executor *StepExecutor, lease Lease, logger *log.Logger, scanInterval, leaseTTL time.Duration, workerCount, batchSize int) *SequenceWorker {
	if scanInterval <= 0 {
		scanInterval = 30 * time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Minute
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &SequenceWorker{
		Scheduler:    scheduler,
		Executor:     executor,
		Lease:        lease,
		Logger:       logger,
		ScanInterval: scanInterval,
		LeaseTTL:     leaseTTL,
		WorkerCount:  workerCount,
		BatchSize:    batchSize,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.Logger.Printf("Sequence worker started (scan=%s workers=%d)", sw.ScanInterval, sw.WorkerCount)

	jobs := make(chan uint)
	var wg sync.WaitGroup
	for i := 0; i < sw.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for enrollmentID := range jobs {
				sw.process(ctx, enrollmentID)
			}
		}()
	}

	ticker := time.NewTicker(sw.ScanInterval)
	defer ticker.Stop()

	// First scan right away to pick up items that came due while down.
	sw.scan(ctx, jobs)

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Sequence worker shutting down...")
			close(jobs)
			wg.Wait()
			return
		case <-ticker.C:
			sw.scan(ctx, jobs)
		}
	}
}

func (sw *SequenceWorker) scan(ctx context.Context, jobs chan<- uint) {
	due, err := sw.Scheduler.ListDue(time.Now(), sw.BatchSize)
	if err != nil {
		sw.Logger.Printf("Due scan failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	sw.Logger.Printf("Due scan found %d enrollment(s)", len(due))
	for i := range due {
		select {
		case jobs <- due[i].ID:
		case <-ctx.Done():
			return
		}
	}
}

func (sw *SequenceWorker) process(ctx context.Context, enrollmentID uint) {
	acquired, err := sw.Lease.Acquire(ctx, enrollmentID, sw.LeaseTTL)
	if err != nil {
		sw.Logger.Printf("Lease acquire failed for enrollment %d: %v", enrollmentID, err)
		return
	}
	if !acquired {
		// Another worker or instance holds it.
		return
	}
	defer func() {
		if err := sw.Lease.Release(ctx, enrollmentID); err != nil {
			sw.Logger.Printf("Lease release failed for enrollment %d: %v", enrollmentID, err)
		}
	}()

	if err := sw.Executor.Execute(ctx, enrollmentID); err != nil {
		sw.Logger.Printf("Failed to process enrollment %d: %v", enrollmentID, err)
	}
}
