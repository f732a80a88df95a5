package worker

import (
	"context"
	"log"
	"time"

	"netbox-avd-sync/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
}

// NewPool defaults to a single worker. The sync tasks share one git
// working tree, so more than one worker is only safe when every run
// stays out of the repository.
func NewPool(queue service.Queue, processor *Processor, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("worker pool started: workers=%d", p.workers)

	runCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for runID := range runCh {
				err := p.processor.Process(ctx, runID)
				if err != nil {
					log.Printf("[worker-%d] process run %s error: %v", n, runID, err)
				}

				// Ack either way: the run row is already done/error,
				// or Process failed before touching it and the reaper
				// will put the id back on the queue.
				if ackErr := p.queue.Ack(ctx, runID); ackErr != nil {
					log.Printf("[worker-%d] ack run %s error: %v", n, runID, ackErr)
				}
			}
		}(i + 1)
	}

	// Listener: atomically claim from queue -> processing
	for {
		select {
		case <-ctx.Done():
			close(runCh)
			log.Println("worker pool stopped")
			return
		default:
			runID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel, not fatal
				continue
			}
			select {
			case runCh <- runID:
			case <-ctx.Done():
				close(runCh)
				return
			}
		}
	}
}
