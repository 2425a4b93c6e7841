package delivery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

type Pool struct {
	fetcher    *Fetcher
	dispatcher *Dispatcher
	workers    int
	queue      chan models.ScheduledMessage
	log        zerolog.Logger

	stop        chan struct{}
	fetcherDone chan struct{}
	wg          conc.WaitGroup
	stopOnce    sync.Once
}

func NewPool(cfg config.DeliveryConfig, fetcher *Fetcher, dispatcher *Dispatcher, log zerolog.Logger) *Pool {
	return &Pool{
		fetcher:     fetcher,
		dispatcher:  dispatcher,
		workers:     cfg.Workers,
		queue:       make(chan models.ScheduledMessage, cfg.QueueSize),
		log:         log,
		stop:        make(chan struct{}),
		fetcherDone: make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Int("queue_size", cap(p.queue)).Msg("starting delivery worker pool")

	go func() {
		defer close(p.fetcherDone)
		p.fetcher.Run(ctx, p.stop, p.queue)
	}()

	// Claimed messages are already processing in the store, so sends are
	// not cut short by shutdown.
	sendCtx := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Go(func() {
			for msg := range p.queue {
				p.dispatcher.Process(sendCtx, msg)
			}
		})
	}
}

// Stop waits for the fetcher to finish its current batch, then lets the
// workers drain the queue.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.log.Info().Msg("stopping delivery worker pool")
		close(p.stop)
		<-p.fetcherDone
		close(p.queue)
		p.wg.Wait()
		p.log.Info().Msg("delivery worker pool stopped")
	})
}
