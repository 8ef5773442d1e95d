package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nektus/exchange-server-go/internal/service"
)

// PromotionJob periodically finalizes pending matches whose waiting window
// has elapsed without a closer candidate appearing. Without it a pending
// pair would only resolve when one side reports again.
type PromotionJob struct {
	matcher  *service.MatcherService
	interval time.Duration
	done     chan struct{}
}

func NewPromotionJob(matcher *service.MatcherService, interval time.Duration) *PromotionJob {
	return &PromotionJob{
		matcher:  matcher,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *PromotionJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("promotion job started")
}

func (j *PromotionJob) Stop() {
	close(j.done)
	log.Info().Msg("promotion job stopped")
}

func (j *PromotionJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.promote()
		}
	}
}

func (j *PromotionJob) promote() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	promoted, err := j.matcher.PromotePending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("pending promotion pass failed")
		return
	}
	if promoted > 0 {
		log.Info().Int("promoted", promoted).Msg("promoted pending matches")
	}
}
