package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pulseq/internal/config"
	"pulseq/internal/domain"
	"pulseq/internal/heart"
	"pulseq/internal/metrics"
	"pulseq/internal/queue"
	"pulseq/internal/rate"
	"pulseq/internal/registry"
)

func demoCmd() *cobra.Command {
	var (
		duration time.Duration
		period   time.Duration
	)

	var command = &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process demo with sample producers and subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)

			cfg := config.Load().Heart
			cfg.Period = period

			bank := queue.New(cfg.Stages, cfg.AutoCreateStages, cfg.MaxStageDepth)
			reg := registry.New()
			m := metrics.New(cfg.MetricsWindow)
			h := heart.New(cfg, bank, reg, rate.NewController(cfg), m, nil)

			reg.SubscribeFunc("echo", func(ctx context.Context, eventType string, items []*domain.WorkItem) error {
				for _, item := range items {
					log.Info().Str("id", item.ID).Str("type", eventType).Str("priority", item.Priority.String()).
						Msg("processed item")
					if err := h.Complete(item.ID, nil); err != nil {
						return err
					}
				}
				return nil
			}, []string{"demo.echo"}, 0)

			reg.SubscribeFunc("flaky", func(ctx context.Context, eventType string, items []*domain.WorkItem) error {
				return errors.New("simulated failure")
			}, []string{"demo.fail"}, 0)

			_ = h.RegisterPeriodic(10, func(beat uint64) {
				log.Info().Uint64("beat", beat).Interface("depths", h.Metrics().DepthByStage).
					Msg("maintenance cycle")
			})

			if err := h.Start(); err != nil {
				return err
			}

			// Producers: a steady stream of echo items plus an occasional
			// critical one and a failing type.
			stop := make(chan struct{})
			go func() {
				i := 0
				for {
					select {
					case <-stop:
						return
					case <-time.After(period / 3):
					}
					i++
					prio := domain.PriorityNormal
					typ := "demo.echo"
					switch {
					case i%13 == 0:
						prio = domain.PriorityCritical
					case i%7 == 0:
						typ = "demo.fail"
					}
					if _, err := h.Enqueue("input", domain.Payload{Type: typ, Data: i}, prio); err != nil {
						log.Warn().Err(err).Msg("enqueue failed")
					}
				}
			}()

			<-time.After(duration)
			close(stop)
			h.Stop()

			snap := h.Metrics()
			log.Info().Uint64("beats", snap.Beats).Uint64("completed", snap.Completed).
				Uint64("failed", snap.Failed).Interface("errors_by_class", snap.ErrorsByClass).
				Dur("avg_beat", snap.AvgBeatDuration).Msg("demo finished")
			return nil
		},
	}

	command.Flags().DurationVar(&duration, "duration", 10*time.Second, "How long to run the demo")
	command.Flags().DurationVar(&period, "period", 200*time.Millisecond, "Beat period")
	return command
}
