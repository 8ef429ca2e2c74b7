package cmd

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pulseq/internal/api"
	"pulseq/internal/config"
	"pulseq/internal/heart"
	"pulseq/internal/infra/redisq"
	"pulseq/internal/metrics"
	"pulseq/internal/ports"
	"pulseq/internal/queue"
	"pulseq/internal/rate"
	"pulseq/internal/registry"
)

func serveCmd() *cobra.Command {
	var port int
	var debug bool
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler with its ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}

			cfg := config.Load()
			log.Info().Strs("stages", cfg.Heart.Stages).Dur("period", cfg.Heart.Period).
				Msg("starting scheduler")

			var sink ports.DeadLetterSink
			if cfg.DeadLetter.Addr != "" {
				s := redisq.New(cfg.DeadLetter)
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				if err := s.Connect(ctx); err != nil {
					return err
				}
				defer s.Close()
				sink = s
			}

			bank := queue.New(cfg.Heart.Stages, cfg.Heart.AutoCreateStages, cfg.Heart.MaxStageDepth)
			reg := registry.New()
			ctrl := rate.NewController(cfg.Heart)
			m := metrics.New(cfg.Heart.MetricsWindow)
			h := heart.New(cfg.Heart, bank, reg, ctrl, m, sink)

			if err := h.Start(); err != nil {
				return err
			}
			defer h.Stop()

			if port == 0 {
				port = cfg.API.Port
			}
			server := api.NewServer(h)
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 0, "Port to run the ops API on (default from env)")
	command.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return command
}
