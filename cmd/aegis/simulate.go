package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"aegis/internal/config"
	"aegis/internal/engine"
	"aegis/internal/logging"
	"aegis/internal/model"
	"aegis/internal/telemetry"
)

type simulateOptions struct {
	ticks int
	seed  int64
	count int
}

// simulateFrame leaves out wall-clock durations so seeded runs replay
// byte for byte.
type simulateFrame struct {
	Tick     uint64         `json:"tick"`
	At       time.Time      `json:"at"`
	Resets   int            `json:"resets"`
	Skipped  int            `json:"skipped"`
	Entities []model.Entity `json:"entities"`
}

var replayEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// replayClock advances one tick interval per tick instead of following the
// wall clock.
type replayClock struct {
	step  time.Duration
	ticks atomic.Int64
}

func (c *replayClock) Now() time.Time {
	return replayEpoch.Add(time.Duration(c.ticks.Load()) * c.step)
}

func (c *replayClock) Advance() {
	c.ticks.Add(1)
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the update loop headless and print one JSON snapshot per tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := loadManager(root)
			if err != nil {
				return err
			}
			cfg := *mgr.Get()
			if cmd.Flags().Changed("count") {
				cfg.Simulation.EntityCount = opts.count
			}
			if cmd.Flags().Changed("seed") {
				cfg.Simulation.Seed = opts.seed
			}
			logger := logging.NewLoggerTo(cmd.ErrOrStderr(), root.level(&cfg))
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), &cfg, opts.ticks, logger)
		},
	}
	cmd.Flags().IntVar(&opts.ticks, "ticks", 10, "number of ticks to run")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "random seed; non-zero makes the run replayable")
	cmd.Flags().IntVar(&opts.count, "count", 0, "number of simulated entities (default from config)")
	return cmd
}

// runSimulate ticks a fresh demo batch and writes one JSON frame per tick.
// A non-zero seed also pins the clock, event ids and parallelism.
func runSimulate(ctx context.Context, w io.Writer, cfg *config.Config, ticks int, logger *slog.Logger) error {
	if ticks < 0 {
		return fmt.Errorf("--ticks must be >= 0")
	}
	if cfg.Simulation.EntityCount < 0 {
		return fmt.Errorf("--count must be >= 0")
	}
	cfg.Simulation.Mode = "demo"

	var clock *replayClock
	var genOpts []telemetry.Option
	if cfg.Simulation.Seed != 0 {
		cfg.Simulation.Parallelism = 1
		step := cfg.Simulation.TickInterval
		if step <= 0 {
			step = 2 * time.Second
		}
		clock = &replayClock{step: step}
		var ids atomic.Uint64
		genOpts = append(genOpts,
			telemetry.WithClock(clock.Now),
			telemetry.WithIDFunc(func() string { return fmt.Sprintf("event-%06d", ids.Add(1)) }),
		)
	}
	gen := telemetry.NewGenerator(telemetry.NewLockedSource(cfg.Simulation.Seed), genOpts...)
	eng := engine.NewEngine(cfg, gen, logger, nil, nil, nil)

	enc := json.NewEncoder(w)
	for i := 0; i < ticks; i++ {
		if clock != nil {
			clock.Advance()
		}
		stats, err := eng.Tick(ctx)
		if err != nil {
			return err
		}
		_, entities := eng.Snapshot()
		frame := simulateFrame{
			Tick:     stats.Tick,
			At:       stats.At,
			Resets:   stats.Resets,
			Skipped:  stats.Skipped,
			Entities: entities,
		}
		if err := enc.Encode(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return nil
}
