package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Janitor periodically sweeps overdue alerts and closes old resolved ones.
type Janitor struct {
	engine     *Engine
	cron       *cron.Cron
	closeAfter time.Duration
	timeout    time.Duration
	log        zerolog.Logger
}

// NewJanitor schedules the sweep with a six-field (seconds first) cron spec.
func NewJanitor(e *Engine, spec string, closeAfter time.Duration, log zerolog.Logger) (*Janitor, error) {
	l := log.With().Str("component", "janitor").Logger()
	cl := cronLogger{log: l}
	j := &Janitor{
		engine:     e,
		closeAfter: closeAfter,
		timeout:    30 * time.Second,
		log:        l,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := j.cron.AddFunc(spec, j.Run); err != nil {
		return nil, fmt.Errorf("schedule janitor %q: %w", spec, err)
	}
	return j, nil
}

// Start begins the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
	j.log.Info().Msg("janitor started")
}

// Stop halts the schedule and waits for a running sweep.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Run performs one sweep and one auto-close pass.
func (j *Janitor) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if _, err := j.engine.SweepOverdue(ctx); err != nil {
		j.log.Error().Err(err).Msg("overdue sweep failed")
	}
	if j.closeAfter > 0 {
		n, err := j.engine.CloseResolved(ctx, j.closeAfter)
		if err != nil {
			j.log.Error().Err(err).Msg("auto close failed")
		} else if n > 0 {
			j.log.Info().Int("closed", n).Msg("resolved alerts closed")
		}
	}
}

type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
