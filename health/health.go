// Package health periodically probes the segmentation backend.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chaos-io/bgstudio/composite/rembg"
)

// Status is the outcome of the latest probe.
type Status struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type Checker struct {
	pinger  rembg.Pinger
	timeout time.Duration
	logger  *slog.Logger
	status  atomic.Pointer[Status]
	cron    *cron.Cron
}

// NewChecker returns a checker for remover. Removers that cannot be pinged
// are always reported healthy.
func NewChecker(remover rembg.Remover, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{timeout: 5 * time.Second, logger: logger}
	if p, ok := remover.(rembg.Pinger); ok {
		c.pinger = p
	}
	c.status.Store(&Status{Healthy: true, CheckedAt: time.Now()})
	return c
}

// Check probes once and records the result.
func (c *Checker) Check(ctx context.Context) Status {
	st := Status{Healthy: true, CheckedAt: time.Now()}
	if c.pinger != nil {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		if err := c.pinger.Ping(ctx); err != nil {
			st.Healthy = false
			st.Error = err.Error()
		}
	}

	prev := c.status.Swap(&st)
	if prev == nil || prev.Healthy != st.Healthy {
		if st.Healthy {
			c.logger.Info("segmentation backend healthy")
		} else {
			c.logger.Warn("segmentation backend unhealthy", "err", st.Error)
		}
	}
	return st
}

func (c *Checker) Status() Status {
	return *c.status.Load()
}

// Start probes immediately and then on spec (standard cron or @every).
func (c *Checker) Start(spec string) error {
	if c.pinger == nil || spec == "" {
		return nil
	}
	c.cron = cron.New()
	if _, err := c.cron.AddFunc(spec, func() { c.Check(context.Background()) }); err != nil {
		return fmt.Errorf("health: schedule %q: %w", spec, err)
	}
	c.Check(context.Background())
	c.cron.Start()
	return nil
}

// Stop waits for a running probe to finish.
func (c *Checker) Stop() {
	if c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}
