package dmabench

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/bench"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/engine"
)

// closeTimeout bounds how long Stop waits for each engine to halt.
const closeTimeout = 5 * time.Second

// Control owns a running benchmark: the platform, the engines and the runner driving them.
type Control struct {
	l          *logrus.Logger
	c          *config.C
	ctx        context.Context
	cancel     context.CancelFunc
	runner     *bench.Runner
	engines    []engine.TransferEngine
	platform   *platform
	statsStart func()
	infoStart  func(*bench.Runner)
	httpStart  func()

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	done      chan struct{}
	err       error
}

// Start runs the configured suites in the background, this is a nonblocking call. To block use Control.Wait() or
// Control.ShutdownBlock()
func (c *Control) Start() {
	c.startOnce.Do(func() {
		c.started = true
		c.c.CatchHUP(c.ctx)

		// Call all the delayed funcs that waited for the engines to come up.
		if c.statsStart != nil {
			c.statsStart()
		}
		if c.infoStart != nil {
			c.infoStart(c.runner)
		}
		if c.httpStart != nil {
			c.httpStart()
		}

		go func() {
			defer close(c.done)
			c.err = c.runner.Suite(c.ctx)
		}()
	})
}

// Wait blocks until the suites finish and returns the error that ended them early, if any.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Stop cancels any running suite, waits for it to return and halts the engines and the platform.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		if c.started {
			<-c.done
		}

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := closeEngines(ctx, c.engines); err != nil {
			c.l.WithError(err).Error("Failed to stop the engines")
		}
		if err := c.platform.close(); err != nil {
			c.l.WithError(err).Error("Failed to close the platform")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock blocks until the suites finish or a term or interrupt signal arrives, calling Control.Stop() either
// way.
func (c *Control) ShutdownBlock() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
	}

	c.Stop()
	return c.err
}

// Runner exposes the benchmark runner, for running individual scenarios instead of the configured suites.
func (c *Control) Runner() *bench.Runner {
	return c.runner
}

// Summary returns the statistics gathered so far.
func (c *Control) Summary() bench.Summary {
	return c.runner.Stats.Summary()
}
