package dmabench

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/bench"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/poller"
	"github.com/slackhq/dmabench/util"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

// Main validates the configuration and brings up the platform and the engines. With configTest set nothing is
// opened or started and the returned Control is nil.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	table, err := memregion.NewTableFromConfig(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the memory regions", err)
	}

	opts, err := bench.OptionsFromConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the bench config", err)
	}

	platformName := c.GetString("platform", "sim")
	ecs, err := engineConfigs(c, platformName == "devmem")
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the engines config", err)
	}
	if len(ecs) == 0 {
		return nil, util.NewContextualError("No engines are enabled", m{"platform": platformName}, nil)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	infoStart, err := startInfo(l, c, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start the info server", err)
	}

	httpStart, err := startHttp(l, c, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start the debug server", err)
	}

	l.WithFields(logrus.Fields{
		"platform": platformName,
		"suites":   opts.Suites,
		"engines":  len(ecs),
	}).Info("Configuration loaded")

	if configTest {
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All non system modifying configuration consumption should live above this line
	// mapping physical memory and resetting engines is below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	p, err := newPlatform(l, c, table)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to open the platform", err)
	}
	defer func() {
		if reterr != nil {
			if err := p.close(); err != nil {
				l.WithError(err).Error("Failed to close the platform")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	engines, err := newEngines(ctx, l, p, ecs, c.GetDuration("dma.poll_interval", poller.DefaultInterval))
	if err != nil {
		cancel()
		return nil, util.ContextualizeIfNeeded("Failed to initialize the engines", err)
	}

	return &Control{
		l:          l,
		c:          c,
		ctx:        ctx,
		cancel:     cancel,
		runner:     bench.NewRunner(l, opts, p.bench, engines...),
		engines:    engines,
		platform:   p,
		statsStart: statsStart,
		infoStart:  infoStart,
		httpStart:  httpStart,
		done:       make(chan struct{}),
	}, nil
}
