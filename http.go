package dmabench

import (
	"errors"
	"net/http"
	_ "net/http/pprof"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/config"
)

// startHttp returns the function that serves the Go pprof handlers on debug.listen, nil when it is not set.
func startHttp(l *logrus.Logger, c *config.C, configTest bool) (f func(), err error) {
	listen := c.GetString("debug.listen", "")
	if listen == "" || configTest {
		return nil, nil
	}

	f = func() {
		l.WithField("listen", listen).Info("Go pprof handler listening at /debug/pprof")
		go func() {
			err := http.ListenAndServe(listen, nil)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.WithError(err).Error("pprof listener stopped")
			}
		}()
	}

	return f, err
}
