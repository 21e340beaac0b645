package milter

import (
	"time"

	"github.com/sirupsen/logrus"
)

// options holds the tunables a Server accepts through Option. Unlike the
// protocol capabilities (negotiated from the App's registered hooks), these
// are pure transport/operational knobs.
type options struct {
	readTimeout, writeTimeout time.Duration
	logger                    *logrus.Logger
}

// Option configures a Server.
type Option func(*options)

// WithReadTimeout sets the read-timeout for all read operations of this Server.
// The default is a read-timeout of 30 seconds.
func WithReadTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// WithWriteTimeout sets the write-timeout for all write operations of this Server.
// The default is a write-timeout of 10 seconds.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// WithLogger sets the logrus.Logger a Server derives its per-connection
// ambient log entries from. The default is logrus.StandardLogger().
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
