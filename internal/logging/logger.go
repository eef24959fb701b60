package logging

import (
	"os"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)
}

func GetLogger() *logrus.Logger {
	return logger
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	return nil
}

func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}

// Throttle gates repeated log lines per category, so a degraded path that
// fires on every decision does not flood the log.
type Throttle struct {
	limiter *catrate.Limiter
}

// NewThrottle allows a burst of 5 lines per second and 60 per minute for
// each category.
func NewThrottle() *Throttle {
	return &Throttle{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
}

// Allow reports whether a line for category may be emitted now.
func (t *Throttle) Allow(category any) bool {
	if t == nil || t.limiter == nil {
		return true
	}
	_, ok := t.limiter.Allow(category)
	return ok
}
