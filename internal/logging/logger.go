package logging

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	baseLogger *logrus.Logger
	initOnce   sync.Once
)

// Init builds the process-wide logger. Level and format come from the
// LOG_LEVEL and LOG_FORMAT environment variables so they can be tuned
// without touching the config file.
func Init() *logrus.Logger {
	initOnce.Do(func() {
		l := logrus.New()
		l.SetOutput(os.Stdout)

		switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_FORMAT"))) {
		case "json":
			l.SetFormatter(&logrus.JSONFormatter{})
		default:
			l.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:          true,
				TimestampFormat:        "2006-01-02T15:04:05-07:00",
				PadLevelText:           true,
				DisableLevelTruncation: true,
			})
		}

		level := strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
		if level == "" {
			level = "info"
		}
		parsedLevel, err := logrus.ParseLevel(level)
		if err != nil {
			parsedLevel = logrus.InfoLevel
		}
		l.SetLevel(parsedLevel)

		baseLogger = l
	})

	return baseLogger
}

// L returns the shared logger, initializing it on first use.
func L() *logrus.Logger {
	return Init()
}

// WithComponent returns an entry tagged with the originating component.
func WithComponent(name string) *logrus.Entry {
	return L().WithField("component", name)
}
