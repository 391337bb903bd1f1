package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the logrus instance shared by the whole process.
func NewLogger(cfg *Config) *logrus.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	if cfg.LogFormat == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
		log.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, falling back to info")
	}
	log.SetLevel(level)
	return log
}

// ServiceLogger returns an entry carrying the fields every line of this service should have.
func ServiceLogger(log *logrus.Logger, cfg *Config) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"service":     cfg.ServiceName,
		"environment": cfg.Environment,
	})
}
