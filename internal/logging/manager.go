package logging

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/config"
)

// Manager owns the remote outputs attached to a logger
type Manager struct {
	logger *logrus.Logger
	hooks  []*OutputHook
}

// NewManager applies the log format to logger and attaches the enabled
// remote outputs.
func NewManager(logger *logrus.Logger, cfg config.LoggingConfig) (*Manager, error) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	m := &Manager{logger: logger}

	if cfg.Syslog.Enable {
		output, err := NewSyslogOutput(cfg.Syslog.Protocol, cfg.Syslog.Address, cfg.Syslog.Tag)
		if err != nil {
			m.Close()
			return nil, err
		}
		if err := m.attach("syslog", output, cfg.Syslog.Level); err != nil {
			output.Close()
			m.Close()
			return nil, err
		}
	}

	if cfg.HTTP.Enable {
		output := NewHTTPOutput(cfg.HTTP.URL, cfg.HTTP.AuthToken, cfg.HTTP.BatchSize, cfg.HTTP.FlushInterval)
		if err := m.attach("http", output, cfg.HTTP.Level); err != nil {
			output.Close()
			m.Close()
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) attach(name string, output Output, level string) error {
	minLevel := logrus.InfoLevel
	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid %s log level %q: %w", name, level, err)
		}
		minLevel = parsed
	}

	hook := NewOutputHook(name, output, minLevel)
	m.hooks = append(m.hooks, hook)
	m.logger.AddHook(hook)

	logrus.WithFields(logrus.Fields{
		"output": name,
		"level":  minLevel.String(),
	}).Info("Log output enabled")
	return nil
}

// GetActiveOutputs returns the number of attached outputs
func (m *Manager) GetActiveOutputs() int {
	return len(m.hooks)
}

// Close detaches the outputs, flushing what they still hold
func (m *Manager) Close() error {
	if len(m.hooks) == 0 {
		return nil
	}

	m.logger.ReplaceHooks(make(logrus.LevelHooks))

	var errs []error
	for _, hook := range m.hooks {
		if err := hook.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.hooks = nil
	return errors.Join(errs...)
}
