package logging

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spgate/spgate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryOutput struct {
	mu      sync.Mutex
	entries []*LogEntry
	block   chan struct{}
	closed  bool
}

func (m *memoryOutput) Write(entry *LogEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryOutput) snapshot() []*LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*LogEntry(nil), m.entries...)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

func TestOutputHookLevels(t *testing.T) {
	hook := NewOutputHook("mem", &memoryOutput{}, logrus.WarnLevel)
	defer hook.Close()

	assert.ElementsMatch(t, []logrus.Level{
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel,
	}, hook.Levels())
}

func TestOutputHookDelivers(t *testing.T) {
	output := &memoryOutput{}
	hook := NewOutputHook("mem", output, logrus.InfoLevel)

	logger := newTestLogger()
	logger.AddHook(hook)

	logger.Debug("below threshold")
	logger.WithFields(logrus.Fields{
		"bucket": "docs",
		"error":  errors.New("graph unavailable"),
	}).Warn("listing failed")

	require.NoError(t, hook.Close())

	entries := output.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "listing failed", entries[0].Message)
	assert.Equal(t, "warning", entries[0].Level)
	assert.Equal(t, "docs", entries[0].Fields["bucket"])
	assert.Equal(t, "graph unavailable", entries[0].Fields["error"])
	assert.True(t, output.closed)
}

func TestOutputHookDropsWhenFull(t *testing.T) {
	output := &memoryOutput{block: make(chan struct{})}
	hook := NewOutputHook("mem", output, logrus.InfoLevel)

	logger := newTestLogger()
	logger.AddHook(hook)

	for i := 0; i < hookQueueSize+10; i++ {
		logger.Info("flood")
	}
	assert.Positive(t, hook.Dropped())

	close(output.block)
	require.NoError(t, hook.Close())
	assert.LessOrEqual(t, len(output.snapshot()), hookQueueSize+1)
}

func TestNewManagerDisabled(t *testing.T) {
	logger := newTestLogger()

	m, err := NewManager(logger, config.LoggingConfig{Format: "json"})
	require.NoError(t, err)

	assert.Equal(t, 0, m.GetActiveOutputs())
	assert.NoError(t, m.Close())
}

func TestNewManagerTextFormat(t *testing.T) {
	logger := newTestLogger()

	m, err := NewManager(logger, config.LoggingConfig{Format: "text"})
	require.NoError(t, err)
	defer m.Close()

	_, ok := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestNewManagerOutputs(t *testing.T) {
	addr, lines := syslogListener(t)
	c, server := newCollector(t, "secret")

	logger := newTestLogger()
	m, err := NewManager(logger, config.LoggingConfig{
		Format: "json",
		Syslog: config.SyslogOutputConfig{
			Enable:   true,
			Protocol: "tcp",
			Address:  addr,
			Tag:      "spgate",
			Level:    "warn",
		},
		HTTP: config.HTTPOutputConfig{
			Enable:        true,
			URL:           server.URL,
			AuthToken:     "secret",
			BatchSize:     10,
			FlushInterval: time.Hour,
			Level:         "info",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.GetActiveOutputs())

	logger.Info("to http only")
	logger.Error("to both")

	require.NoError(t, m.Close())

	assert.Contains(t, receive(t, lines), "to both")
	assert.Equal(t, []string{"to http only", "to both"}, c.messages())
	assert.Empty(t, logger.Hooks)
}

func TestNewManagerInvalidLevel(t *testing.T) {
	c, server := newCollector(t, "")

	m, err := NewManager(newTestLogger(), config.LoggingConfig{
		HTTP: config.HTTPOutputConfig{
			Enable:        true,
			URL:           server.URL,
			BatchSize:     1,
			FlushInterval: time.Hour,
			Level:         "loud",
		},
	})
	require.Error(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 0, c.batchCount())
}

func TestNewManagerSyslogUnreachable(t *testing.T) {
	m, err := NewManager(newTestLogger(), config.LoggingConfig{
		Syslog: config.SyslogOutputConfig{
			Enable:   true,
			Protocol: "tcp",
			Address:  "127.0.0.1:1",
			Tag:      "spgate",
		},
	})
	require.Error(t, err)
	assert.Nil(t, m)
}
