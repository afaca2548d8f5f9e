package logging

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
)

// SyslogOutput sends logs to a syslog server using raw TCP/UDP
type SyslogOutput struct {
	conn     net.Conn
	protocol string
	addr     string
	tag      string
	hostname string
	pid      int
	mu       sync.Mutex
}

// Syslog severity levels (RFC 5424)
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// Syslog facility (LOG_DAEMON = 3)
const facilityDaemon = 3

// NewSyslogOutput connects to the syslog server at addr ("host:port").
func NewSyslogOutput(protocol, addr, tag string) (*SyslogOutput, error) {
	conn, err := net.Dial(protocol, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "-"
	}

	return &SyslogOutput{
		conn:     conn,
		protocol: protocol,
		addr:     addr,
		tag:      tag,
		hostname: hostname,
		pid:      os.Getpid(),
	}, nil
}

func severityOf(level string) int {
	switch level {
	case "debug", "trace":
		return severityDebug
	case "warn", "warning":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	default:
		return severityInfo
	}
}

// format renders entry as an RFC 3164 message carrying the JSON entry.
func (s *SyslogOutput) format(entry *LogEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}

	priority := facilityDaemon*8 + severityOf(entry.Level)
	return []byte(fmt.Sprintf("<%d>%s %s %s[%d]: %s\n",
		priority,
		entry.Timestamp.Format("Jan _2 15:04:05"),
		s.hostname,
		s.tag,
		s.pid,
		data,
	)), nil
}

// Write sends a log entry to syslog, reconnecting once on failure
func (s *SyslogOutput) Write(entry *LogEntry) error {
	message, err := s.format(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if _, err = s.conn.Write(message); err == nil {
			return nil
		}
		s.conn.Close()
		s.conn = nil
	}

	conn, dialErr := net.Dial(s.protocol, s.addr)
	if dialErr != nil {
		return fmt.Errorf("failed to reconnect to syslog: %w", dialErr)
	}
	s.conn = conn

	if _, err = s.conn.Write(message); err != nil {
		return fmt.Errorf("failed to write to syslog after reconnect: %w", err)
	}
	return nil
}

// Close closes the syslog connection
func (s *SyslogOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}

	return nil
}
