package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HTTPOutput sends batches of log entries to an HTTP endpoint as a JSON
// array.
type HTTPOutput struct {
	url           string
	authToken     string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client

	mu     sync.Mutex
	buffer []*LogEntry

	// sendMu keeps batches in order
	sendMu sync.Mutex

	stopChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHTTPOutput creates a new HTTP output
func NewHTTPOutput(url, authToken string, batchSize int, flushInterval time.Duration) *HTTPOutput {
	output := &HTTPOutput{
		url:           url,
		authToken:     authToken,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		buffer:   make([]*LogEntry, 0, batchSize),
		stopChan: make(chan struct{}),
	}

	// Start background flusher
	output.wg.Add(1)
	go output.flusher()

	return output
}

// Write adds a log entry to the buffer, sending the batch once it is full
func (h *HTTPOutput) Write(entry *LogEntry) error {
	h.mu.Lock()
	h.buffer = append(h.buffer, entry)
	var batch []*LogEntry
	if len(h.buffer) >= h.batchSize {
		batch = h.takeLocked()
	}
	h.mu.Unlock()

	if batch == nil {
		return nil
	}
	return h.sendBatch(batch)
}

// Flush sends whatever is buffered
func (h *HTTPOutput) Flush() error {
	h.mu.Lock()
	batch := h.takeLocked()
	h.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return h.sendBatch(batch)
}

// takeLocked detaches the buffered entries. Caller holds mu.
func (h *HTTPOutput) takeLocked() []*LogEntry {
	if len(h.buffer) == 0 {
		return nil
	}
	batch := h.buffer
	h.buffer = make([]*LogEntry, 0, h.batchSize)
	return batch
}

// flusher periodically flushes the buffer
func (h *HTTPOutput) flusher() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = h.Flush()
		case <-h.stopChan:
			return
		}
	}
}

// sendBatch posts a batch of log entries
func (h *HTTPOutput) sendBatch(entries []*LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// Close stops the flusher and sends the remaining entries
func (h *HTTPOutput) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stopChan)
		h.wg.Wait()
		err = h.Flush()
	})
	return err
}
