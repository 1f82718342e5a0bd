package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams payloads as Server-Sent Events. A new client starts
// paused: frames sent before Start are held and written right after the
// first frame, so a snapshot read after subscribing is never overtaken.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	ctrl    *http.ResponseController
	log     *slog.Logger
	started bool
	pending [][]byte
	closed  bool
	done    chan struct{}
}

var errSSEBacklog = errors.New("sse backlog exceeded before stream start")

// NewSSEClient builds a paused SSE client writing to w.
func NewSSEClient(w http.ResponseWriter, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		writer: w,
		ctrl:   http.NewResponseController(w),
		log:    logger,
		done:   make(chan struct{}),
	}
}

// Start writes first, then every frame held since the client was created,
// and switches the client to direct delivery.
func (c *SSEClient) Start(first []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if err := c.writeLocked(dataFrame(first)); err != nil {
		return err
	}
	for _, payload := range c.pending {
		if err := c.writeLocked(dataFrame(payload)); err != nil {
			return err
		}
	}
	c.pending = nil
	c.started = true
	return nil
}

// Send emits a data frame, or holds it while the client is paused.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if !c.started {
		if len(c.pending) >= QueueSize {
			c.closeLocked()
			return errSSEBacklog
		}
		c.pending = append(c.pending, payload)
		return nil
	}
	return c.writeLocked(dataFrame(payload))
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if !c.started {
		return nil
	}
	return c.writeLocked(": ping\n\n")
}

func dataFrame(payload []byte) string {
	return fmt.Sprintf("data: %s\n\n", payload)
}

// writeLocked writes one frame under a deadline so a stalled reader cannot
// hold the writer forever.
func (c *SSEClient) writeLocked(frame string) error {
	if err := c.ctrl.SetWriteDeadline(time.Now().Add(writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.log.Debug("sse write deadline unavailable", "error", err)
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.closeLocked()
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	if err := c.ctrl.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.closeLocked()
		c.log.Warn("sse flush failed", "error", err)
		return err
	}
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Done is closed once the stream stops accepting frames.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
