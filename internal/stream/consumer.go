// Package stream consumes the job store's live update channel and feeds
// every decoded event into the registry.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/registry"
	"github.com/ternarybob/curo/internal/telemetry"
)

// Consumer maintains one connection to the store's event channel. Delivery
// is at-most-once: anything lost during a disconnect is repaired by the
// snapshot poller, so the consumer never buffers or replays.
type Consumer struct {
	url          string
	reconnectMin time.Duration
	reconnectMax time.Duration
	registry     *registry.Registry
	events       interfaces.EventService
	logger       arbor.ILogger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewConsumer creates a stream consumer for the configured channel URL.
func NewConsumer(cfg *common.StreamConfig, reg *registry.Registry, events interfaces.EventService, logger arbor.ILogger) *Consumer {
	return &Consumer{
		url:          cfg.URL,
		reconnectMin: cfg.ReconnectMin(),
		reconnectMax: cfg.ReconnectMax(),
		registry:     reg,
		events:       events,
		logger:       logger,
	}
}

// Start launches the consumer goroutine. Calling Start twice is a no-op.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	common.SafeGo(c.logger, "stream-consumer", func() {
		defer close(c.done)
		c.run(ctx)
	})

	c.logger.Info().Str("url", c.url).Msg("Stream consumer started")
}

// Stop shuts the consumer down and waits for the goroutine to exit. Safe to
// call more than once, or before Start.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// Closing the connection unblocks a pending ReadMessage
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Connected reports whether a channel session is currently established.
func (c *Consumer) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// URL returns the configured channel endpoint.
func (c *Consumer) URL() string {
	return c.url
}

// run dials, reads until the session breaks, and redials with exponential
// backoff. Backoff starts at reconnectMin, doubles per failed attempt, caps
// at reconnectMax, and resets after any successful connect.
func (c *Consumer) run(ctx context.Context) {
	backoff := c.reconnectMin
	connectedBefore := false

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("url", c.url).
				Str("retry_in", backoff.String()).
				Msg("Stream connect failed")

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.reconnectMax {
				backoff = c.reconnectMax
			}
			continue
		}

		backoff = c.reconnectMin
		if connectedBefore {
			telemetry.StreamReconnects.Inc()
		}
		connectedBefore = true

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info().Str("url", c.url).Msg("Stream connected")
		c.publishStatus(ctx, true)

		c.session(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			c.logger.Info().Msg("Stream consumer stopped")
			return
		}
		c.logger.Warn().Str("url", c.url).Msg("Stream disconnected")
		c.publishStatus(ctx, false)
	}
}

// session reads events until the connection breaks. Malformed payloads are
// dropped without ending the session; everything else goes to the registry.
func (c *Consumer) session(ctx context.Context, conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var evt models.JobEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			telemetry.StreamMalformed.Inc()
			c.logger.Warn().
				Err(err).
				Int("bytes", len(payload)).
				Msg("Dropping undecodable stream payload")
			continue
		}

		telemetry.StreamEvents.Inc()
		c.registry.Observe(&evt)
	}
}

func (c *Consumer) publishStatus(ctx context.Context, connected bool) {
	if c.events == nil {
		return
	}
	err := c.events.Publish(ctx, interfaces.Event{
		Type: interfaces.EventStreamStatus,
		Payload: map[string]interface{}{
			"connected": connected,
			"url":       c.url,
		},
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish stream status")
	}
}
