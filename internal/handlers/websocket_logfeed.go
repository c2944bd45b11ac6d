package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor"
	arborlevels "github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/curo/internal/common"
)

// defaultExcludePatterns drops chatty plumbing messages that would flood
// the dashboard log pane. Broadcasting the hub's own connect/disconnect
// lines would also echo every client's arrival back to every client.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"HTTP response",
	"Event published",
	"Event throttled",
}

// LogFeed consumes log batches from arbor's log channel and pushes filtered
// lines to WebSocket clients for the dashboard log pane.
type LogFeed struct {
	handler         *WebSocketHandler
	logger          arbor.ILogger
	channel         chan []arbormodels.LogEvent
	minLevel        arbor.LogLevel
	excludePatterns []string
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewLogFeed creates the arbor-to-WebSocket log bridge. Attach the channel
// to the logger with SetChannel, then call Start.
func NewLogFeed(handler *WebSocketHandler, wsConfig *common.WebSocketConfig, logger arbor.ILogger) *LogFeed {
	minLevel := arbor.InfoLevel
	excludePatterns := defaultExcludePatterns

	if wsConfig != nil {
		minLevel = parseFeedLevel(wsConfig.MinLevel)
		if len(wsConfig.ExcludePatterns) > 0 {
			excludePatterns = wsConfig.ExcludePatterns
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LogFeed{
		handler:         handler,
		logger:          logger,
		channel:         make(chan []arbormodels.LogEvent, 10),
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// GetChannel returns the channel for arbor to send log batches to
func (f *LogFeed) GetChannel() chan []arbormodels.LogEvent {
	return f.channel
}

// Start launches the feed goroutine
func (f *LogFeed) Start() {
	f.wg.Add(1)
	go f.consume()
}

// Stop gracefully shuts down the feed
func (f *LogFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

// consume processes log batches from arbor and broadcasts matching lines
func (f *LogFeed) consume() {
	defer f.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("LogFeed panic recovered")
		}
	}()

	for {
		select {
		case batch, ok := <-f.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				if entry, ok := f.transform(event); ok {
					// BroadcastLog never logs, so a broadcast cannot
					// feed a new event back into this channel
					f.handler.BroadcastLog(entry)
				}
			}

		case <-f.ctx.Done():
			return
		}
	}
}

// transform filters one arbor event and shapes it for the dashboard
func (f *LogFeed) transform(event arbormodels.LogEvent) (LogEntry, bool) {
	if !f.shouldForward(event.Level) {
		return LogEntry{}, false
	}

	for _, pattern := range f.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return LogEntry{}, false
		}
	}

	return LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     feedLevelLabel(arborlevels.FromLogLevel(event.Level)),
		Message:   event.Message,
	}, true
}

// shouldForward checks if a log event should reach clients based on the level threshold
func (f *LogFeed) shouldForward(level plog.Level) bool {
	return arborlevels.FromLogLevel(level) >= f.minLevel
}

// parseFeedLevel converts string log level to arbor.LogLevel
func parseFeedLevel(levelStr string) arbor.LogLevel {
	switch strings.ToLower(levelStr) {
	case "debug":
		return arbor.DebugLevel
	case "info":
		return arbor.InfoLevel
	case "warn", "warning":
		return arbor.WarnLevel
	case "error":
		return arbor.ErrorLevel
	default:
		return arbor.InfoLevel
	}
}

// feedLevelLabel maps arbor log levels to UI strings
func feedLevelLabel(level arbor.LogLevel) string {
	switch level {
	case arbor.ErrorLevel:
		return "error"
	case arbor.WarnLevel:
		return "warn"
	case arbor.InfoLevel:
		return "info"
	case arbor.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
