package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Store       StoreConfig     `toml:"store"`
	Stream      StreamConfig    `toml:"stream"`
	Registry    RegistryConfig  `toml:"registry"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Stages      StagesConfig    `toml:"stages"`
	Logging     LoggingConfig   `toml:"logging"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host" validate:"required"`
}

// StoreConfig points the engine at the external job store's REST API.
// The store owns all durable job state; curo never persists anything itself.
type StoreConfig struct {
	BaseURL            string `toml:"base_url" validate:"required,url"`          // e.g. "http://localhost:8080"
	APIKey             string `toml:"api_key"`                                   // optional bearer token
	TimeoutSeconds     int    `toml:"timeout_seconds" validate:"min=1"`          // per-request timeout
	RateLimitPerSecond int    `toml:"rate_limit_per_second" validate:"min=1"`    // client-side request ceiling
}

// StreamConfig points the engine at the store's live job-event channel.
type StreamConfig struct {
	URL                 string `toml:"url" validate:"required_if=Enabled true"` // e.g. "ws://localhost:8080/events"
	Enabled             bool   `toml:"enabled"`
	ReconnectMinSeconds int    `toml:"reconnect_min_seconds" validate:"min=1"` // initial reconnect backoff
	ReconnectMaxSeconds int    `toml:"reconnect_max_seconds" validate:"min=1,gtefield=ReconnectMinSeconds"`
}

// RegistryConfig tunes the in-memory job registry and its snapshot poller.
type RegistryConfig struct {
	PollIntervalSeconds  int `toml:"poll_interval_seconds" validate:"min=5,max=15"` // snapshot poll cadence
	CompletedHistorySize int `toml:"completed_history_size" validate:"min=1"`       // bounded completed-job ring
	SnapshotLimit        int `toml:"snapshot_limit" validate:"min=1"`               // max jobs per poll
	StalenessMinutes     int `toml:"staleness_minutes" validate:"min=1"`            // unstick eligibility window
}

// PipelineConfig tunes the batch pipeline orchestrator. The confirm_over_*
// thresholds gate destructive batch operations: a request whose limit exceeds
// the threshold is rejected unless the caller explicitly confirms.
type PipelineConfig struct {
	ConfirmOverTriage       int    `toml:"confirm_over_triage" validate:"min=0"`
	ConfirmOverApprove      int    `toml:"confirm_over_approve" validate:"min=0"`
	ConfirmOverUpgrade      int    `toml:"confirm_over_upgrade" validate:"min=0"`
	QueueAllRequiresConfirm bool   `toml:"queue_all_requires_confirm"`
	RejectRequiresConfirm   bool   `toml:"reject_requires_confirm"`
	Schedule                string `toml:"schedule"` // optional cron expression for unattended runs (empty = disabled)
	ScheduleLimit           int    `toml:"schedule_limit" validate:"min=1"`
	ScheduleAutoReject      bool   `toml:"schedule_auto_reject"`
}

// StagesConfig locates the per-job-type stage definition file.
type StagesConfig struct {
	File string `toml:"file"` // YAML stage definitions; empty disables stage derivation
}

type LoggingConfig struct {
	Level         string   `toml:"level" validate:"oneof=debug info warn error"`
	Format        string   `toml:"format" validate:"oneof=text json"`
	Output        []string `toml:"output"`          // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`     // time format for logs (default: "15:04:05.000")
	MinEventLevel string   `toml:"min_event_level"` // minimum log level to publish as events to the dashboard
}

// WebSocketConfig contains configuration for the dashboard WebSocket feed
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`        // minimum log level to broadcast ("debug", "info", "warn", "error")
	ExcludePatterns []string `toml:"exclude_patterns"` // log message patterns to exclude from broadcasting
	// Whitelist of event types to broadcast. Empty list allows all events.
	// Example: ["job_updated", "job_transition", "pipeline_status"]
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events. Map of event type to duration string.
	// Example: {"job_updated": "250ms"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in curo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Store: StoreConfig{
			BaseURL:            "http://localhost:8080",
			APIKey:             "",
			TimeoutSeconds:     30,
			RateLimitPerSecond: 10,
		},
		Stream: StreamConfig{
			URL:                 "ws://localhost:8080/events",
			Enabled:             true,
			ReconnectMinSeconds: 1,  // first retry after 1s
			ReconnectMaxSeconds: 30, // backoff doubles up to 30s
		},
		Registry: RegistryConfig{
			PollIntervalSeconds:  10,  // snapshot poll every 10s (valid range 5-15)
			CompletedHistorySize: 200, // completed jobs retained for the dashboard
			SnapshotLimit:        500, // jobs fetched per reconcile poll
			StalenessMinutes:     10,  // running job with no updates for 10m is unstick-eligible
		},
		Pipeline: PipelineConfig{
			ConfirmOverTriage:       100, // triage limits above this need explicit confirmation
			ConfirmOverApprove:      50,
			ConfirmOverUpgrade:      100,
			QueueAllRequiresConfirm: true,
			RejectRequiresConfirm:   true,
			Schedule:                "", // unattended runs disabled by default
			ScheduleLimit:           25,
			ScheduleAutoReject:      false,
		},
		Stages: StagesConfig{
			File: "./stages.yaml",
		},
		Logging: LoggingConfig{
			Level:         "info",                     // info level for production (debug|info|warn|error)
			Format:        "text",                     // human-readable text format (text|json)
			Output:        []string{"stdout", "file"}, // log to both console and file
			MinEventLevel: "info",                     // publish info and above as events to the dashboard
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
				"HTTP request",
				"HTTP response",
			},
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			// Throttle high-frequency job updates so large batch runs don't flood clients
			ThrottleIntervals: map[string]string{
				"job_updated": "250ms",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files. Priority system: CLI flags > Environment variables > Last config file > ... > First config file > Defaults
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: CURO_ENV, fallback: GO_ENV)
	if env := os.Getenv("CURO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("CURO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CURO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Store configuration
	if baseURL := os.Getenv("CURO_STORE_BASE_URL"); baseURL != "" {
		config.Store.BaseURL = baseURL
	}
	if apiKey := os.Getenv("CURO_STORE_API_KEY"); apiKey != "" {
		config.Store.APIKey = apiKey
	}
	if timeout := os.Getenv("CURO_STORE_TIMEOUT_SECONDS"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil {
			config.Store.TimeoutSeconds = t
		}
	}
	if rateLimit := os.Getenv("CURO_STORE_RATE_LIMIT_PER_SECOND"); rateLimit != "" {
		if rl, err := strconv.Atoi(rateLimit); err == nil {
			config.Store.RateLimitPerSecond = rl
		}
	}

	// Stream configuration
	if url := os.Getenv("CURO_STREAM_URL"); url != "" {
		config.Stream.URL = url
	}
	if enabled := os.Getenv("CURO_STREAM_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Stream.Enabled = e
		}
	}
	if reconnectMin := os.Getenv("CURO_STREAM_RECONNECT_MIN_SECONDS"); reconnectMin != "" {
		if rm, err := strconv.Atoi(reconnectMin); err == nil {
			config.Stream.ReconnectMinSeconds = rm
		}
	}
	if reconnectMax := os.Getenv("CURO_STREAM_RECONNECT_MAX_SECONDS"); reconnectMax != "" {
		if rm, err := strconv.Atoi(reconnectMax); err == nil {
			config.Stream.ReconnectMaxSeconds = rm
		}
	}

	// Registry configuration
	if pollInterval := os.Getenv("CURO_REGISTRY_POLL_INTERVAL_SECONDS"); pollInterval != "" {
		if pi, err := strconv.Atoi(pollInterval); err == nil {
			config.Registry.PollIntervalSeconds = pi
		}
	}
	if historySize := os.Getenv("CURO_REGISTRY_COMPLETED_HISTORY_SIZE"); historySize != "" {
		if hs, err := strconv.Atoi(historySize); err == nil {
			config.Registry.CompletedHistorySize = hs
		}
	}
	if snapshotLimit := os.Getenv("CURO_REGISTRY_SNAPSHOT_LIMIT"); snapshotLimit != "" {
		if sl, err := strconv.Atoi(snapshotLimit); err == nil {
			config.Registry.SnapshotLimit = sl
		}
	}
	if staleness := os.Getenv("CURO_REGISTRY_STALENESS_MINUTES"); staleness != "" {
		if sm, err := strconv.Atoi(staleness); err == nil {
			config.Registry.StalenessMinutes = sm
		}
	}

	// Pipeline configuration
	if confirmTriage := os.Getenv("CURO_PIPELINE_CONFIRM_OVER_TRIAGE"); confirmTriage != "" {
		if ct, err := strconv.Atoi(confirmTriage); err == nil {
			config.Pipeline.ConfirmOverTriage = ct
		}
	}
	if confirmApprove := os.Getenv("CURO_PIPELINE_CONFIRM_OVER_APPROVE"); confirmApprove != "" {
		if ca, err := strconv.Atoi(confirmApprove); err == nil {
			config.Pipeline.ConfirmOverApprove = ca
		}
	}
	if confirmUpgrade := os.Getenv("CURO_PIPELINE_CONFIRM_OVER_UPGRADE"); confirmUpgrade != "" {
		if cu, err := strconv.Atoi(confirmUpgrade); err == nil {
			config.Pipeline.ConfirmOverUpgrade = cu
		}
	}
	if queueAllConfirm := os.Getenv("CURO_PIPELINE_QUEUE_ALL_REQUIRES_CONFIRM"); queueAllConfirm != "" {
		if qac, err := strconv.ParseBool(queueAllConfirm); err == nil {
			config.Pipeline.QueueAllRequiresConfirm = qac
		}
	}
	if rejectConfirm := os.Getenv("CURO_PIPELINE_REJECT_REQUIRES_CONFIRM"); rejectConfirm != "" {
		if rc, err := strconv.ParseBool(rejectConfirm); err == nil {
			config.Pipeline.RejectRequiresConfirm = rc
		}
	}
	if schedule := os.Getenv("CURO_PIPELINE_SCHEDULE"); schedule != "" {
		config.Pipeline.Schedule = schedule
	}
	if scheduleLimit := os.Getenv("CURO_PIPELINE_SCHEDULE_LIMIT"); scheduleLimit != "" {
		if sl, err := strconv.Atoi(scheduleLimit); err == nil {
			config.Pipeline.ScheduleLimit = sl
		}
	}
	if scheduleAutoReject := os.Getenv("CURO_PIPELINE_SCHEDULE_AUTO_REJECT"); scheduleAutoReject != "" {
		if sar, err := strconv.ParseBool(scheduleAutoReject); err == nil {
			config.Pipeline.ScheduleAutoReject = sar
		}
	}

	// Stages configuration
	if stagesFile := os.Getenv("CURO_STAGES_FILE"); stagesFile != "" {
		config.Stages.File = stagesFile
	}

	// Logging configuration
	if level := os.Getenv("CURO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CURO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("CURO_LOG_OUTPUT"); output != "" {
		// Split comma-separated output types
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("CURO_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	// WebSocket configuration
	if minLevel := os.Getenv("CURO_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}
	if allowedEvents := os.Getenv("CURO_WEBSOCKET_ALLOWED_EVENTS"); allowedEvents != "" {
		// Split comma-separated event types
		events := []string{}
		for _, e := range strings.Split(allowedEvents, ",") {
			trimmed := strings.TrimSpace(e)
			if trimmed != "" {
				events = append(events, trimmed)
			}
		}
		if len(events) > 0 {
			config.WebSocket.AllowedEvents = events
		}
	}
	if jobUpdateThrottle := os.Getenv("CURO_WEBSOCKET_THROTTLE_JOB_UPDATED"); jobUpdateThrottle != "" {
		// Parse duration string (e.g., "2s", "250ms")
		if _, err := time.ParseDuration(jobUpdateThrottle); err == nil {
			if config.WebSocket.ThrottleIntervals == nil {
				config.WebSocket.ThrottleIntervals = make(map[string]string)
			}
			config.WebSocket.ThrottleIntervals["job_updated"] = jobUpdateThrottle
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks the configuration using go-playground/validator tags plus
// the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Pipeline.Schedule != "" {
		if err := ValidatePipelineSchedule(c.Pipeline.Schedule); err != nil {
			return fmt.Errorf("invalid pipeline schedule: %w", err)
		}
	}
	return nil
}

// ValidatePipelineSchedule validates a cron schedule expression and ensures minimum 5-minute interval
func ValidatePipelineSchedule(schedule string) error {
	// Parse the cron expression
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	// Check for minimum 5-minute interval
	// Validate minute field (first field in standard cron)
	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	// Check for patterns that violate 5-minute minimum
	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	// Check for */n patterns where n < 5
	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// Timeout returns the store request timeout as a duration.
func (c StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReconnectMin returns the initial reconnect backoff as a duration.
func (c StreamConfig) ReconnectMin() time.Duration {
	return time.Duration(c.ReconnectMinSeconds) * time.Second
}

// ReconnectMax returns the reconnect backoff cap as a duration.
func (c StreamConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxSeconds) * time.Second
}

// PollInterval returns the snapshot poll cadence as a duration.
func (c RegistryConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Staleness returns the unstick eligibility window as a duration.
func (c RegistryConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessMinutes) * time.Minute
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
