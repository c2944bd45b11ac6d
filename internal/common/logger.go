package common

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

var (
	globalLogger arbor.ILogger
	loggerMutex  sync.RWMutex
)

const defaultTimeFormat = "15:04:05"

// GetLogger returns the global logger, falling back to a console-only one
// when InitLogger has not run yet. Early startup code (config discovery,
// crash handler) logs through this before the configured logger exists.
func GetLogger() arbor.ILogger {
	loggerMutex.RLock()
	if globalLogger != nil {
		loggerMutex.RUnlock()
		return globalLogger
	}
	loggerMutex.RUnlock()

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	// Double-check after acquiring write lock
	if globalLogger == nil {
		globalLogger = arbor.NewLogger().WithConsoleWriter(consoleWriter(defaultTimeFormat, true))
	}
	return globalLogger
}

// InitLogger builds the arbor logger from the logging config and installs
// it as the global logger.
func InitLogger(config *Config) arbor.ILogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	timeFormat := config.Logging.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}
	textOutput := config.Logging.Format != "json"

	logger := arbor.NewLogger()

	// Log files live next to the executable, not the working directory
	execPath, err := os.Executable()
	if err != nil {
		fmt.Printf("Warning: Failed to get executable path: %v\n", err)
		return logger.WithConsoleWriter(consoleWriter(timeFormat, textOutput))
	}
	logsDir := filepath.Join(filepath.Dir(execPath), "logs")

	toFile := false
	toConsole := false
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			toFile = true
		case "stdout", "console":
			toConsole = true
		}
	}

	if toFile {
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Printf("Warning: Failed to create logs directory: %v\n", err)
		} else {
			logger = logger.WithFileWriter(fileWriter(filepath.Join(logsDir, "curo.log"), timeFormat, textOutput))
		}
	}

	if toConsole {
		logger = logger.WithConsoleWriter(consoleWriter(timeFormat, textOutput))
	}

	logger = logger.WithLevelFromString(config.Logging.Level)

	globalLogger = logger

	return logger
}

func consoleWriter(timeFormat string, textOutput bool) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       timeFormat,
		TextOutput:       textOutput,
		DisableTimestamp: false,
	}
}

func fileWriter(fileName, timeFormat string, textOutput bool) models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeFile,
		FileName:         fileName,
		TimeFormat:       timeFormat,
		MaxSize:          100 * 1024 * 1024, // 100 MB
		MaxBackups:       3,
		TextOutput:       textOutput,
		DisableTimestamp: false,
	}
}

// GetLogFilePath reports where the file writer is logging, or "" when only
// console output is configured.
func GetLogFilePath(logger arbor.ILogger) string {
	if logger != nil {
		if logFilePath := logger.GetLogFilePath(); logFilePath != "" {
			return logFilePath
		}
	}
	return ""
}
