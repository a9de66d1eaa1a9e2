// Package logging writes structured JSONL events for the engine. Every line
// is one event; errors are mirrored to a separate file so operators can tail
// failures without the full firehose.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryPool     Category = "pool"
	CategoryDriver   Category = "driver"
	CategoryTask     Category = "task"
	CategoryStep     Category = "step"
	CategoryHealth   Category = "health"
	CategoryWorkflow Category = "workflow"
	CategoryHTTP     Category = "http"
	CategoryBus      Category = "bus"
)

// Event represents a structured log event
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	TaskID    string         `json:"task_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Workflow  string         `json:"workflow,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes structured events to the engine log, mirroring errors.
type Logger struct {
	baseDir    string
	engineFile *os.File
	errorFile  *os.File
	mu         sync.Mutex
	minLevel   Level
}

// NewLogger opens engine.jsonl and errors.jsonl under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	engineFile, err := os.OpenFile(
		filepath.Join(baseDir, "engine.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("open engine log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		engineFile.Close()
		return nil, fmt.Errorf("open error log: %w", err)
	}

	return &Logger{
		baseDir:    baseDir,
		engineFile: engineFile,
		errorFile:  errorFile,
		minLevel:   LevelInfo,
	}, nil
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.engineFile != nil {
		if _, err := l.engineFile.Write(data); err != nil {
			return fmt.Errorf("write engine log: %w", err)
		}
	}
	if event.Level == LevelError && l.errorFile != nil {
		if _, err := l.errorFile.Write(data); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
	}
	return nil
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Helper methods for common log patterns

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelDebug,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelWarn,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType string, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelError,
		Category:  category,
		EventType: eventType,
		Message:   message,
		Details:   details,
	})
}

// Task logs an info event annotated with task identifiers.
func (l *Logger) Task(taskID, workflowID, eventType, message string, details map[string]any) error {
	return l.Log(Event{
		Level:     LevelInfo,
		Category:  CategoryTask,
		EventType: eventType,
		TaskID:    taskID,
		Workflow:  workflowID,
		Message:   message,
		Details:   details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.engineFile != nil {
		if err := l.engineFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ReadRecentEvents reads the last N events from a JSONL log.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}
	if len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
