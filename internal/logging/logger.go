package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/phsym/console-slog"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText lets entries serialize the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel maps a level name to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatTerminal  Category = "terminal"
	CatAPDU      Category = "apdu"
	CatAccess    Category = "access"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single log line kept in the in-memory buffer.
type Entry struct {
	Time     time.Time      `json:"time"`
	Level    Level          `json:"level"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// Stats summarizes the buffer contents.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	Dropped    uint64           `json:"dropped"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Logger keeps the most recent entries in a ring buffer and mirrors every
// entry to a slog handler.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	dropped  uint64
	minLevel Level
	sink     *slog.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// Init sets up the package logger with room for maxEntries entries.
// Entries below minLevel are discarded. Output goes to stderr.
func Init(maxEntries int, minLevel Level) {
	InitWithOutput(maxEntries, minLevel, os.Stderr)
}

// InitWithOutput is Init with an explicit slog destination. A nil writer
// disables the slog mirror.
func InitWithOutput(maxEntries int, minLevel Level, w io.Writer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = New(maxEntries, minLevel, w)
}

// New creates a standalone Logger.
func New(maxEntries int, minLevel Level, w io.Writer) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	l := &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
	}
	if w != nil {
		l.sink = slog.New(newHandler(w, minLevel))
	}
	return l
}

// newHandler picks the human friendly console handler in development and
// JSON everywhere else.
func newHandler(w io.Writer, minLevel Level) slog.Handler {
	if os.Getenv("SE_BROKER_ENV") == "development" {
		return console.NewHandler(w, &console.HandlerOptions{
			Level: minLevel.slogLevel(),
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: minLevel.slogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "ts"
			}
			return a
		},
	})
}

// Get returns the package logger, creating a default one on first use.
func Get() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(1000, LevelInfo, os.Stderr)
	}
	return defaultLogger
}

// Log records an entry.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}

	entry := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}

	l.mu.Lock()
	if l.full {
		l.dropped++
	}
	l.entries[l.next] = entry
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink != nil {
		attrs := make([]slog.Attr, 0, len(data)+1)
		attrs = append(attrs, slog.String("category", string(cat)))
		for k, v := range data {
			attrs = append(attrs, slog.Any(k, v))
		}
		l.sink.LogAttrs(context.Background(), level.slogLevel(), msg, attrs...)
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered
// by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}

	result := make([]Entry, 0, min(limit, count))
	for i := 0; i < count && len(result) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats reports counts per level and category.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	count := l.next
	if l.full {
		count = len(l.entries)
	}

	s := Stats{
		Total:      count,
		Capacity:   len(l.entries),
		Dropped:    l.dropped,
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for i := 0; i < count; i++ {
		e := l.entries[i]
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear empties the buffer.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.entries)
	l.next = 0
	l.full = false
	l.dropped = 0
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
