// Package logging provides the agent's in-memory categorized log buffer,
// console echo, crash logs and opt-in crash reporting.
package logging

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is a log severity.
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
	}
	return "unknown"
}

// MarshalJSON writes the level name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel maps a level name to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelDebug, false
}

// Category groups entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatSession   Category = "session"
	CatReader    Category = "reader"
	CatGateway   Category = "gateway"
	CatStore     Category = "store"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
	CatNotify    Category = "notify"
)

// Entry is one log line.
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
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// Sink receives every entry at or above the logger's minimum level. Hosts use
// it to route agent logs into their own logging.
type Sink func(Entry)

// Logger is a fixed size ring buffer of entries.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	console  *logrus.Logger
	echo     bool
	sink     Sink
}

var (
	global   *Logger
	globalMu sync.Mutex
)

// Init replaces the global logger with one holding up to capacity entries
// and dropping anything below minLevel.
func Init(capacity int, minLevel Level) *Logger {
	if capacity <= 0 {
		capacity = 1000
	}
	console := logrus.New()
	console.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	console.SetLevel(logrus.DebugLevel)

	l := &Logger{
		entries:  make([]Entry, capacity),
		minLevel: minLevel,
		console:  console,
	}

	globalMu.Lock()
	global = l
	globalMu.Unlock()
	return l
}

// Get returns the global logger, initializing a default one if needed.
func Get() *Logger {
	globalMu.Lock()
	l := global
	globalMu.Unlock()
	if l == nil {
		return Init(1000, LevelDebug)
	}
	return l
}

// SetConsole toggles echoing entries to stderr.
func SetConsole(enabled bool) {
	l := Get()
	l.mu.Lock()
	l.echo = enabled
	l.mu.Unlock()
}

// ConsoleEnabled reports whether entries are echoed to stderr.
func ConsoleEnabled() bool {
	l := Get()
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.echo
}

// SetSink installs a delegate that receives every recorded entry. Passing
// nil removes it.
func SetSink(s Sink) {
	l := Get()
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// SetMinLevel changes the minimum recorded level.
func SetMinLevel(level Level) {
	l := Get()
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

func (l *Logger) log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	e := Entry{
		Time:     time.Now(),
		Level:    level,
		Category: cat,
		Message:  msg,
		Data:     data,
	}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	echo, sink, console := l.echo, l.sink, l.console
	l.mu.Unlock()

	if echo {
		fields := logrus.Fields{"category": string(cat)}
		for k, v := range data {
			fields[k] = v
		}
		entry := console.WithFields(fields)
		switch level {
		case LevelDebug:
			entry.Debug(msg)
		case LevelInfo:
			entry.Info(msg)
		case LevelWarn:
			entry.Warn(msg)
		default:
			entry.Error(msg)
		}
	}
	if sink != nil {
		sink(e)
	}
}

// ordered returns the stored entries oldest first. Caller holds the lock.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return l.entries[:l.next]
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// GetEntries returns up to limit of the newest entries, newest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.ordered()
	out := make([]Entry, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		e := all[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Stats returns counts by level and category.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	all := l.ordered()
	s := Stats{
		Total:      len(all),
		Capacity:   len(l.entries),
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range all {
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops all entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

func Debug(cat Category, msg string, data map[string]any) { Get().log(LevelDebug, cat, msg, data) }
func Info(cat Category, msg string, data map[string]any)  { Get().log(LevelInfo, cat, msg, data) }
func Warn(cat Category, msg string, data map[string]any)  { Get().log(LevelWarn, cat, msg, data) }
func Error(cat Category, msg string, data map[string]any) { Get().log(LevelError, cat, msg, data) }
