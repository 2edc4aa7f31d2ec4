// Package logging implements an asynchronous, daily-rotating, size-split
// log sink, grounded on the original Log singleton's init/write_log/
// switch_log contract. A background goroutine drains records queued by
// producers through internal/queue so that request-handling goroutines
// never block on file I/O.
//
// For ordinary request-path messages this package also exposes a plain
// *log.Logger per component (Component), matching the "name: " prefix
// style the rest of this codebase already uses for startup/shutdown
// messages (see cmd/server/main.go).
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kestrel-web/engine/internal/metrics"
	"github.com/kestrel-web/engine/internal/queue"
)

// Level gates which records are written.
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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const drainSentinel = "\x00__LOG_ENDS_NOW__\x00"

// record is one queued line, pre-formatted by the caller's goroutine so the
// drain goroutine only ever does a write(2).
type record struct {
	line string
}

// Options configures a Logger.
type Options struct {
	Dir           string        // directory to write rotated log files into
	BaseName      string        // base file name, e.g. "server"
	CloseLog      bool          // when true, every Log call is a no-op (matches m_close_log)
	Level         Level         // minimum level written
	QueueSize     int           // capacity of the async record queue; values below 1 are raised to 1 (there is no synchronous mode)
	MaxLinesPerFile int         // size-based split threshold; 0 disables splitting
	FlushEvery    int           // fsync after this many unflushed lines
}

// DefaultOptions mirrors the original's typical init() call site.
func DefaultOptions(dir, baseName string) Options {
	return Options{
		Dir:             dir,
		BaseName:        baseName,
		Level:           LevelInfo,
		QueueSize:       8192,
		MaxLinesPerFile: 500000,
		FlushEvery:      100,
	}
}

// Logger is the async, rotating file sink.
type Logger struct {
	opts Options

	mu          sync.Mutex
	file        *os.File
	today       string
	linesToday  int
	splitCount  int
	unflushed   int

	q      *queue.Queue[record]
	done   chan struct{}
	closed bool
}

// New, unless CloseLog is set, creates the log directory, opens today's
// file and starts the background drain goroutine.
func New(opts Options) (*Logger, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	l := &Logger{opts: opts, done: make(chan struct{})}
	if opts.CloseLog {
		return l, nil
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: mkdir %s: %w", opts.Dir, err)
	}
	if err := l.openForToday(); err != nil {
		return nil, err
	}
	l.q = queue.New[record](opts.QueueSize)
	go l.drain()
	return l, nil
}

func (l *Logger) openForToday() error {
	now := time.Now()
	day := now.Format("2006_01_02")
	name := fmt.Sprintf("%s_%s.log", day, l.opts.BaseName)
	f, err := os.OpenFile(filepath.Join(l.opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", name, err)
	}
	l.file = f
	l.today = day
	l.linesToday = 0
	l.splitCount = 0
	return nil
}

// switchLog rotates to a new file when the day has changed or the current
// file has reached MaxLinesPerFile, mirroring switch_log/make_log_fullname.
func (l *Logger) switchLog() error {
	now := time.Now()
	day := now.Format("2006_01_02")

	needNewDay := day != l.today
	needSplit := l.opts.MaxLinesPerFile > 0 && l.linesToday > 0 && l.linesToday%l.opts.MaxLinesPerFile == 0

	if !needNewDay && !needSplit {
		return nil
	}

	if l.file != nil {
		l.file.Close()
	}

	if needNewDay {
		l.today = day
		l.linesToday = 0
		l.splitCount = 0
	} else {
		l.splitCount++
	}

	name := fmt.Sprintf("%s_%s.log", l.today, l.opts.BaseName)
	if l.splitCount > 0 {
		name = fmt.Sprintf("%s_%s.log.%d", l.today, l.opts.BaseName, l.splitCount)
	}
	f, err := os.OpenFile(filepath.Join(l.opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: rotate open %s: %w", name, err)
	}
	l.file = f
	return nil
}

// Log formats and enqueues one record. It never blocks the caller for I/O:
// formatting happens inline, the actual write happens on the drain
// goroutine. If level is below the configured threshold, or CloseLog is
// set, this is a no-op.
func (l *Logger) Log(level Level, format string, args ...any) {
	if l.opts.CloseLog || level < l.opts.Level {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, fmt.Sprintf(format, args...))
	l.q.Push(record{line: line})
	metrics.LogQueueDepth.Set(float64(l.q.Len()))
}

func (l *Logger) Debug(format string, args ...any) { l.Log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.Log(LevelError, format, args...) }

// drain runs on its own goroutine, writing queued records until it sees
// the shutdown sentinel, matching the original's "LOG_ENDS_NOW" convention.
func (l *Logger) drain() {
	for {
		rec, ok := l.q.Pop()
		if !ok {
			close(l.done)
			return
		}
		if rec.line == drainSentinel {
			close(l.done)
			return
		}

		l.mu.Lock()
		if err := l.switchLog(); err != nil {
			log.Printf("logging: rotate failed: %v", err)
		}
		if l.file != nil {
			l.file.WriteString(rec.line)
			l.linesToday++
			l.unflushed++
			if l.opts.FlushEvery > 0 && l.unflushed >= l.opts.FlushEvery {
				l.file.Sync()
				l.unflushed = 0
			}
		}
		l.mu.Unlock()
	}
}

// Close pushes the drain sentinel and waits for the drain goroutine to
// exit, then closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed || l.opts.CloseLog {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.q.Push(record{line: drainSentinel})
	<-l.done

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Component returns a plain stdlib logger prefixed with "name: ", used for
// request-path and lifecycle messages that don't need file rotation (the
// same style the rest of this codebase already uses for startup/shutdown
// output).
func Component(name string) *log.Logger {
	return log.New(os.Stderr, fmt.Sprintf("%s: ", name), log.LstdFlags)
}
