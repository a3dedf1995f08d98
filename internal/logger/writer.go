package logger

import (
	"bytes"
	"context"
	"sync"

	"go.uber.org/zap/zapcore"
)

// maxPendingLine caps how much of an unterminated line is buffered before it is flushed anyway.
const maxPendingLine = 64 * 1024

// LineWriter is an io.Writer that emits one log record per written line.
// It is used to route child process stdout/stderr into the structured log.
type LineWriter struct {
	// ctx carries the logger and its fields.
	ctx context.Context
	// level is the level every line is logged at.
	level zapcore.Level
	// pending holds the tail of the last write that had no newline yet.
	pending bytes.Buffer
	// mu serializes writes from concurrent copiers.
	mu sync.Mutex
}

// NewLineWriter returns a writer logging each line at the given level.
func NewLineWriter(ctx context.Context, level zapcore.Level) *LineWriter {
	return &LineWriter{
		ctx:   ctx,
		level: level,
	}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending.Write(p)

	for {
		line, err := w.pending.ReadBytes('\n')
		if err != nil {
			// No newline yet: put the partial line back unless it grew too large.
			if len(line) >= maxPendingLine {
				w.emit(line)
			} else {
				w.pending.Write(line)
			}

			break
		}

		w.emit(line)
	}

	return len(p), nil
}

// Flush logs whatever partial line is still buffered.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending.Len() > 0 {
		w.emit(w.pending.Bytes())
		w.pending.Reset()
	}
}

func (w *LineWriter) emit(line []byte) {
	text := string(bytes.TrimRight(line, "\r\n"))
	if text == "" {
		return
	}

	FromContext(w.ctx).Logw(w.level, text)
}
