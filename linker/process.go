package linker

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// grandchildren after the linker itself was killed.
const waitDelay = 2 * time.Second

// lineWriter copies complete lines to w and keeps everything written.
type lineWriter struct {
	w   io.Writer
	log *zap.Logger
	buf bytes.Buffer
	all bytes.Buffer
	mu  sync.Mutex
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all.Write(p)
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// Keep the partial line for the next write.
			rest := append([]byte(nil), line...)
			l.buf.Reset()
			l.buf.Write(rest)
			return len(p), nil
		}
		l.emit(line)
	}
}

func (l *lineWriter) emit(line []byte) {
	if l.w != nil {
		_, _ = l.w.Write(line)
	}
	l.log.Debug("linker output", zap.ByteString("line", bytes.TrimRight(line, "\r\n")))
}

// flush emits a trailing line without a newline.
func (l *lineWriter) flush() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf.Len() > 0 {
		rest := append(l.buf.Bytes(), '\n')
		l.buf.Reset()
		l.emit(rest)
	}
	return l.all.String()
}

// process is one linker invocation.
type process struct {
	program string
	args    []string
	dir     string
}

// run executes p, streaming its combined output through diag. It returns
// the captured output and the error from Wait. A context cancellation kills
// the process.
func (p process) run(ctx context.Context, diag io.Writer, log *zap.Logger) (string, error) {
	lw := &lineWriter{w: diag, log: log}
	cmd := exec.CommandContext(ctx, p.program, p.args...)
	cmd.Dir = p.dir
	cmd.Stdout = lw
	cmd.Stderr = lw
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	return lw.flush(), err
}

// isNotFound reports whether err means the program does not exist.
func isNotFound(err error) bool {
	return stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist)
}
