// Package logcapture accumulates a child process's stdout and stderr into a
// buffer owned by the supervisor, optionally teeing to a log file and
// forwarding complete lines to the structured logger.
package logcapture

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

type CaptureOptions struct {
	// LogFilePath, if set, receives a copy of all output. Opened in append
	// mode.
	LogFilePath string

	// ForwardLines sends each complete output line to the logger at debug
	// level.
	ForwardLines bool
}

// CaptureStatus summarizes what has been captured so far.
type CaptureStatus struct {
	Bytes        int64
	Lines        map[StreamType]int64
	LastActivity time.Time
	FileError    string
}

// Capture is safe for concurrent writes from both stream copiers and reads
// from any goroutine.
type Capture struct {
	options CaptureOptions
	logger  logging.Logger

	mutex        sync.Mutex
	buffer       bytes.Buffer
	file         *os.File
	fileErr      error
	partial      map[StreamType]*bytes.Buffer
	lines        map[StreamType]int64
	bytes        int64
	lastActivity time.Time
	closed       bool
}

func NewCapture(options CaptureOptions, logger logging.Logger) (*Capture, error) {
	c := &Capture{
		options: options,
		logger:  logger,
		partial: map[StreamType]*bytes.Buffer{
			StdoutStream: {},
			StderrStream: {},
		},
		lines: make(map[StreamType]int64),
	}

	if options.LogFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(options.LogFilePath), 0755); err != nil {
			return nil, errors.NewIOError("failed to create log directory", err).WithContext("path", options.LogFilePath)
		}
		file, err := os.OpenFile(options.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.NewIOError("failed to open log file", err).WithContext("path", options.LogFilePath)
		}
		c.file = file
	}

	return c, nil
}

// Writer returns the sink for one stream.
func (c *Capture) Writer(stream StreamType) io.Writer {
	return &streamWriter{capture: c, stream: stream}
}

type streamWriter struct {
	capture *Capture
	stream  StreamType
}

// Write never fails: losing the log file must not stall the child.
func (w *streamWriter) Write(p []byte) (int, error) {
	w.capture.write(w.stream, p)
	return len(p), nil
}

func (c *Capture) write(stream StreamType, p []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.buffer.Write(p)
	c.bytes += int64(len(p))
	c.lastActivity = time.Now()

	if c.file != nil && c.fileErr == nil && !c.closed {
		if _, err := c.file.Write(p); err != nil {
			c.fileErr = err
			c.logger.Warnf("Log file write failed, further output kept in memory only, path: %s, error: %v",
				c.options.LogFilePath, err)
		}
	}

	c.processLines(stream, p)
}

// processLines counts complete lines per stream and forwards them.
func (c *Capture) processLines(stream StreamType, p []byte) {
	partial, ok := c.partial[stream]
	if !ok {
		partial = &bytes.Buffer{}
		c.partial[stream] = partial
	}
	partial.Write(p)

	for {
		data := partial.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(data[:idx]), "\r")
		partial.Next(idx + 1)
		c.emitLine(stream, line)
	}
}

func (c *Capture) emitLine(stream StreamType, line string) {
	c.lines[stream]++
	if c.options.ForwardLines {
		c.logger.Debugf("[%s] %s", stream, line)
	}
}

// String returns everything captured so far, both streams interleaved in
// arrival order.
func (c *Capture) String() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.buffer.String()
}

// Bytes returns a copy of everything captured so far.
func (c *Capture) Bytes() []byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]byte(nil), c.buffer.Bytes()...)
}

func (c *Capture) Status() CaptureStatus {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lines := make(map[StreamType]int64, len(c.lines))
	for stream, n := range c.lines {
		lines[stream] = n
	}
	status := CaptureStatus{
		Bytes:        c.bytes,
		Lines:        lines,
		LastActivity: c.lastActivity,
	}
	if c.fileErr != nil {
		status.FileError = c.fileErr.Error()
	}
	return status
}

// Close flushes unterminated lines and closes the log file. Output written
// afterwards is still kept in memory.
func (c *Capture) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	for stream, partial := range c.partial {
		if partial.Len() > 0 {
			c.emitLine(stream, strings.TrimRight(partial.String(), "\r"))
			partial.Reset()
		}
	}

	if c.file == nil {
		return nil
	}
	if err := c.file.Close(); err != nil {
		return errors.NewIOError("failed to close log file", err).WithContext("path", c.options.LogFilePath)
	}
	return nil
}
