package logcapture

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type recordingLogger struct {
	mutex sync.Mutex
	lines []string
}

func (l *recordingLogger) record(format string, args ...interface{}) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) LogLevelf(level int, format string, args ...interface{}) {
	l.record(format, args...)
}
func (l *recordingLogger) Debugf(format string, args ...interface{}) { l.record(format, args...) }
func (l *recordingLogger) Infof(format string, args ...interface{})  { l.record(format, args...) }
func (l *recordingLogger) Warnf(format string, args ...interface{})  { l.record(format, args...) }
func (l *recordingLogger) Errorf(format string, args ...interface{}) { l.record(format, args...) }

func TestCapture_InterleavesStreams(t *testing.T) {
	c, err := NewCapture(CaptureOptions{}, logging.Nop())
	require.NoError(t, err)

	fmt.Fprint(c.Writer(StdoutStream), "starting\n")
	fmt.Fprint(c.Writer(StderrStream), "warning\n")
	fmt.Fprint(c.Writer(StdoutStream), "ready\n")

	assert.Equal(t, "starting\nwarning\nready\n", c.String())
	assert.Equal(t, []byte("starting\nwarning\nready\n"), c.Bytes())

	status := c.Status()
	assert.Equal(t, int64(2), status.Lines[StdoutStream])
	assert.Equal(t, int64(1), status.Lines[StderrStream])
	assert.Equal(t, int64(len("starting\nwarning\nready\n")), status.Bytes)
	assert.False(t, status.LastActivity.IsZero())
}

func TestCapture_ForwardsCompleteLines(t *testing.T) {
	logger := &recordingLogger{}
	c, err := NewCapture(CaptureOptions{ForwardLines: true}, logger)
	require.NoError(t, err)

	w := c.Writer(StdoutStream)
	fmt.Fprint(w, "par")
	fmt.Fprint(w, "tial\r\nsecond\nthird")

	assert.Equal(t, []string{"[stdout] partial", "[stdout] second"}, logger.lines)

	require.NoError(t, c.Close())
	assert.Equal(t, "[stdout] third", logger.lines[len(logger.lines)-1])
}

func TestCapture_TeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "swarm.log")
	c, err := NewCapture(CaptureOptions{LogFilePath: path}, logging.Nop())
	require.NoError(t, err)

	fmt.Fprint(c.Writer(StdoutStream), "to file\n")
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	// late output stays in memory only
	fmt.Fprint(c.Writer(StderrStream), "after close\n")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "to file\n", string(content))
	assert.Equal(t, "to file\nafter close\n", c.String())
}

func TestCapture_ConcurrentWriters(t *testing.T) {
	c, err := NewCapture(CaptureOptions{}, logging.Nop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, stream := range []StreamType{StdoutStream, StderrStream} {
		wg.Add(1)
		go func(stream StreamType) {
			defer wg.Done()
			w := c.Writer(stream)
			for i := 0; i < 500; i++ {
				fmt.Fprintf(w, "%s line %d\n", stream, i)
			}
		}(stream)
	}
	wg.Wait()

	output := c.String()
	assert.Equal(t, 1000, strings.Count(output, "\n"))
	status := c.Status()
	assert.Equal(t, int64(500), status.Lines[StdoutStream])
	assert.Equal(t, int64(500), status.Lines[StderrStream])
}
