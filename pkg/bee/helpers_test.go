package bee

import (
	"sync"
	"time"

	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type TestLogger struct{}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}

var _ logging.Logger = (*TestLogger)(nil)

// recordingCollector keeps every state transition in order.
type recordingCollector struct {
	mutex       sync.Mutex
	transitions []string
	kills       []string
	archives    int
}

func (c *recordingCollector) StateTransition(id, from, to string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.transitions = append(c.transitions, from+"->"+to)
}

func (c *recordingCollector) KillDuration(id string, duration time.Duration, result string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.kills = append(c.kills, result)
}

func (c *recordingCollector) HealthProbe(id string, probeType string, healthy bool, duration time.Duration) {
}

func (c *recordingCollector) ArchiveGenerated(id string, pieces int, failedPieces int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.archives++
}

func (c *recordingCollector) Transitions() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.transitions...)
}

func (c *recordingCollector) Kills() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.kills...)
}
