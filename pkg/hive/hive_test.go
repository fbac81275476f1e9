package hive

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-beekeeper/pkg/bee"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type TestLogger struct{}

func (l *TestLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (l *TestLogger) Debugf(format string, args ...interface{})               {}
func (l *TestLogger) Infof(format string, args ...interface{})                {}
func (l *TestLogger) Warnf(format string, args ...interface{})                {}
func (l *TestLogger) Errorf(format string, args ...interface{})               {}

var _ logging.Logger = (*TestLogger)(nil)

func newIdleBee(t *testing.T, id string) *bee.Bee {
	t.Helper()
	b, err := bee.NewBee(bee.BeeOptions{
		ID:             id,
		ExecutablePath: filepath.Join(t.TempDir(), "swarm"),
		DataDirectory:  t.TempDir(),
	}, &TestLogger{})
	require.NoError(t, err)
	return b
}

func TestHive_Membership(t *testing.T) {
	h := NewHive(&TestLogger{})
	assert.Equal(t, 0, h.Len())

	first := newIdleBee(t, "bee-0")
	second := newIdleBee(t, "bee-1")
	third := newIdleBee(t, "bee-2")

	require.NoError(t, h.Add(first))
	require.NoError(t, h.Add(second))
	require.NoError(t, h.Add(third))
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []*bee.Bee{first, second, third}, h.Bees())

	got, ok := h.Get("bee-1")
	assert.True(t, ok)
	assert.Same(t, second, got)

	removed, err := h.Remove("bee-1")
	require.NoError(t, err)
	assert.Same(t, second, removed)
	assert.Equal(t, []*bee.Bee{first, third}, h.Bees())

	_, ok = h.Get("bee-1")
	assert.False(t, ok)

	_, err = h.Remove("bee-1")
	assert.True(t, errors.IsNotFoundError(err))

	// re-adding after removal goes to the end
	require.NoError(t, h.Add(second))
	assert.Equal(t, []*bee.Bee{first, third, second}, h.Bees())
}

func TestHive_AddRejectsDuplicates(t *testing.T) {
	h := NewHive(nil)
	require.NoError(t, h.Add(newIdleBee(t, "bee-0")))

	err := h.Add(newIdleBee(t, "bee-0"))
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, 1, h.Len())

	assert.True(t, errors.IsValidationError(h.Add(nil)))
}

func TestHive_BeesIsSnapshot(t *testing.T) {
	h := NewHive(&TestLogger{})
	require.NoError(t, h.Add(newIdleBee(t, "bee-0")))

	snapshot := h.Bees()
	require.NoError(t, h.Add(newIdleBee(t, "bee-1")))
	assert.Len(t, snapshot, 1)
	assert.Equal(t, 2, h.Len())
}

func TestHive_Each(t *testing.T) {
	h := NewHive(&TestLogger{})
	for i := 0; i < 3; i++ {
		require.NoError(t, h.Add(newIdleBee(t, fmt.Sprintf("bee-%d", i))))
	}

	var visited []string
	require.NoError(t, h.Each(func(b *bee.Bee) error {
		visited = append(visited, b.ID())
		return nil
	}))
	assert.Equal(t, []string{"bee-0", "bee-1", "bee-2"}, visited)

	visited = nil
	stop := fmt.Errorf("stop")
	err := h.Each(func(b *bee.Bee) error {
		visited = append(visited, b.ID())
		if b.ID() == "bee-1" {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, []string{"bee-0", "bee-1"}, visited)

	// removal from inside the callback is safe
	require.NoError(t, h.Each(func(b *bee.Bee) error {
		_, err := h.Remove(b.ID())
		return err
	}))
	assert.Equal(t, 0, h.Len())
}

func TestHive_GroupOperationsOnIdleBees(t *testing.T) {
	h := NewHive(&TestLogger{})
	require.NoError(t, h.Add(newIdleBee(t, "bee-0")))
	require.NoError(t, h.Add(newIdleBee(t, "bee-1")))

	// nothing started: kill and cleanup are no-ops
	require.NoError(t, h.KillAll(context.Background(), nil))
	require.NoError(t, h.CleanupAll(context.Background()))

	statuses := h.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, bee.StateCreated, statuses[0].State)
	assert.Equal(t, "bee-1", statuses[1].ID)
}

func TestHive_StartAllCollectsEveryFailure(t *testing.T) {
	h := NewHive(&TestLogger{})
	require.NoError(t, h.Add(newIdleBee(t, "bee-0")))
	require.NoError(t, h.Add(newIdleBee(t, "bee-1")))
	require.NoError(t, h.Add(newIdleBee(t, "bee-2")))

	// executables do not exist; bee-2 has no spec and is left alone
	err := h.StartAll(context.Background(), map[string]StartSpec{
		"bee-0": {Port: 50001},
		"bee-1": {Port: 50002},
	})
	require.Error(t, err)

	var collection *errors.ErrorCollection
	require.ErrorAs(t, err, &collection)
	assert.Len(t, collection.Errors, 2)
	assert.True(t, errors.IsLaunchError(err))

	b0, _ := h.Get("bee-0")
	b2, _ := h.Get("bee-2")
	assert.Equal(t, bee.StateFailed, b0.State())
	assert.Equal(t, bee.OutcomeNeverStarted, b0.Outcome())
	assert.Equal(t, bee.StateCreated, b2.State())
}
