package processfile

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
)

// ProcessFileMockLogger is a simple mock implementation of Logger for testing
type ProcessFileMockLogger struct{}

func (m *ProcessFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ProcessFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ProcessFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Errorf(format string, args ...interface{})               {}

func TestPaths(t *testing.T) {
	base := t.TempDir()
	manager := NewProcessFileManager(base, &ProcessFileMockLogger{})

	assert.Equal(t, base, manager.BaseDirectory())
	assert.Equal(t, filepath.Join(base, "bluzelle.json"), manager.ConfigFilePath())
	assert.Equal(t, filepath.Join(base, "swarm.pid"), manager.PIDFilePath())
	assert.Equal(t, filepath.Join(base, "swarm.port"), manager.PortFilePath())
	assert.Equal(t, filepath.Join(base, "logs", "swarm.log"), manager.LogFilePath())
}

func TestResolvePath(t *testing.T) {
	base := t.TempDir()
	manager := NewProcessFileManager(base, &ProcessFileMockLogger{})

	path, err := manager.ResolvePath("keys/private-key.pem")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "keys", "private-key.pem"), path)

	path, err = manager.ResolvePath("keys/../public-key.pem")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "public-key.pem"), path)

	for _, bad := range []string{"", "../outside", "a/../../outside", filepath.Join(base, "abs")} {
		_, err := manager.ResolvePath(bad)
		assert.True(t, errors.IsValidationError(err), "path %q should be rejected", bad)
	}
}

func TestResolvePath_ReservedNames(t *testing.T) {
	manager := NewProcessFileManager(t.TempDir(), &ProcessFileMockLogger{})

	reserved := []string{
		ConfigFileName,
		"./" + ConfigFileName,
		"keys/../" + ConfigFileName,
		PIDFileName,
		PortFileName,
		LogDirectoryName,
		"logs/swarm.log",
		"logs/other.log",
		".",
	}
	for _, name := range reserved {
		_, err := manager.ResolvePath(name)
		assert.True(t, errors.IsValidationError(err), "path %q should be rejected", name)
		assert.Error(t, ValidateStatePath(name))
	}

	assert.NoError(t, ValidateStatePath("keys/bluzelle.json"))
	assert.NoError(t, ValidateStatePath("swarm.pid.bak"))
}

func TestScaffold(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "bee")
	manager := NewProcessFileManager(base, &ProcessFileMockLogger{})

	require.NoError(t, manager.Scaffold())

	info, err := os.Stat(manager.LogDirectoryPath())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".write_test", "write test file must be removed")
	}
}

func TestScaffold_Unwritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Getuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0555))
	defer os.Chmod(parent, 0755)

	manager := NewProcessFileManager(filepath.Join(parent, "bee"), &ProcessFileMockLogger{})
	err := manager.Scaffold()
	assert.True(t, errors.IsIOError(err))
}

func TestWriteFile(t *testing.T) {
	base := t.TempDir()
	manager := NewProcessFileManager(base, &ProcessFileMockLogger{})

	path := filepath.Join(base, "keys", "private-key.pem")
	require.NoError(t, manager.WriteFile(path, []byte("secret"), 0600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(content))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// overwrite leaves no temp files behind
	require.NoError(t, manager.WriteFile(path, []byte("rotated"), 0600))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPIDAndPortFiles(t *testing.T) {
	manager := NewProcessFileManager(t.TempDir(), &ProcessFileMockLogger{})

	require.NoError(t, manager.WritePIDFile(4242))
	require.NoError(t, manager.WritePortFile(50001))

	pid, err := manager.ReadPIDFile()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	port, err := manager.ReadPortFile()
	require.NoError(t, err)
	assert.Equal(t, 50001, port)

	require.NoError(t, manager.RemoveRuntimeFiles())
	_, err = manager.ReadPIDFile()
	assert.True(t, errors.IsIOError(err))

	// idempotent
	assert.NoError(t, manager.RemoveRuntimeFiles())
}

func TestReadPortFile_InvalidContent(t *testing.T) {
	manager := NewProcessFileManager(t.TempDir(), &ProcessFileMockLogger{})
	require.NoError(t, os.WriteFile(manager.PortFilePath(), []byte("not-a-port\n"), 0644))

	_, err := manager.ReadPortFile()
	assert.True(t, errors.IsValidationError(err))
}
