package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

// Well-known names inside a bee data directory.
const (
	ConfigFileName   = "bluzelle.json"
	PIDFileName      = "swarm.pid"
	PortFileName     = "swarm.port"
	LogDirectoryName = "logs"
	LogFileName      = "swarm.log"
)

// ProcessFileManager generates and manages the files a bee keeps in its data
// directory: the daemon config, PID and port files, and the output log.
type ProcessFileManager struct {
	baseDirectory string
	logger        logging.Logger
}

// NewProcessFileManager roots a manager at baseDirectory, which should be
// absolute.
func NewProcessFileManager(baseDirectory string, logger logging.Logger) *ProcessFileManager {
	return &ProcessFileManager{
		baseDirectory: baseDirectory,
		logger:        logger,
	}
}

func (m *ProcessFileManager) BaseDirectory() string {
	return m.baseDirectory
}

func (m *ProcessFileManager) ConfigFilePath() string {
	return filepath.Join(m.baseDirectory, ConfigFileName)
}

func (m *ProcessFileManager) PIDFilePath() string {
	return filepath.Join(m.baseDirectory, PIDFileName)
}

func (m *ProcessFileManager) PortFilePath() string {
	return filepath.Join(m.baseDirectory, PortFileName)
}

func (m *ProcessFileManager) LogDirectoryPath() string {
	return filepath.Join(m.baseDirectory, LogDirectoryName)
}

func (m *ProcessFileManager) LogFilePath() string {
	return filepath.Join(m.LogDirectoryPath(), LogFileName)
}

// ResolvePath maps a caller-supplied relative path into the data directory,
// refusing absolute paths, anything that climbs out of it and the files the
// manager itself owns.
func (m *ProcessFileManager) ResolvePath(relative string) (string, error) {
	if err := ValidateStatePath(relative); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDirectory, filepath.Clean(relative)), nil
}

// ValidateStatePath checks a path for an extra state file without needing a
// data directory.
func ValidateStatePath(relative string) error {
	if relative == "" || filepath.IsAbs(relative) {
		return errors.NewValidationError("state file path must be relative", nil).WithContext("path", relative)
	}
	cleaned := filepath.Clean(relative)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return errors.NewValidationError("state file path escapes the data directory", nil).WithContext("path", relative)
	}
	if isReservedPath(cleaned) {
		return errors.NewValidationError("state file path is reserved", nil).WithContext("path", relative)
	}
	return nil
}

func isReservedPath(cleaned string) bool {
	switch cleaned {
	case ".", ConfigFileName, PIDFileName, PortFileName, LogDirectoryName:
		return true
	}
	return strings.HasPrefix(cleaned, LogDirectoryName+string(filepath.Separator))
}

// Scaffold creates the data directory layout and verifies it is writable.
func (m *ProcessFileManager) Scaffold() error {
	for _, dir := range []string{m.baseDirectory, m.LogDirectoryPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	}
	return ValidateDirectoryWritable(m.baseDirectory)
}

// WriteFile writes content to path through a synced temp file that is
// renamed into place, so readers never see a partial file.
func (m *ProcessFileManager) WriteFile(path string, content []byte, perm os.FileMode) error {
	m.logger.Debugf("Writing file, path: %s, bytes: %d", path, len(content))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewIOError("failed to create parent directory", err).WithContext("path", path)
	}

	tmpName, err := writeTemp(path, content, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.NewIOError("failed to move file into place", err).WithContext("path", path)
	}
	return nil
}

func writeTemp(path string, content []byte, perm os.FileMode) (name string, err error) {
	file, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", errors.NewIOError("failed to create file", err).WithContext("path", path)
	}
	tmpName := file.Name()

	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = errors.NewIOError("failed to close file", closeErr).WithContext("path", path)
		}
		if err != nil {
			os.Remove(tmpName)
			name = ""
		}
	}()

	if _, err := file.Write(content); err != nil {
		return "", errors.NewIOError("failed to write file", err).WithContext("path", path)
	}
	if err := file.Chmod(perm); err != nil {
		return "", errors.NewIOError("failed to set file mode", err).WithContext("path", path)
	}
	if err := file.Sync(); err != nil {
		return "", errors.NewIOError("failed to flush file", err).WithContext("path", path)
	}
	return tmpName, nil
}

func (m *ProcessFileManager) WritePIDFile(pid int) error {
	if err := m.WriteFile(m.PIDFilePath(), []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		m.logger.Errorf("Failed to write PID file, pid: %d, error: %v", pid, err)
		return err
	}
	m.logger.Debugf("PID file written, pid: %d, path: %s", pid, m.PIDFilePath())
	return nil
}

func (m *ProcessFileManager) ReadPIDFile() (int, error) {
	return readIntFile(m.PIDFilePath())
}

func (m *ProcessFileManager) WritePortFile(port int) error {
	if err := m.WriteFile(m.PortFilePath(), []byte(fmt.Sprintf("%d\n", port)), 0644); err != nil {
		m.logger.Errorf("Failed to write port file, port: %d, error: %v", port, err)
		return err
	}
	m.logger.Debugf("Port file written, port: %d, path: %s", port, m.PortFilePath())
	return nil
}

func (m *ProcessFileManager) ReadPortFile() (int, error) {
	return readIntFile(m.PortFilePath())
}

// RemoveRuntimeFiles deletes the PID and port files once the process is gone.
// Missing files are not an error.
func (m *ProcessFileManager) RemoveRuntimeFiles() error {
	collection := errors.NewErrorCollection()
	for _, path := range []string{m.PIDFilePath(), m.PortFilePath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			collection.Add(errors.NewIOError("failed to remove runtime file", err).WithContext("path", path))
		}
	}
	return collection.ToError()
}

func readIntFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.NewIOError("failed to read file", err).WithContext("path", path)
	}
	text := strings.TrimSpace(string(content))
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NewValidationError("invalid integer content", err).WithContext("path", path).WithContext("content", text)
	}
	return value, nil
}

// ValidateDirectoryWritable checks that dir exists, is a directory and
// accepts new files.
func ValidateDirectoryWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
	}
	if !info.IsDir() {
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	probe, err := os.CreateTemp(dir, ".write_test*")
	if err != nil {
		return errors.NewIOError("directory is not writable", err).WithContext("directory", dir)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
