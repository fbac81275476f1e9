package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

// CoreDumper is the tool used to snapshot a live process.
var CoreDumper = "gcore"

// DumpLiveProcess asks gcore to write a core of pid into directory and
// returns the produced file.
func DumpLiveProcess(ctx context.Context, pid int, directory string, logger logging.Logger) (string, error) {
	if pid <= 0 {
		return "", errors.NewValidationError("core dump requires a PID", nil)
	}

	tool, err := exec.LookPath(CoreDumper)
	if err != nil {
		return "", errors.NewNotFoundError("core dump tool not available", err).WithContext("tool", CoreDumper)
	}

	prefix := filepath.Join(directory, "core")
	cmd := exec.CommandContext(ctx, tool, "-o", prefix, fmt.Sprint(pid))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.NewProcessError("core dump tool failed", err).
			WithContext("pid", pid).
			WithContext("output", strings.TrimSpace(string(output)))
	}

	dumped := fmt.Sprintf("%s.%d", prefix, pid)
	if _, err := os.Stat(dumped); err != nil {
		return "", errors.NewNotFoundError("core dump tool produced no file", err).WithContext("path", dumped)
	}
	logger.Debugf("Core dump written, pid: %d, path: %s", pid, dumped)
	return dumped, nil
}

// FindCoreFiles lists core files the kernel left in directory after a crash
// ("core" or "core.<pid>"), sorted by name.
func FindCoreFiles(directory string) ([]string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, errors.NewIOError("failed to list directory", err).WithContext("directory", directory)
	}

	var found []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if name == "core" || strings.HasPrefix(name, "core.") {
			found = append(found, filepath.Join(directory, name))
		}
	}
	sort.Strings(found)
	return found, nil
}
