package bee

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/core-tools/hsu-beekeeper/pkg/diagnostics"
	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/processfile"
)

type ArchiveOptions struct {
	// Format defaults to gzip.
	Format diagnostics.Format

	// Directory defaults to the system temp directory.
	Directory string

	SkipBinary   bool
	SkipCoreDump bool
}

// GenerateDebugArchive bundles the captured log, the config file, a copy of
// the executable and a core dump into a compressed tar and returns its path.
// Pieces that cannot be gathered are listed in the manifest instead; the call
// fails only if nothing could be gathered or the archive cannot be written.
// Works after the process has died, until Cleanup.
func (b *Bee) GenerateDebugArchive(ctx context.Context, options ArchiveOptions) (string, error) {
	b.mutex.RLock()
	state := b.state
	started := b.cmd != nil
	running := started && !b.exitObserved
	pid := b.launchedPIDUnderLock()
	capture := b.capture
	details := map[string]string{
		"state":          string(b.state),
		"outcome":        string(b.outcomeUnderLock()),
		"pid":            strconv.Itoa(pid),
		"port":           strconv.Itoa(b.port),
		"executable":     b.executablePath,
		"data_directory": b.dataDirectory,
	}
	if b.exitObserved {
		details["exit_code"] = strconv.Itoa(b.exitCode)
	}
	cleaned := b.cleanedUp
	b.mutex.RUnlock()

	if !started {
		return "", errors.NewPreconditionError(
			fmt.Sprintf("cannot generate a debug archive in state '%s': process was never started", state), nil).
			WithContext("id", b.id)
	}
	if cleaned && b.ownsDirectory {
		return "", errors.NewPreconditionError("data directory already cleaned up", nil).WithContext("id", b.id)
	}

	var pieces []diagnostics.Piece

	var logContent []byte
	if capture != nil {
		logContent = capture.Bytes()
	}
	pieces = append(pieces, diagnostics.Piece{Name: processfile.LogFileName, Kind: "log", Data: logContent})
	pieces = append(pieces, diagnostics.Piece{Name: processfile.ConfigFileName, Kind: "config", Source: b.files.ConfigFilePath()})

	if !options.SkipBinary {
		pieces = append(pieces, diagnostics.Piece{
			Name:   filepath.ToSlash(filepath.Join("bin", filepath.Base(b.executablePath))),
			Kind:   "binary",
			Source: b.executablePath,
		})
	}

	if !options.SkipCoreDump {
		corePieces, cleanup := b.gatherCoreDumps(ctx, running, pid)
		defer cleanup()
		pieces = append(pieces, corePieces...)
	}

	archivePath, manifest, err := diagnostics.WriteArchive(ctx, diagnostics.ArchiveRequest{
		ID:        b.id,
		Format:    options.Format,
		Directory: options.Directory,
		Details:   details,
		Pieces:    pieces,
	}, b.logger)
	if err != nil {
		return "", err
	}

	b.metrics.ArchiveGenerated(b.id, manifest.Included(), len(manifest.Pieces)-manifest.Included())
	return archivePath, nil
}

// gatherCoreDumps snapshots a live process with gcore, or collects core
// files a crashed one left in the data directory.
func (b *Bee) gatherCoreDumps(ctx context.Context, running bool, pid int) ([]diagnostics.Piece, func()) {
	noop := func() {}

	if running {
		dumpDirectory, err := os.MkdirTemp("", "bee-core-*")
		if err != nil {
			return []diagnostics.Piece{{Name: "core", Kind: "core", Err: err}}, noop
		}
		cleanup := func() { os.RemoveAll(dumpDirectory) }

		dumped, err := diagnostics.DumpLiveProcess(ctx, pid, dumpDirectory, b.logger)
		if err != nil {
			return []diagnostics.Piece{{Name: "core", Kind: "core", Err: err}}, cleanup
		}
		return []diagnostics.Piece{{
			Name:   "core/" + filepath.Base(dumped),
			Kind:   "core",
			Source: dumped,
		}}, cleanup
	}

	found, err := diagnostics.FindCoreFiles(b.dataDirectory)
	if err != nil {
		return []diagnostics.Piece{{Name: "core", Kind: "core", Err: err}}, noop
	}
	if len(found) == 0 {
		return []diagnostics.Piece{{Name: "core", Kind: "core",
			Err: errors.NewNotFoundError("no core file in data directory", nil)}}, noop
	}

	pieces := make([]diagnostics.Piece, 0, len(found))
	for _, path := range found {
		pieces = append(pieces, diagnostics.Piece{Name: "core/" + filepath.Base(path), Kind: "core", Source: path})
	}
	return pieces, noop
}
