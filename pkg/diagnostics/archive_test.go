package diagnostics

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

func TestWriteArchive_AllPieces(t *testing.T) {
	for _, format := range []Format{FormatGzip, FormatZstd} {
		t.Run(string(format), func(t *testing.T) {
			dir := t.TempDir()
			binary := filepath.Join(dir, "swarm")
			require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"), 0755))

			archivePath, manifest, err := WriteArchive(context.Background(), ArchiveRequest{
				ID:        "bee-0",
				Format:    format,
				Directory: dir,
				Details:   map[string]string{"state": "stopped"},
				Pieces: []Piece{
					{Name: "swarm.log", Kind: "log", Data: []byte("hello\n")},
					{Name: "bin/swarm", Kind: "binary", Source: binary},
				},
			}, logging.Nop())
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(filepath.Base(archivePath), "bee-bee-0-debug-"))
			assert.True(t, strings.HasSuffix(archivePath, format.Extension()))
			assert.Equal(t, 2, manifest.Included())

			files, err := ReadArchive(archivePath)
			require.NoError(t, err)
			assert.Equal(t, "hello\n", string(files["bee-0/swarm.log"]))
			assert.Equal(t, "#!/bin/sh\n", string(files["bee-0/bin/swarm"]))

			var decoded Manifest
			require.NoError(t, yaml.Unmarshal(files["bee-0/"+ManifestName], &decoded))
			assert.Equal(t, "bee-0", decoded.ID)
			assert.Equal(t, "stopped", decoded.Details["state"])
			assert.Len(t, decoded.Pieces, 2)
		})
	}
}

func TestWriteArchive_MissingPiecesDoNotFail(t *testing.T) {
	dir := t.TempDir()

	archivePath, manifest, err := WriteArchive(context.Background(), ArchiveRequest{
		ID:        "bee-1",
		Directory: dir,
		Pieces: []Piece{
			{Name: "swarm.log", Kind: "log", Data: []byte("partial output")},
			{Name: "bin/swarm", Kind: "binary", Source: filepath.Join(dir, "missing")},
			{Name: "core", Kind: "core", Err: stderrors.New("core dumps disabled")},
		},
	}, logging.Nop())
	require.NoError(t, err)

	assert.Equal(t, 1, manifest.Included())
	require.Len(t, manifest.Pieces, 3)
	assert.NotEmpty(t, manifest.Pieces[1].Error)
	assert.Equal(t, "core dumps disabled", manifest.Pieces[2].Error)

	files, err := ReadArchive(archivePath)
	require.NoError(t, err)
	assert.Equal(t, "partial output", string(files["bee-1/swarm.log"]))
	assert.NotContains(t, files, "bee-1/bin/swarm")
	assert.Contains(t, files, "bee-1/"+ManifestName)
}

func TestWriteArchive_NothingGathered(t *testing.T) {
	dir := t.TempDir()

	_, _, err := WriteArchive(context.Background(), ArchiveRequest{
		ID:        "bee-2",
		Directory: dir,
		Pieces: []Piece{
			{Name: "core", Kind: "core", Err: stderrors.New("unavailable")},
		},
	}, logging.Nop())
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed archive leaves no file behind")
}

func TestWriteArchive_UnwritableDirectory(t *testing.T) {
	_, _, err := WriteArchive(context.Background(), ArchiveRequest{
		ID:        "bee-3",
		Directory: filepath.Join(t.TempDir(), "missing"),
		Pieces:    []Piece{{Name: "swarm.log", Data: []byte("x")}},
	}, logging.Nop())
	assert.True(t, errors.IsIOError(err))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatGzip, f)

	f, err = ParseFormat("zst")
	require.NoError(t, err)
	assert.Equal(t, FormatZstd, f)

	_, err = ParseFormat("bzip2")
	assert.True(t, errors.IsValidationError(err))
}

func TestFindCoreFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"core.123", "core", "bluzelle.json", "corefile"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "core.dir"), 0755))

	found, err := FindCoreFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "core"), filepath.Join(dir, "core.123")}, found)
}

func TestDumpLiveProcess_ToolMissing(t *testing.T) {
	original := CoreDumper
	CoreDumper = "beekeeper-no-such-core-tool"
	defer func() { CoreDumper = original }()

	_, err := DumpLiveProcess(context.Background(), os.Getpid(), t.TempDir(), logging.Nop())
	assert.True(t, errors.IsNotFoundError(err))

	_, err = DumpLiveProcess(context.Background(), 0, t.TempDir(), logging.Nop())
	assert.True(t, errors.IsValidationError(err))
}
