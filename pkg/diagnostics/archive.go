// Package diagnostics assembles best-effort debug archives: whatever pieces
// can be gathered go into a compressed tar, together with a manifest that
// records why any piece is missing.
package diagnostics

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-beekeeper/pkg/errors"
	"github.com/core-tools/hsu-beekeeper/pkg/logging"
)

type Format string

const (
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
)

// Extension is the file suffix used for archives of this format.
func (f Format) Extension() string {
	if f == FormatZstd {
		return ".tar.zst"
	}
	return ".tar.gz"
}

func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "", "gzip", "gz":
		return FormatGzip, nil
	case "zstd", "zst":
		return FormatZstd, nil
	default:
		return "", errors.NewValidationError("unsupported archive format: "+name, nil)
	}
}

const ManifestName = "manifest.yaml"

// Piece is one item offered to the archive. Exactly one of Source and Data
// is used; Err marks a piece that could not be gathered at all.
type Piece struct {
	Name   string // path inside the archive, relative to the root directory
	Kind   string // log, config, binary, core, ...
	Source string
	Data   []byte
	Mode   int64
	Err    error
}

type ManifestEntry struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Source   string `yaml:"source,omitempty"`
	Size     int64  `yaml:"size"`
	Included bool   `yaml:"included"`
	Error    string `yaml:"error,omitempty"`
}

type Manifest struct {
	ID        string            `yaml:"id"`
	CreatedAt time.Time         `yaml:"created_at"`
	Format    Format            `yaml:"format"`
	Details   map[string]string `yaml:"details,omitempty"`
	Pieces    []ManifestEntry   `yaml:"pieces"`
}

// Included counts pieces that made it into the archive.
func (m Manifest) Included() int {
	n := 0
	for _, entry := range m.Pieces {
		if entry.Included {
			n++
		}
	}
	return n
}

type ArchiveRequest struct {
	ID        string
	Format    Format
	Directory string // defaults to os.TempDir()
	Details   map[string]string
	Pieces    []Piece
}

// WriteArchive writes every gatherable piece under "<id>/" plus the manifest.
// It fails only when no piece could be included or the archive file itself
// cannot be written; in that case no file is left behind.
func WriteArchive(ctx context.Context, request ArchiveRequest, logger logging.Logger) (string, Manifest, error) {
	manifest := Manifest{
		ID:        request.ID,
		CreatedAt: time.Now().UTC(),
		Format:    request.Format,
		Details:   request.Details,
	}
	if manifest.Format == "" {
		manifest.Format = FormatGzip
	}

	directory := request.Directory
	if directory == "" {
		directory = os.TempDir()
	}

	file, err := os.CreateTemp(directory, fmt.Sprintf("bee-%s-debug-*%s", sanitize(request.ID), manifest.Format.Extension()))
	if err != nil {
		return "", manifest, errors.NewIOError("failed to create archive file", err).WithContext("directory", directory)
	}
	archivePath := file.Name()

	success := false
	defer func() {
		if !success {
			file.Close()
			os.Remove(archivePath)
		}
	}()

	compressor, err := newCompressor(file, manifest.Format)
	if err != nil {
		return "", manifest, err
	}
	tw := tar.NewWriter(compressor)

	root := sanitize(request.ID)
	for _, piece := range request.Pieces {
		if err := ctx.Err(); err != nil {
			return "", manifest, errors.NewCancelledError("archive generation cancelled", err)
		}

		entry := ManifestEntry{Name: piece.Name, Kind: piece.Kind, Source: piece.Source}
		size, included, pieceErr, writeErr := writePiece(tw, path.Join(root, piece.Name), piece)
		if writeErr != nil {
			return "", manifest, errors.NewIOError("failed to write archive", writeErr).WithContext("path", archivePath)
		}
		entry.Size = size
		entry.Included = included
		if pieceErr != nil {
			entry.Error = pieceErr.Error()
			logger.Warnf("Debug archive piece incomplete, id: %s, piece: %s, included: %v, error: %v",
				request.ID, piece.Name, included, pieceErr)
		}
		manifest.Pieces = append(manifest.Pieces, entry)
	}

	if manifest.Included() == 0 {
		return "", manifest, errors.NewIOError("no diagnostic piece could be gathered", nil).WithContext("id", request.ID)
	}

	encoded, err := yaml.Marshal(manifest)
	if err != nil {
		return "", manifest, errors.NewInternalError("failed to encode manifest", err)
	}
	if _, _, _, err := writePiece(tw, path.Join(root, ManifestName), Piece{Data: encoded}); err != nil {
		return "", manifest, errors.NewIOError("failed to write manifest", err).WithContext("path", archivePath)
	}

	if err := tw.Close(); err != nil {
		return "", manifest, errors.NewIOError("failed to finish tar stream", err).WithContext("path", archivePath)
	}
	if err := compressor.Close(); err != nil {
		return "", manifest, errors.NewIOError("failed to finish compression", err).WithContext("path", archivePath)
	}
	if err := file.Sync(); err != nil {
		return "", manifest, errors.NewIOError("failed to sync archive", err).WithContext("path", archivePath)
	}
	if err := file.Close(); err != nil {
		return "", manifest, errors.NewIOError("failed to close archive", err).WithContext("path", archivePath)
	}

	success = true
	logger.Infof("Debug archive written, id: %s, path: %s, pieces: %d/%d",
		request.ID, archivePath, manifest.Included(), len(manifest.Pieces))
	return archivePath, manifest, nil
}

// writePiece reports failures to gather the piece separately from failures
// of the archive stream; only the latter abort the archive.
func writePiece(tw *tar.Writer, name string, piece Piece) (size int64, included bool, pieceErr error, writeErr error) {
	if piece.Err != nil {
		return 0, false, piece.Err, nil
	}

	mode := piece.Mode
	if mode == 0 {
		mode = 0644
	}

	if piece.Source == "" {
		header := &tar.Header{Name: name, Mode: mode, Size: int64(len(piece.Data)), ModTime: time.Now()}
		if err := tw.WriteHeader(header); err != nil {
			return 0, false, nil, err
		}
		if _, err := tw.Write(piece.Data); err != nil {
			return 0, false, nil, err
		}
		return header.Size, true, nil, nil
	}

	source, err := os.Open(piece.Source)
	if err != nil {
		return 0, false, err, nil
	}
	defer source.Close()

	info, err := source.Stat()
	if err != nil {
		return 0, false, err, nil
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("%s is not a regular file", piece.Source), nil
	}

	header := &tar.Header{Name: name, Mode: int64(info.Mode().Perm()), Size: info.Size(), ModTime: info.ModTime()}
	if err := tw.WriteHeader(header); err != nil {
		return 0, false, nil, err
	}

	reader := &trackingReader{reader: io.LimitReader(source, header.Size)}
	n, err := io.Copy(tw, reader)
	if err != nil && reader.err == nil {
		return n, false, nil, err
	}
	// The source may shrink while being copied; pad so the tar stream stays
	// consistent with the header.
	if n < header.Size {
		if _, err := io.Copy(tw, io.LimitReader(zeroReader{}, header.Size-n)); err != nil {
			return n, false, nil, err
		}
		if reader.err == nil {
			reader.err = fmt.Errorf("%s shrank during copy, %d of %d bytes read", piece.Source, n, header.Size)
		}
	}
	return header.Size, true, reader.err, nil
}

type trackingReader struct {
	reader io.Reader
	err    error
}

func (r *trackingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func newCompressor(w io.Writer, format Format) (io.WriteCloser, error) {
	switch format {
	case FormatGzip:
		return gzip.NewWriter(w), nil
	case FormatZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, errors.NewInternalError("failed to create zstd encoder", err)
		}
		return encoder, nil
	default:
		return nil, errors.NewValidationError("unsupported archive format: "+string(format), nil)
	}
}

// ReadArchive decompresses an archive written by WriteArchive and returns
// every regular file by its path inside the archive.
func ReadArchive(archivePath string) (map[string][]byte, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.NewIOError("failed to open archive", err).WithContext("path", archivePath)
	}
	defer file.Close()

	var reader io.Reader
	if strings.HasSuffix(archivePath, FormatZstd.Extension()) {
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, errors.NewIOError("failed to open zstd stream", err)
		}
		defer decoder.Close()
		reader = decoder
	} else {
		decompressor, err := gzip.NewReader(file)
		if err != nil {
			return nil, errors.NewIOError("failed to open gzip stream", err)
		}
		defer decompressor.Close()
		reader = decompressor
	}

	files := make(map[string][]byte)
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, errors.NewIOError("failed to read tar stream", err)
		}
		var content bytes.Buffer
		if _, err := io.Copy(&content, tr); err != nil {
			return nil, errors.NewIOError("failed to read tar entry", err).WithContext("name", header.Name)
		}
		files[header.Name] = content.Bytes()
	}
}

func sanitize(id string) string {
	id = filepath.Base(filepath.Clean("/" + id))
	if id == "/" || id == "." || id == "" {
		return "bee"
	}
	return strings.ReplaceAll(id, string(os.PathSeparator), "_")
}
