package storage

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Artifact is a generated file waiting to be uploaded. Name is the base name
// of Path.
type Artifact struct {
	Path string
	Name string
}

var ErrNotFileOrDir = errors.New("path is neither a file nor a directory")

type DeleteError struct {
	Path string
	Err  error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("failed to delete %s: %v", e.Path, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

type SaveError struct {
	Dir string
	Err error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("failed to save artifact in %s: %v", e.Dir, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// ArtifactStore writes artifacts into a single scope directory. Files stay on
// disk until Delete is called for them.
type ArtifactStore struct {
	dir string
	now func() time.Time
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	return &ArtifactStore{dir: absDir, now: time.Now}, nil
}

func (s *ArtifactStore) Dir() string {
	return s.dir
}

func (s *ArtifactStore) Save(img image.Image) (Artifact, error) {
	return s.write(".png", func(w io.Writer) error {
		return png.Encode(w, img)
	})
}

// SaveBytes stores already encoded output. ext includes the leading dot.
func (s *ArtifactStore) SaveBytes(data io.Reader, ext string) (Artifact, error) {
	return s.write(ext, func(w io.Writer) error {
		_, err := io.Copy(w, data)
		return err
	})
}

func (s *ArtifactStore) write(ext string, encode func(io.Writer) error) (Artifact, error) {
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return Artifact{}, &SaveError{Dir: s.dir, Err: err}
	}

	name := s.newName(ext)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return Artifact{}, &SaveError{Dir: s.dir, Err: err}
	}

	if err := encode(f); err != nil {
		f.Close()
		os.Remove(path) //nolint:errcheck
		return Artifact{}, &SaveError{Dir: s.dir, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path) //nolint:errcheck
		return Artifact{}, &SaveError{Dir: s.dir, Err: err}
	}

	if info, err := os.Stat(path); err == nil {
		slog.Info("artifact saved", "path", path, "size", humanize.Bytes(uint64(info.Size())))
	}

	return Artifact{Path: path, Name: name}, nil
}

// newName combines the save time with a random suffix so two saves within
// the same second never collide.
func (s *ArtifactStore) newName(ext string) string {
	return fmt.Sprintf("image_%d_%s%s", s.now().Unix(), uuid.New().String()[:8], ext)
}

// Delete removes a file, or a directory and everything below it. Any other
// kind of path, including a missing one, is a *DeleteError.
func (s *ArtifactStore) Delete(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DeleteError{Path: path, Err: ErrNotFileOrDir}
		}
		return &DeleteError{Path: path, Err: err}
	}

	switch {
	case info.Mode().IsRegular():
		if err := os.Remove(path); err != nil {
			return &DeleteError{Path: path, Err: err}
		}
		slog.Info("deleted file", "path", path)
	case info.IsDir():
		if err := os.RemoveAll(path); err != nil {
			return &DeleteError{Path: path, Err: err}
		}
		slog.Info("deleted directory and its contents", "path", path)
	default:
		return &DeleteError{Path: path, Err: ErrNotFileOrDir}
	}
	return nil
}
