package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/onnwee/vod-archiver/hls"
)

// ErrLocked is returned when another process holds the capture directory.
var ErrLocked = errors.New("capture directory is locked by another process")

const lockFileName = ".lock"

// SegmentStore is the on-disk capture directory of one broadcast: the persisted manifest
// plus one file per downloaded segment. It holds an exclusive file lock while open.
type SegmentStore struct {
	id   string
	dir  string
	lock *flock.Flock
}

// OpenStore creates <dataDir>/<id> if needed and locks it.
func OpenStore(dataDir, id string) (*SegmentStore, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, fmt.Errorf("invalid broadcast id %q", id)
	}
	dir := filepath.Join(dataDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock capture dir: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &SegmentStore{id: id, dir: dir, lock: lock}, nil
}

// Dir returns the capture directory.
func (s *SegmentStore) Dir() string { return s.dir }

// ManifestPath returns <dir>/<id>.m3u8.
func (s *SegmentStore) ManifestPath() string {
	return filepath.Join(s.dir, s.id+".m3u8")
}

// SegmentPath maps a segment URI to its local file.
func (s *SegmentStore) SegmentPath(uri string) string {
	return filepath.Join(s.dir, hls.LocalName(uri))
}

// HasManifest reports whether a manifest has been persisted.
func (s *SegmentStore) HasManifest() bool {
	_, err := os.Stat(s.ManifestPath())
	return err == nil
}

// HasSegment reports whether the segment file exists and is non-empty.
func (s *SegmentStore) HasSegment(uri string) bool {
	fi, err := os.Stat(s.SegmentPath(uri))
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// LoadManifest reads the persisted manifest; nil without error when none exists.
func (s *SegmentStore) LoadManifest() (*hls.Manifest, error) {
	f, err := os.Open(s.ManifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := hls.ParseMedia(f)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", s.ManifestPath(), err)
	}
	m.Normalize()
	return m, nil
}

// SaveManifest atomically replaces the persisted manifest.
func (s *SegmentStore) SaveManifest(m *hls.Manifest) error {
	b, err := m.Bytes()
	if err != nil {
		return err
	}
	return writeAtomic(s.ManifestPath(), func(w io.Writer) (int64, error) {
		n, err := w.Write(b)
		return int64(n), err
	})
}

// WriteSegment streams r into the segment's file. A partial download never becomes visible.
func (s *SegmentStore) WriteSegment(uri string, r io.Reader) (int64, error) {
	var written int64
	err := writeAtomic(s.SegmentPath(uri), func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, r)
		written = n
		return n, err
	})
	return written, err
}

// SegmentFiles lists the local files of the manifest's segments, in order, skipping any that
// were never downloaded. The second value lists the URIs that were skipped.
func (s *SegmentStore) SegmentFiles(m *hls.Manifest) (files []string, missing []string) {
	if m == nil {
		return nil, nil
	}
	for _, seg := range m.Segments {
		if s.HasSegment(seg.URI) {
			files = append(files, s.SegmentPath(seg.URI))
		} else {
			missing = append(missing, seg.URI)
		}
	}
	return files, missing
}

// Close releases the directory lock.
func (s *SegmentStore) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Remove releases the lock and deletes the capture directory.
func (s *SegmentStore) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	return os.RemoveAll(s.dir)
}

func writeAtomic(path string, fill func(io.Writer) (int64, error)) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := fill(tmp); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
