package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/Adithya-Monish-Kumar-K/docflow/pkg/errors"
	"github.com/google/uuid"
)

// FileStore keeps objects as files under dataDir/container/name.
type FileStore struct {
	dataDir string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) path(container, name string) (string, error) {
	if err := ValidateContainer(container); err != nil {
		return "", err
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, container, filepath.FromSlash(name)), nil
}

// Put streams r to disk through a temp file, hashing as it writes, and
// renames it into place so readers never observe a partial object.
func (s *FileStore) Put(ctx context.Context, container, name string, r io.Reader) (*ObjectInfo, error) {
	full, err := s.path(container, name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", objectRef(container, name), err)
	}
	tmp := filepath.Join(filepath.Dir(full), ".tmp-"+uuid.NewString())
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(r, hasher))
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, full)
	}
	if err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("writing %s: %w", objectRef(container, name), err)
	}

	st, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", objectRef(container, name), err)
	}
	return &ObjectInfo{
		Container:   container,
		Name:        name,
		ContentType: ContentTypeFor(name),
		Size:        size,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
		ModifiedAt:  st.ModTime().UTC(),
	}, nil
}

// Stat returns metadata for an object, hashing its content.
func (s *FileStore) Stat(ctx context.Context, container, name string) (*ObjectInfo, error) {
	obj, err := s.Get(ctx, container, name)
	if err != nil {
		return nil, err
	}
	return &obj.Info, nil
}

// Get reads an object fully into memory.
func (s *FileStore) Get(_ context.Context, container, name string) (*Object, error) {
	full, err := s.path(container, name)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil || st.IsDir() {
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrObjectNotFound, objectRef(container, name))
		}
		return nil, fmt.Errorf("stat %s: %w", objectRef(container, name), err)
	}
	content, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrObjectNotFound, objectRef(container, name))
		}
		return nil, fmt.Errorf("reading %s: %w", objectRef(container, name), err)
	}
	sum := sha256.Sum256(content)
	return &Object{
		Info: ObjectInfo{
			Container:   container,
			Name:        name,
			ContentType: ContentTypeFor(name),
			Size:        int64(len(content)),
			SHA256:      hex.EncodeToString(sum[:]),
			ModifiedAt:  st.ModTime().UTC(),
		},
		Content: content,
	}, nil
}

// Delete removes an object. Deleting a missing object is ErrObjectNotFound.
func (s *FileStore) Delete(_ context.Context, container, name string) error {
	full, err := s.path(container, name)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", apperrors.ErrObjectNotFound, objectRef(container, name))
		}
		return fmt.Errorf("deleting %s: %w", objectRef(container, name), err)
	}
	return nil
}
