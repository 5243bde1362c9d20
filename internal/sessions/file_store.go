package sessions

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus-core/internal/errs"
	"github.com/haasonsaas/nexus-core/internal/fsutil"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

const fileStoreExt = ".json"

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errs.New(errs.InvalidArgument, "session directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.Wrapf(errs.PermissionDenied, err, "create session directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errs.Newf(errs.InvalidArgument, "invalid session id %q", id)
	}
	return filepath.Join(f.dir, id+fileStoreExt), nil
}

func (f *FileStore) Put(ctx context.Context, rec *Record) error {
	if err := errs.FromContext(ctx, "sessions.put"); err != nil {
		return err
	}
	path, err := f.path(rec.ID)
	if err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return errs.Wrapf(errs.PermissionDenied, err, "write session %s", rec.ID)
	}
	return nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*Record, error) {
	path, err := f.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, errs.Wrapf(errs.PermissionDenied, err, "read session %s", id)
	}
	return DecodeRecord(data)
}

// List decodes every document in the directory. Unreadable documents are
// reported as errors rather than skipped.
func (f *FileStore) List(ctx context.Context) ([]models.SessionInfo, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, errs.Wrapf(errs.PermissionDenied, err, "list sessions in %s", f.dir)
	}
	infos := make([]models.SessionInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileStoreExt) || strings.HasPrefix(name, ".") {
			continue
		}
		if err := errs.FromContext(ctx, "sessions.list"); err != nil {
			return nil, err
		}
		rec, err := f.Get(ctx, strings.TrimSuffix(name, fileStoreExt))
		if err != nil {
			return nil, err
		}
		infos = append(infos, rec.Info())
	}
	sortInfos(infos)
	return infos, nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	path, err := f.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(id)
		}
		return errs.Wrapf(errs.PermissionDenied, err, "delete session %s", id)
	}
	return nil
}

func (f *FileStore) Close() error { return nil }
