package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// LocalBlobStore stores blobs on the local filesystem under a root
// directory. Intended for development and tests.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates a filesystem-backed blob store
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "create blob root", err)
	}
	return &LocalBlobStore{root: root}, nil
}

func (s *LocalBlobStore) path(tenantID, documentID, suffix string) (string, error) {
	key, err := objectKey(tenantID, documentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)+suffix), nil
}

func (s *LocalBlobStore) Put(ctx context.Context, tenantID, documentID string, body io.Reader, contentType string) error {
	return s.write(tenantID, documentID, "", body)
}

func (s *LocalBlobStore) PutText(ctx context.Context, tenantID, documentID string, text string) error {
	p, err := s.path(tenantID, documentID, ".txt")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "create tenant dir", err)
	}
	if err := os.WriteFile(p, []byte(text), 0o640); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "write extracted text", err)
	}
	return nil
}

func (s *LocalBlobStore) write(tenantID, documentID string, suffix string, body io.Reader) error {
	p, err := s.path(tenantID, documentID, suffix)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "create tenant dir", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "open blob file", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, body); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "write blob file", err)
	}
	return nil
}

func (s *LocalBlobStore) Get(ctx context.Context, tenantID, documentID string) (io.ReadCloser, error) {
	p, err := s.path(tenantID, documentID, "")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("blob not found")
		}
		return nil, apperrors.Wrap(apperrors.KindInternal, "open blob file", err)
	}
	return f, nil
}

func (s *LocalBlobStore) GetText(ctx context.Context, tenantID, documentID string) (string, error) {
	p, err := s.path(tenantID, documentID, ".txt")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound("extracted text not found")
		}
		return "", apperrors.Wrap(apperrors.KindInternal, "read extracted text", err)
	}
	return string(data), nil
}

func (s *LocalBlobStore) Delete(ctx context.Context, tenantID, documentID string) error {
	p, err := s.path(tenantID, documentID, "")
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.KindInternal, "delete blob file", err)
	}
	if txt, err := s.path(tenantID, documentID, ".txt"); err == nil {
		_ = os.Remove(txt)
	}
	return nil
}
