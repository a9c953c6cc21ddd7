package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// LocalStore persists objects under a directory on local disk, one
// file per key plus a small JSON sidecar for Meta. Caller-supplied
// keys resolve into paths under baseDir via securejoin, never by raw
// filepath.Join.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create base dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// keyRe pins object keys to the flat shape the File Manager mints
// (UUID text): no separators, no relative-path segments. SecureJoin
// below would clamp an escaping key back under baseDir rather than
// reject it, so the shape check is what actually surfaces a bad key
// to the caller.
var keyRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func (s *LocalStore) paths(key string) (blob, meta string, err error) {
	if !keyRe.MatchString(key) {
		return "", "", fmt.Errorf("files: invalid key %q", key)
	}
	blob, err = securejoin.SecureJoin(s.baseDir, key)
	if err != nil {
		return "", "", fmt.Errorf("files: invalid key %q: %w", key, err)
	}
	meta, err = securejoin.SecureJoin(s.baseDir, key+".meta.json")
	if err != nil {
		return "", "", fmt.Errorf("files: invalid key %q: %w", key, err)
	}
	return blob, meta, nil
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	blobPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(blobPath, data, 0o644); err != nil {
		return fmt.Errorf("files: write %q: %w", key, err)
	}
	m := Meta{Key: key, Size: int64(len(data)), ContentType: contentType}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(metaPath, raw, 0o644); err != nil {
		return fmt.Errorf("files: write meta %q: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, Meta, error) {
	blobPath, metaPath, err := s.paths(key)
	if err != nil {
		return nil, Meta{}, err
	}
	data, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrNotFound
		}
		return nil, Meta{}, err
	}

	var m Meta
	if raw, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(raw, &m)
	} else {
		m = Meta{Key: key, Size: int64(len(data))}
	}
	return data, m, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	blobPath, metaPath, err := s.paths(key)
	if err != nil {
		return err
	}
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("files: delete %q: %w", key, err)
	}
	_ = os.Remove(metaPath)
	return nil
}
