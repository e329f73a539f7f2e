package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"restorebot/internal/config"
)

const (
	TypeLocal  = "local"
	TypeS3Like = "s3-like"
)

// Store mirrors finished backup directories to a second location. A Store
// built from an empty type is disabled and Mirror does nothing.
type Store struct {
	cfg    config.ObjectStorageConfig
	minio  *minio.Client
	logger *zap.Logger
}

func New(cfg config.ObjectStorageConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{cfg: cfg, logger: logger}

	switch cfg.Type {
	case "":
	case TypeS3Like:
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.Secure,
		})
		if err != nil {
			return nil, err
		}
		s.minio = client
	case TypeLocal:
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("invalid object storage type")
	}
	return s, nil
}

func (s *Store) Enabled() bool {
	return s != nil && s.cfg.Type != ""
}

// Mirror copies every file under dir to <base(dir)>/<relative path>.
// It returns the number of files written.
func (s *Store) Mirror(ctx context.Context, dir string) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	prefix := filepath.Base(dir)
	count := 0
	err := filepath.WalkDir(dir, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		key := path.Join(prefix, filepath.ToSlash(rel))
		if err := s.put(ctx, key, file); err != nil {
			return fmt.Errorf("mirror %s: %w", key, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	s.logger.Info("backup mirrored", zap.String("type", s.cfg.Type), zap.String("prefix", prefix), zap.Int("files", count))
	return count, nil
}

func (s *Store) put(ctx context.Context, key, file string) error {
	switch s.cfg.Type {
	case TypeLocal:
		dest := filepath.Join(s.cfg.Path, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return copyFile(file, dest)
	case TypeS3Like:
		_, err := s.minio.FPutObject(ctx, s.cfg.Path, key, file, minio.PutObjectOptions{})
		return err
	default:
		return fmt.Errorf("operation not supported for object storage type %s", s.cfg.Type)
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
