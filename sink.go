package imcurate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/djherbis/times"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Sink stores encoded output files under slash-separated keys.
type Sink interface {
	// Exists reports whether key is already present.
	Exists(ctx context.Context, key string) (bool, error)
	// Write stores data at key. src carries the source file times to preserve.
	Write(ctx context.Context, key string, data []byte, src fs.FileInfo) error
	// Location is a human-readable destination for key, used in logs and reports.
	Location(key string) string
}

// localSink writes into a folder on disk.
type localSink struct {
	root string
}

func (s localSink) Location(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s localSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.Location(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Write replaces the destination atomically and copies the source file times.
func (s localSink) Write(_ context.Context, key string, data []byte, src fs.FileInfo) error {
	dst := s.Location(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".imcurate-*"+filepath.Ext(dst))
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}
	if src != nil {
		return os.Chtimes(dst, accessTime(src), src.ModTime())
	}
	return nil
}

// accessTime returns the last access time of a file stat'ed through os,
// falling back to mtime for infos without platform data.
func accessTime(info fs.FileInfo) time.Time {
	if info.Sys() == nil {
		return info.ModTime()
	}
	return times.Get(info).AccessTime()
}

// S3Options configure an s3:// output. Empty credentials fall back to the
// standard AWS environment variables.
type S3Options struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Region    string `json:"region,omitempty"`
	Insecure  bool   `json:"insecure,omitempty"` // plain HTTP
}

// s3Sink uploads into a bucket through an S3-compatible API.
type s3Sink struct {
	client *minio.Client
	bucket string
	prefix string
}

// parseS3URL splits "s3://bucket/prefix".
func parseS3URL(u string) (bucket, prefix string, ok bool) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	return bucket, strings.Trim(prefix, "/"), bucket != ""
}

func newS3Sink(folder string, opts *S3Options) (*s3Sink, error) {
	bucket, prefix, ok := parseS3URL(folder)
	if !ok {
		return nil, configErr("invalid s3 output %q", folder)
	}
	if opts == nil || opts.Endpoint == "" {
		return nil, configErr("s3 output %s needs an endpoint", folder)
	}
	creds := credentials.NewEnvAWS()
	if opts.AccessKey != "" {
		creds = credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, "")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, configErr("s3 output %s: %v", folder, err)
	}
	return &s3Sink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *s3Sink) objectKey(key string) string {
	return path.Join(s.prefix, key)
}

func (s *s3Sink) Location(key string) string {
	return "s3://" + s.bucket + "/" + s.objectKey(key)
}

func (s *s3Sink) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (s *s3Sink) Write(ctx context.Context, key string, data []byte, src fs.FileInfo) error {
	opts := minio.PutObjectOptions{ContentType: mime.TypeByExtension(path.Ext(key))}
	if src != nil {
		opts.UserMetadata = map[string]string{
			"source-mtime": src.ModTime().UTC().Format(time.RFC3339Nano),
		}
	}
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("upload %s: %w", s.Location(key), err)
	}
	return nil
}
