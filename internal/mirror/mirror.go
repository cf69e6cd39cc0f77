// Package mirror keeps a copy of the artifact store in an S3-compatible
// bucket so that other machines can populate their store without a package
// index.
//
// Objects are keyed {prefix}/{tag}/{normalized-name}/{version}/{file}, the
// same relative layout as the local store.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/brandonbloom/pinenv/internal/failure"
	"github.com/brandonbloom/pinenv/internal/interp"
	"github.com/brandonbloom/pinenv/internal/manifest"
	"github.com/brandonbloom/pinenv/internal/store"
)

var errNoSuchObject = errors.New("no such object")

// Config addresses the bucket.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// backend is the subset of bucket operations the mirror needs.
type backend interface {
	ensureBucket(ctx context.Context) error
	list(ctx context.Context, prefix string) ([]string, error)
	download(ctx context.Context, key, dest string) error
	upload(ctx context.Context, key, src string) error
}

// Client fetches artifacts from and pushes artifacts to a bucket.
type Client struct {
	bucket  backend
	prefix  string
	display string
	log     *zap.Logger
}

// New connects to the bucket described by cfg. No request is made until
// the first fetch or push.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, failure.New(failure.Config, "", "mirror endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, failure.New(failure.Config, "", "mirror access key and secret key are required (PINENV_MIRROR_ACCESS_KEY, PINENV_MIRROR_SECRET_KEY)")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, failure.New(failure.Config, "", "mirror bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, failure.Wrap(failure.Config, "", err, "init mirror client")
	}
	return newClient(&s3Bucket{client: client, name: bucket, region: region}, cfg.Prefix, endpoint+"/"+bucket, log), nil
}

func newClient(b backend, prefix, display string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		bucket:  b,
		prefix:  strings.Trim(strings.TrimSpace(prefix), "/"),
		display: display,
		log:     log,
	}
}

// String names the mirror for messages.
func (c *Client) String() string { return c.display }

func (c *Client) entryPrefix(tag interp.Tag, e manifest.Entry) string {
	p := path.Join(tag.String(), e.Key(), e.Version) + "/"
	if c.prefix != "" {
		p = c.prefix + "/" + p
	}
	return p
}

// Fetch implements store.Fetcher. An entry with no objects is a resolution
// miss; any transport failure is a network error.
func (c *Client) Fetch(ctx context.Context, req store.FetchRequest) error {
	pin := req.Entry.String()
	if err := c.bucket.ensureBucket(ctx); err != nil {
		return failure.Wrap(failure.Network, pin, err, "mirror %s unavailable", c)
	}
	prefix := c.entryPrefix(req.Tag, req.Entry)
	keys, err := c.bucket.list(ctx, prefix)
	if err != nil {
		return failure.Wrap(failure.Network, pin, err, "list mirror %s", c)
	}
	var files []string
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		// The marker is rebuilt locally from the downloaded files.
		if name == "" || strings.Contains(name, "/") || name == "artifact.json" {
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return failure.New(failure.Resolution, pin, "not in mirror %s for %s", c, req.Tag)
	}
	for _, name := range files {
		if err := c.bucket.download(ctx, prefix+name, filepath.Join(req.Dest, name)); err != nil {
			if errors.Is(err, errNoSuchObject) {
				return failure.Wrap(failure.Resolution, pin, err, "mirror object %s vanished", prefix+name)
			}
			return failure.Wrap(failure.Network, pin, err, "download %s", prefix+name)
		}
	}
	c.log.Debug("fetched from mirror", zap.String("entry", pin), zap.Strings("files", files))
	return nil
}

// PushResult reports what Push uploaded.
type PushResult struct {
	Uploaded []manifest.Entry `json:"uploaded" yaml:"uploaded"`
	Skipped  []manifest.Entry `json:"skipped" yaml:"skipped"`
}

// Push uploads every complete store entry not already in the bucket.
func (c *Client) Push(ctx context.Context, s *store.Store) (PushResult, error) {
	var res PushResult
	arts, err := s.Artifacts()
	if err != nil {
		return res, err
	}
	if err := c.bucket.ensureBucket(ctx); err != nil {
		return res, failure.Wrap(failure.Network, "", err, "mirror %s unavailable", c)
	}
	for _, a := range arts {
		prefix := c.entryPrefix(a.Tag, a.Entry)
		existing, err := c.bucket.list(ctx, prefix)
		if err != nil {
			return res, failure.Wrap(failure.Network, a.Entry.String(), err, "list mirror %s", c)
		}
		have := make(map[string]bool, len(existing))
		for _, key := range existing {
			have[key] = true
		}
		uploaded := false
		for _, f := range a.Files {
			key := prefix + f.Name
			if have[key] {
				continue
			}
			if err := c.bucket.upload(ctx, key, filepath.Join(a.Dir, f.Name)); err != nil {
				return res, failure.Wrap(failure.Network, a.Entry.String(), err, "upload %s", key)
			}
			uploaded = true
		}
		if uploaded {
			c.log.Info("pushed artifact", zap.String("entry", a.Entry.String()), zap.String("mirror", c.display))
			res.Uploaded = append(res.Uploaded, a.Entry)
		} else {
			res.Skipped = append(res.Skipped, a.Entry)
		}
	}
	return res, nil
}

type s3Bucket struct {
	client   *minio.Client
	name     string
	region   string
	initOnce sync.Once
	initErr  error
}

func (b *s3Bucket) ensureBucket(ctx context.Context) error {
	b.initOnce.Do(func() {
		exists, err := b.client.BucketExists(ctx, b.name)
		if err != nil {
			b.initErr = err
			return
		}
		if exists {
			return
		}
		b.initErr = b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{Region: b.region})
	})
	return b.initErr
}

func (b *s3Bucket) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range b.client.ListObjects(ctx, b.name, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key != "" {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *s3Bucket) download(ctx context.Context, key, dest string) error {
	err := b.client.FGetObject(ctx, b.name, key, dest, minio.GetObjectOptions{})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "NoSuchKey" || code == "NoSuchBucket" {
			return fmt.Errorf("%s: %w", key, errNoSuchObject)
		}
		return err
	}
	return nil
}

func (b *s3Bucket) upload(ctx context.Context, key, src string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	_, err := b.client.FPutObject(ctx, b.name, key, src, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}
