// Package s3 implements storage.Storage against an S3-compatible
// bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/syncmesh/engine/relpath"
	"github.com/syncmesh/engine/storage"
)

// Config configures the S3-backed storage.
type Config struct {
	BucketName    string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UseAccelerate bool
	Prefix        string // optional key prefix scoping this storage to a subtree
}

// Storage is a storage.Storage backed by an S3 bucket.
type Storage struct {
	client *s3.Client
	cfg    *Config
}

// New builds an S3-backed storage from static credentials.
func New(ctx context.Context, cfg *Config) (*Storage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("s3 storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return &Storage{client: client, cfg: cfg}, nil
}

func (s *Storage) key(path relpath.Path) string {
	if s.cfg.Prefix == "" {
		return string(path)
	}
	return s.cfg.Prefix + "/" + string(path)
}

func (s *Storage) unkey(key string) relpath.Path {
	if s.cfg.Prefix != "" {
		key = strings.TrimPrefix(key, s.cfg.Prefix+"/")
	}
	p, _ := relpath.New(key)
	return p
}

func wrapAWSErr(path relpath.Path, err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NoSuchKey
	kind := storage.KindOther
	if errors.As(err, &nf) {
		kind = storage.KindNotFound
	}
	return &storage.Error{Kind: kind, Path: path, Inner: err}
}

// List returns direct children under path by listing with a
// delimiter, collapsing "directories" from common prefixes.
func (s *Storage) List(ctx context.Context, path relpath.Path) ([]*storage.Item, error) {
	prefix := s.key(path)
	if prefix != "" {
		prefix += "/"
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    &s.cfg.BucketName,
		Prefix:    &prefix,
		Delimiter: aws.String("/"),
	})

	var items []*storage.Item
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapAWSErr(path, err)
		}
		for _, cp := range page.CommonPrefixes {
			p := s.unkey(strings.TrimSuffix(aws.ToString(cp.Prefix), "/"))
			items = append(items, &storage.Item{Path: p, IsDir: true})
		}
		for _, obj := range page.Contents {
			if aws.ToString(obj.Key) == prefix {
				continue
			}
			items = append(items, &storage.Item{
				Path:         s.unkey(aws.ToString(obj.Key)),
				Size:         uint64(aws.ToInt64(obj.Size)),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         []byte(strings.Trim(aws.ToString(obj.ETag), `"`)),
			})
		}
	}
	return items, nil
}

func (s *Storage) Get(ctx context.Context, path relpath.Path) (*storage.Item, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, wrapAWSErr(path, err)
	}
	return &storage.Item{
		Path:         path,
		Size:         uint64(aws.ToInt64(out.ContentLength)),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         []byte(strings.Trim(aws.ToString(out.ETag), `"`)),
	}, nil
}

func (s *Storage) Read(ctx context.Context, path relpath.Path) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		return nil, wrapAWSErr(path, err)
	}
	return out.Body, nil
}

func (s *Storage) Write(ctx context.Context, path relpath.Path, content io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.cfg.BucketName,
		Key:           aws.String(s.key(path)),
		Body:          content,
		ContentLength: aws.Int64(size),
	})
	return wrapAWSErr(path, err)
}

// CreateDirectory writes an empty marker object; S3 has no real
// directories, objects with a trailing-slash key are conventionally
// used as folder placeholders.
func (s *Storage) CreateDirectory(ctx context.Context, path relpath.Path) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    aws.String(s.key(path) + "/"),
	})
	return wrapAWSErr(path, err)
}

func (s *Storage) Delete(ctx context.Context, path relpath.Path) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.cfg.BucketName,
		Key:    aws.String(s.key(path)),
	})
	return wrapAWSErr(path, err)
}

func (s *Storage) Exists(ctx context.Context, path relpath.Path) (bool, error) {
	item, err := s.Get(ctx, path)
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// ComputeHash returns the object's ETag; S3 offers no separate
// content hash the engine can rely on uniformly (multipart uploads'
// ETags are not plain MD5s), so the etag stands in.
func (s *Storage) ComputeHash(ctx context.Context, path relpath.Path) ([]byte, error) {
	item, err := s.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, &storage.Error{Kind: storage.KindNotFound, Path: path, Inner: fmt.Errorf("not found")}
	}
	return item.ETag, nil
}

func (s *Storage) TestConnection(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.cfg.BucketName})
	return wrapAWSErr("", err)
}

// Move performs a server-side copy followed by a delete, satisfying
// storage.Mover without round-tripping bytes through the client.
func (s *Storage) Move(ctx context.Context, src, dst relpath.Path) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.cfg.BucketName,
		CopySource: aws.String(s.cfg.BucketName + "/" + s.key(src)),
		Key:        aws.String(s.key(dst)),
	})
	if err != nil {
		return wrapAWSErr(src, err)
	}
	return s.Delete(ctx, src)
}

var _ storage.Storage = (*Storage)(nil)
var _ storage.Mover = (*Storage)(nil)
