// Package s3 implements workspace.Backend over an S3-compatible object
// store, for deployments where the workspace must outlive a single runner
// process or host.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/loopkit/agentrt/workspace"
)

// Client is the subset of the AWS SDK S3 client this backend depends on,
// narrowed for testability.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Backend is a workspace.Backend rooted at a bucket/prefix pair.
type Backend struct {
	Client Client
	Bucket string
	Prefix string
}

// New returns an S3-backed workspace.Backend.
func New(client Client, bucket, prefix string) *Backend {
	return &Backend{Client: client, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
}

func (b *Backend) key(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if b.Prefix == "" {
		return clean
	}
	return b.Prefix + "/" + clean
}

func (b *Backend) ListFiles(ctx context.Context, base, glob string) ([]string, error) {
	prefix := b.key(base)
	var out []string
	var token *string
	for {
		resp, err := b.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range resp.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			rel = strings.TrimPrefix(rel, "/")
			if glob == "" || glob == "*" || glob == "**" {
				out = append(out, rel)
				continue
			}
			pattern := strings.ReplaceAll(glob, "**", "*")
			if ok, _ := path.Match(pattern, rel); ok {
				out = append(out, rel)
			}
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func (b *Backend) ReadText(ctx context.Context, p string) (string, error) {
	data, err := b.ReadBytes(ctx, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *Backend) ReadBytes(ctx context.Context, p string) ([]byte, error) {
	out, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (b *Backend) WriteText(ctx context.Context, p, content string, appendMode bool) error {
	if appendMode {
		existing, err := b.ReadText(ctx, p)
		if err != nil && !isNotFound(err) {
			return err
		}
		content = existing + content
	}
	_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(p)),
		Body:   bytes.NewReader([]byte(content)),
	})
	return err
}

func (b *Backend) FileInfo(ctx context.Context, p string) (*workspace.FileInfo, error) {
	out, err := b.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var modified time.Time
	if out.LastModified != nil {
		modified = *out.LastModified
	}
	return &workspace.FileInfo{
		Path:       p,
		IsFile:     true,
		Size:       aws.ToInt64(out.ContentLength),
		ModifiedAt: modified,
		Suffix:     strings.TrimPrefix(path.Ext(p), "."),
	}, nil
}

func (b *Backend) Exists(ctx context.Context, p string) (bool, error) {
	info, err := b.FileInfo(ctx, p)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}

func (b *Backend) IsFile(ctx context.Context, p string) (bool, error) {
	return b.Exists(ctx, p)
}

// Mkdir is a no-op: S3 has no real directories, only key prefixes.
func (b *Backend) Mkdir(context.Context, string) error { return nil }

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
