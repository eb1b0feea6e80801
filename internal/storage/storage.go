// Package storage is the object-store facade for the ingestion pipeline.
// It wraps an S3-compatible backend (AWS S3 or MinIO) and owns the
// tenant-scoped key layout:
//
//	{tenant}/landing/{ingest_id}/raw/{original filename}
//	{tenant}/landing/{ingest_id}/redacted/{basename}.txt
//	{tenant}/landing/{ingest_id}/metadata/manifest.json
//
// Objects are referenced elsewhere by URIs of the form
// object-store://{bucket}/{key} (the s3:// scheme is accepted on read).
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/corvuslabs/conduit-go/internal/config"
)

// ErrForbiddenKey is returned when a presign request targets a key outside
// the tenant's landing prefix.
var ErrForbiddenKey = errors.New("storage: key outside tenant landing prefix")

// Scheme prefixes object URIs produced by this package.
const Scheme = "object-store://"

// Client is the S3 facade. Safe for concurrent use.
type Client struct {
	api     s3API
	presign presignAPI
	bucket  string
}

// s3API is the subset of the S3 client used here; narrowed for test fakes.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the fields of the SDK's signed request that the
// facade exposes.
type v4PresignedRequest struct {
	URL string
}

// presignAdapter adapts *s3.PresignClient to presignAPI.
type presignAdapter struct {
	pc *s3.PresignClient
}

func (a *presignAdapter) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := a.pc.PresignGetObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// New constructs a Client from storage settings. Static credentials and a
// custom endpoint (path-style addressing) are used when configured, which
// covers MinIO; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg config.StorageSettings) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Client{
		api:     api,
		presign: &presignAdapter{pc: s3.NewPresignClient(api)},
		bucket:  cfg.Bucket,
	}, nil
}

// Bucket returns the configured landing bucket name.
func (c *Client) Bucket() string { return c.bucket }

// RawKey returns the landing key for the raw upload. The filename is
// normalized to its basename; empty or pathological names become upload.bin.
func RawKey(tenantID, ingestID, filename string) string {
	return landingPrefix(tenantID, ingestID) + "raw/" + safeBasename(filename)
}

// RedactedKey returns the landing key for the redacted text variant.
func RedactedKey(tenantID, ingestID, basename string) string {
	name := strings.TrimSuffix(safeBasename(basename), path.Ext(basename))
	if name == "" {
		name = "upload"
	}
	return landingPrefix(tenantID, ingestID) + "redacted/" + name + ".txt"
}

// ManifestKey returns the landing key for the manifest document.
func ManifestKey(tenantID, ingestID string) string {
	return landingPrefix(tenantID, ingestID) + "metadata/manifest.json"
}

func landingPrefix(tenantID, ingestID string) string {
	return tenantID + "/landing/" + ingestID + "/"
}

// safeBasename strips any directory components and falls back to upload.bin.
func safeBasename(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == "/" {
		return "upload.bin"
	}
	return base
}

// URI builds the object-store URI for a key in the landing bucket.
func (c *Client) URI(key string) string {
	return Scheme + c.bucket + "/" + key
}

// ParseURI splits an object URI into bucket and key. Both the
// object-store:// and s3:// schemes are accepted.
func ParseURI(uri string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(uri, Scheme)
	if trimmed == uri {
		trimmed = strings.TrimPrefix(uri, "s3://")
		if trimmed == uri {
			return "", "", fmt.Errorf("storage: unsupported uri scheme: %s", uri)
		}
	}
	bucket, key, ok := strings.Cut(trimmed, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("storage: malformed uri: %s", uri)
	}
	return bucket, key, nil
}

// EnsureBucket creates the landing bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err == nil {
		return nil
	}
	if _, err := c.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("storage: create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Ping verifies the bucket is reachable. Implements the server's Pinger.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// PutRaw writes the raw upload bytes and returns (key, uri).
func (c *Client) PutRaw(ctx context.Context, tenantID, ingestID, filename string, data []byte, contentType string) (string, string, error) {
	key := RawKey(tenantID, ingestID, filename)
	if err := c.put(ctx, key, data, contentType); err != nil {
		return "", "", err
	}
	return key, c.URI(key), nil
}

// PutRedactedText writes the redacted text variant and returns (key, uri).
func (c *Client) PutRedactedText(ctx context.Context, tenantID, ingestID, basename, text string) (string, string, error) {
	key := RedactedKey(tenantID, ingestID, basename)
	if err := c.put(ctx, key, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return "", "", err
	}
	return key, c.URI(key), nil
}

// PutManifest writes the manifest JSON document and returns (key, uri).
func (c *Client) PutManifest(ctx context.Context, tenantID, ingestID string, manifest any) (string, string, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return "", "", fmt.Errorf("storage: marshal manifest: %w", err)
	}
	key := ManifestKey(tenantID, ingestID)
	if err := c.put(ctx, key, data, "application/json"); err != nil {
		return "", "", err
	}
	return key, c.URI(key), nil
}

func (c *Client) put(ctx context.Context, key string, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := c.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("storage: put %s: %w", key, err)
	}
	return nil
}

// Get fetches the object identified by an object-store:// or s3:// URI.
func (c *Client) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", uri, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", uri, err)
	}
	return data, nil
}

// DeleteIngest removes every object under the ingest's landing prefix,
// continuing across truncated listings.
func (c *Client) DeleteIngest(ctx context.Context, tenantID, ingestID string) error {
	prefix := landingPrefix(tenantID, ingestID)
	var continuation *string
	for {
		out, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		if len(out.Contents) > 0 {
			ids := make([]types.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
			}
			if _, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(c.bucket),
				Delete: &types.Delete{Objects: ids},
			}); err != nil {
				return fmt.Errorf("storage: delete %s: %w", prefix, err)
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		continuation = out.NextContinuationToken
	}
}

// PresignDownload returns a presigned GET URL for key, valid for ttl.
// Keys outside {tenant}/landing/ are refused.
func (c *Client) PresignDownload(ctx context.Context, tenantID, key string, ttl time.Duration) (string, error) {
	if !strings.HasPrefix(key, tenantID+"/landing/") {
		return "", ErrForbiddenKey
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return req.URL, nil
}
