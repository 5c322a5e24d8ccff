package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Client defines the interface for the S3 operations the source needs.
// This interface abstracts the AWS S3 SDK client to enable dependency
// injection and testing with mock implementations.
type S3Client interface {
	// ListObjectsV2 lists objects in a bucket
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)

	// GetObject retrieves an object from S3
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source ingests every object under a bucket prefix. Document IDs are the
// full object keys. Works against AWS as well as S3-compatible stores
// (MinIO, Hetzner, lakeFS) via the "url" parameter.
type S3Source struct {
	name       string
	client     S3Client
	downloader *manager.Downloader
	bucket     string
	prefix     string
}

// NewS3Source builds an S3 source from its parameters:
//
//	bucket      bucket name (required)
//	prefix      key prefix to restrict enumeration (optional)
//	region      signing region (default us-east-1)
//	url         custom endpoint for S3-compatible stores (optional)
//	access_key  static credentials (optional, default credential chain otherwise)
//	secret_key
func NewS3Source(name string, params map[string]string) (*S3Source, error) {
	bucket := params["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 source %q: parameter %q is required", name, "bucket")
	}
	client, err := newS3Client(params)
	if err != nil {
		return nil, err
	}
	return NewS3SourceWithClient(name, bucket, params["prefix"], client), nil
}

// NewS3SourceWithClient builds an S3 source around an existing client.
// Used by tests to inject a mock.
func NewS3SourceWithClient(name, bucket, prefix string, client S3Client) *S3Source {
	return &S3Source{
		name:       name,
		client:     client,
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     prefix,
	}
}

func newS3Client(params map[string]string) (*s3.Client, error) {
	region := params["region"]
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if params["access_key"] != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params["access_key"], params["secret_key"], "")))
	}
	endpoint := params["url"]
	if endpoint != "" {
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               endpoint,
					SigningRegion:     region,
					HostnameImmutable: true, // important for MinIO
				}, nil
			})))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 configuration: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true // required for MinIO
		}
		o.HTTPClient = &http.Client{}
	}), nil
}

func (s *S3Source) Name() string { return s.name }

func (s *S3Source) Type() string { return "s3" }

// Enumerate pages through the bucket listing and reports every object under
// the prefix. Directory placeholder keys (trailing slash, zero size) are
// skipped. The object ETag rides along as metadata.
func (s *S3Source) Enumerate(ctx context.Context, fn func(Document) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix)
	}

	for {
		output, err := s.client.ListObjectsV2(ctx, input)
		if err != nil {
			return s.classify("enumerate", "", err)
		}
		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			size := aws.ToInt64(obj.Size)
			if strings.HasSuffix(key, "/") && size == 0 {
				continue
			}
			doc := Document{ID: key, Size: size}
			if obj.LastModified != nil {
				mtime := obj.LastModified.UTC()
				doc.LastModified = &mtime
			}
			if etag := aws.ToString(obj.ETag); etag != "" {
				doc.Metadata = map[string]string{"etag": strings.Trim(etag, `"`)}
			}
			if err := fn(doc); err != nil {
				return err
			}
		}
		if !aws.ToBool(output.IsTruncated) {
			return nil
		}
		input.ContinuationToken = output.NextContinuationToken
	}
}

// Fetch downloads one object into memory.
func (s *S3Source) Fetch(ctx context.Context, docID string) (*FetchResult, error) {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(docID),
	})
	if err != nil {
		return nil, s.classify("fetch", docID, err)
	}
	data := buf.Bytes()
	return &FetchResult{
		Data:        data,
		ContentHash: HashBytes(data),
		Size:        int64(len(data)),
	}, nil
}

// classify sorts S3 failures into permanent and retryable ones. Missing
// keys and rejected credentials cannot be repaired by retrying; everything
// else (throttling, network, 5xx) can.
func (s *S3Source) classify(op, docID string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return &PermanentError{Op: op, DocID: docID, Err: err}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return &PermanentError{Op: op, DocID: docID, Err: err}
		}
	}
	if docID != "" {
		return fmt.Errorf("failed to get object %s from bucket %s: %w", docID, s.bucket, err)
	}
	return fmt.Errorf("failed to list objects in bucket %s: %w", s.bucket, err)
}
