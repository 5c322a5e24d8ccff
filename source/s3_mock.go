package source

import (
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Client is a mock implementation of S3Client for testing.
type MockS3Client struct {
	// Objects stores mock S3 objects by key
	Objects map[string]*MockS3Object
	// PageSize limits keys per ListObjectsV2 call (0 = all in one page)
	PageSize int
	// Err is returned from every operation when set
	Err error
	// Call counts and the parameters seen most recently
	ListObjectsV2Calls int
	GetObjectCalls     int
	LastBucket         string
	LastObjectKey      string
}

// MockS3Object represents a mock S3 object with content and metadata.
type MockS3Object struct {
	Key          string
	Content      string
	ETag         string
	LastModified time.Time
}

// NewMockS3Client creates a new mock S3 client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{Objects: make(map[string]*MockS3Object)}
}

// ListObjectsV2 mocks listing objects with prefix filtering and pagination.
func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.ListObjectsV2Calls++
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}

	if m.Err != nil {
		return nil, m.Err
	}

	prefix := aws.ToString(params.Prefix)
	keys := make([]string, 0, len(m.Objects))
	for key := range m.Objects {
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		start = sort.SearchStrings(keys, token)
	}
	end := len(keys)
	if m.PageSize > 0 && start+m.PageSize < end {
		end = start + m.PageSize
	}

	var contents []types.Object
	for _, key := range keys[start:end] {
		obj := m.Objects[key]
		contents = append(contents, types.Object{
			Key:          aws.String(obj.Key),
			Size:         aws.Int64(int64(len(obj.Content))),
			ETag:         aws.String(obj.ETag),
			LastModified: aws.Time(obj.LastModified),
		})
	}

	output := &s3.ListObjectsV2Output{
		Contents:    contents,
		IsTruncated: aws.Bool(end < len(keys)),
	}
	if end < len(keys) {
		output.NextContinuationToken = aws.String(keys[end])
	}
	return output, nil
}

// GetObject mocks retrieving an object. The full body is always returned;
// range requests from the download manager are satisfied by reporting the
// complete content length so the first chunk covers the whole object.
func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalls++
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}

	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.GetObjectOutput{
				Body:          io.NopCloser(strings.NewReader(obj.Content)),
				ContentLength: aws.Int64(int64(len(obj.Content))),
				ETag:          aws.String(obj.ETag),
				LastModified:  aws.Time(obj.LastModified),
			}, nil
		}
	}
	return nil, &types.NoSuchKey{}
}
