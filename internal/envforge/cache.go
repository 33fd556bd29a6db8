package envforge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// CacheClient wraps an S3-compatible bucket used as a shared layer cache.
type CacheClient struct {
	Client     *s3.Client
	BucketName string
}

// NewCacheClient initializes the remote cache client from configuration
// values. Any S3-compatible endpoint works (R2, MinIO, AWS).
func NewCacheClient(cfg *Config) (*CacheClient, error) {
	endpoint := cfg.Values["ENVFORGE_CACHE_ENDPOINT"]
	accessKey := cfg.Values["ENVFORGE_CACHE_ACCESS_KEY"]
	secretKey := cfg.Values["ENVFORGE_CACHE_SECRET_KEY"]
	bucketName := cfg.Values["ENVFORGE_CACHE_BUCKET"]
	region := cfg.Values["ENVFORGE_CACHE_REGION"]
	if region == "" {
		region = "auto"
	}

	if endpoint == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("remote cache credentials missing in configuration (ENVFORGE_CACHE_ENDPOINT, ENVFORGE_CACHE_ACCESS_KEY, ENVFORGE_CACHE_SECRET_KEY, ENVFORGE_CACHE_BUCKET)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: endpoint}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion(region),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse|aws.LogRequestWithBody|aws.LogResponseWithBody))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote cache config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &CacheClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

func cacheContentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".zst"):
		return "application/zstd"
	default:
		return "application/octet-stream"
	}
}

// DownloadFile fetches an object from the remote cache.
func (c *CacheClient) DownloadFile(ctx context.Context, key string) ([]byte, error) {
	output, err := c.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

// UploadFile uploads a byte blob to the remote cache.
func (c *CacheClient) UploadFile(ctx context.Context, key string, body []byte) error {
	_, err := c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(cacheContentType(key)),
	})
	return err
}

// UploadLocalFile streams a file from disk to the remote cache.
func (c *CacheClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	_, err = c.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(cacheContentType(key)),
	})
	return err
}

// DeleteFile removes an object from the remote cache.
func (c *CacheClient) DeleteFile(ctx context.Context, key string) error {
	_, err := c.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.BucketName),
		Key:    aws.String(key),
	})
	return err
}

// CacheObject represents metadata for an object in the remote cache.
type CacheObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket with the given prefix.
func (c *CacheClient) ListObjects(ctx context.Context, prefix string) ([]CacheObject, error) {
	var objects []CacheObject
	paginator := s3.NewListObjectsV2Paginator(c.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, CacheObject{
				Key:  *obj.Key,
				Size: *obj.Size,
			})
		}
	}
	return objects, nil
}

func layerCacheKey(l Layer) string {
	return "layers/" + l.Key + ".tar.zst"
}

func layerRecordKey(l Layer) string {
	return "layers/" + l.Key + ".json"
}

// PushLayer uploads a built layer and its record to the remote cache.
func (c *CacheClient) PushLayer(ctx context.Context, l Layer) error {
	colArrow.Print("-> ")
	colSuccess.Printf("Pushing layer %s (%s)\n", l.Name, shortDigest(l.Digest))

	if err := c.UploadLocalFile(ctx, layerCacheKey(l), l.TarballPath()); err != nil {
		return fmt.Errorf("failed to push layer %s: %w", l.Name, err)
	}
	record, err := os.ReadFile(l.recordPath())
	if err != nil {
		return fmt.Errorf("failed to read layer record for %s: %w", l.Name, err)
	}
	if err := c.UploadFile(ctx, layerRecordKey(l), record); err != nil {
		return fmt.Errorf("failed to push layer record for %s: %w", l.Name, err)
	}
	return nil
}

// PushIndex uploads a channel index so other builders can resolve against
// the shared bucket.
func (c *CacheClient) PushIndex(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := ParseIndex(data); err != nil {
		return fmt.Errorf("%s is not a channel index: %w", path, err)
	}
	return c.UploadFile(ctx, "index.json", data)
}

// PullLayer downloads a cached layer by key into the local layer store and
// verifies its digest against the record.
func (c *CacheClient) PullLayer(ctx context.Context, key string) (Layer, error) {
	record, err := c.DownloadFile(ctx, "layers/"+key+".json")
	if err != nil {
		return Layer{}, fmt.Errorf("layer %s not in remote cache: %w", key, err)
	}
	var l Layer
	if err := json.Unmarshal(record, &l); err != nil {
		return Layer{}, fmt.Errorf("corrupt remote record for layer %s: %w", key, err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Pulling layer %s (%s)\n", l.Name, shortDigest(l.Digest))

	data, err := c.DownloadFile(ctx, "layers/"+key+".tar.zst")
	if err != nil {
		return Layer{}, fmt.Errorf("failed to pull layer %s: %w", key, err)
	}

	tmp := l.TarballPath() + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Layer{}, err
	}
	if err := verifyChecksum(tmp, l.Digest); err != nil {
		os.Remove(tmp)
		return Layer{}, fmt.Errorf("pulled layer %s failed verification: %w", key, err)
	}
	if err := os.Rename(tmp, l.TarballPath()); err != nil {
		return Layer{}, err
	}
	if err := os.WriteFile(filepath.Join(LayersDir, key+".json"), record, 0o644); err != nil {
		return Layer{}, err
	}
	return l, nil
}
