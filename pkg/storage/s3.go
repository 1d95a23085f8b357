package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsV2Config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyendpoints "github.com/aws/smithy-go/endpoints"
	awsV2Logging "github.com/aws/smithy-go/logging"
	awsV2http "github.com/aws/smithy-go/transport/http"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yandex/ch-backup/pkg/config"
)

const deleteBatchSize = 1000

// S3LogToZeroLogAdapter - adapt aws sdk logging to zerolog
type S3LogToZeroLogAdapter struct {
	logger zerolog.Logger
}

func newS3Logger(logger zerolog.Logger) S3LogToZeroLogAdapter {
	return S3LogToZeroLogAdapter{logger: logger}
}

func (adapter S3LogToZeroLogAdapter) Logf(severity awsV2Logging.Classification, msg string, args ...interface{}) {
	msg = fmt.Sprintf("[s3:%s] %s", severity, msg)
	if len(args) > 0 {
		adapter.logger.Info().Msgf(msg, args...)
	} else {
		adapter.logger.Info().Msg(msg)
	}
}

// S3 - presents methods for manipulate data on s3
type S3 struct {
	client *s3.Client
	Config *config.S3Config
	Path   string
}

func (s *S3) Kind() string {
	return "S3"
}

func (s *S3) ResolveEndpoint(ctx context.Context, params s3.EndpointParameters) (smithyendpoints.Endpoint, error) {
	baseResolver := s3.NewDefaultEndpointResolverV2()
	if s.Config.Endpoint != "" {
		params.Endpoint = &s.Config.Endpoint
	}
	params.ForcePathStyle = &s.Config.ForcePathStyle
	return baseResolver.ResolveEndpoint(ctx, params)
}

// Connect - connect to s3
func (s *S3) Connect(ctx context.Context) error {
	awsConfig, err := awsV2Config.LoadDefaultConfig(
		ctx,
		awsV2Config.WithRetryMode(aws.RetryModeStandard),
	)
	if err != nil {
		return err
	}
	if s.Config.Region != "" {
		awsConfig.Region = s.Config.Region
	}
	if s.Config.AccessKey != "" && s.Config.SecretKey != "" {
		awsConfig.Credentials = credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     s.Config.AccessKey,
				SecretAccessKey: s.Config.SecretKey,
			},
		}
	}
	if s.Config.Debug {
		awsConfig.Logger = newS3Logger(log.Logger)
		awsConfig.ClientLogMode = aws.LogRetries | aws.LogRequest | aws.LogResponse
	}
	if s.Config.DisableCertVerification {
		awsConfig.HTTPClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	s.client = s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		o.UsePathStyle = s.Config.ForcePathStyle
		o.EndpointOptions.DisableHTTPS = s.Config.DisableSSL
		o.EndpointResolverV2 = s
	})
	return nil
}

func (s *S3) Close(ctx context.Context) error {
	return nil
}

func (s *S3) GetFileReader(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(path.Join(s.Path, key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return resp.Body, nil
}

func (s *S3) PutFile(ctx context.Context, key string, r io.Reader, sizeHint int64) error {
	params := &s3.PutObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(path.Join(s.Path, key)),
		Body:   r,
	}
	if s.Config.StorageClass != "" {
		params.StorageClass = s3types.StorageClass(strings.ToUpper(s.Config.StorageClass))
	}
	uploader := s3manager.NewUploader(s.client)
	uploader.Concurrency = s.Config.Concurrency
	uploader.PartSize = s.partSize(sizeHint)
	_, err := uploader.Upload(ctx, params)
	return err
}

func (s *S3) partSize(sizeHint int64) int64 {
	if sizeHint <= 0 {
		return 5 * 1024 * 1024
	}
	partSize := sizeHint / s.Config.MaxPartsCount
	if sizeHint%s.Config.MaxPartsCount > 0 {
		partSize++
	}
	return AdjustValueByRange(partSize, 5*1024*1024, 5*1024*1024*1024)
}

func (s *S3) StatFile(ctx context.Context, key string) (RemoteFile, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(path.Join(s.Path, key)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s3File{*head.ContentLength, *head.LastModified, key}, nil
}

func (s *S3) DeleteFile(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Config.Bucket),
		Key:    aws.String(path.Join(s.Path, key)),
	}); err != nil {
		return errors.Wrapf(err, "deleteKey, deleting object bucket: %s key: %s", s.Config.Bucket, key)
	}
	return nil
}

// DeleteFiles - batch delete; the first per-key failure of a batch is
// returned as the error
func (s *S3) DeleteFiles(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		batchLen := deleteBatchSize
		if len(keys) < batchLen {
			batchLen = len(keys)
		}
		batch, rest := keys[:batchLen], keys[batchLen:]
		objects := make([]s3types.ObjectIdentifier, len(batch))
		for i, key := range batch {
			objects[i] = s3types.ObjectIdentifier{Key: aws.String(path.Join(s.Path, key))}
		}
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Config.Bucket),
			Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return errors.Wrapf(err, "batch delete of %d keys from bucket: %s", len(batch), s.Config.Bucket)
		}
		for _, deleteErr := range resp.Errors {
			return errors.Errorf("batch delete bucket: %s key: %s code: %s message: %s",
				s.Config.Bucket, aws.ToString(deleteErr.Key), aws.ToString(deleteErr.Code), aws.ToString(deleteErr.Message))
		}
		keys = rest
	}
	return nil
}

func (s *S3) Walk(ctx context.Context, s3Path string, recursive bool, process func(ctx context.Context, r RemoteFile) error) error {
	prefix := path.Join(s.Path, s3Path)
	g, ctx := errgroup.WithContext(ctx)
	s3Files := make(chan *s3File)
	g.Go(func() error {
		defer close(s3Files)
		return s.remotePager(ctx, prefix, recursive, func(page *s3.ListObjectsV2Output) error {
			for _, cp := range page.CommonPrefixes {
				select {
				case s3Files <- &s3File{name: strings.TrimPrefix(*cp.Prefix, addTrailingSlash(prefix))}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			for _, c := range page.Contents {
				select {
				case s3Files <- &s3File{*c.Size, *c.LastModified, strings.TrimPrefix(*c.Key, addTrailingSlash(prefix))}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	})
	g.Go(func() error {
		var err error
		for s3FileItem := range s3Files {
			if err == nil {
				err = process(ctx, s3FileItem)
			}
		}
		return err
	})
	return g.Wait()
}

func (s *S3) remotePager(ctx context.Context, s3Path string, recursive bool, process func(page *s3.ListObjectsV2Output) error) error {
	prefix := addTrailingSlash(s3Path)
	if s3Path == "" || s3Path == "/" {
		prefix = ""
	}
	params := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.Config.Bucket),
		MaxKeys: aws.Int32(1000),
		Prefix:  aws.String(prefix),
	}
	if !recursive {
		params.Delimiter = aws.String("/")
	}
	pager := s3.NewListObjectsV2Paginator(s.client, params)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		if err := process(page); err != nil {
			return err
		}
	}
	return nil
}

// CopyObject - server-side copy between buckets, used by cloud storage restore
func (s *S3) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	params := &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(path.Join(srcBucket, srcKey)),
	}
	if s.Config.StorageClass != "" {
		params.StorageClass = s3types.StorageClass(strings.ToUpper(s.Config.StorageClass))
	}
	if _, err := s.client.CopyObject(ctx, params); err != nil {
		return fmt.Errorf("S3->CopyObject %s/%s -> %s/%s return error: %v", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

func isNotFoundError(err error) bool {
	var opError *smithy.OperationError
	if errors.As(err, &opError) {
		var httpErr *awsV2http.ResponseError
		if errors.As(opError.Err, &httpErr) {
			if httpErr.Response.StatusCode == http.StatusNotFound {
				return true
			}
		}
	}
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

func addTrailingSlash(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// AdjustValueByRange - clamp value to [minValue, maxValue]
func AdjustValueByRange(value, minValue, maxValue int64) int64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}
	return value
}

type s3File struct {
	size         int64
	lastModified time.Time
	name         string
}

func (f *s3File) Size() int64 {
	return f.size
}

func (f *s3File) Name() string {
	return f.name
}

func (f *s3File) LastModified() time.Time {
	return f.lastModified
}
