package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"filevault/internal/apperr"
	"filevault/internal/models"
)

// S3 implements Provider for AWS S3 and S3-compatible endpoints.
type S3 struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

func NewS3(ctx context.Context, cfg models.S3Config) (*S3, error) {
	const op = "provider.NewS3"

	opts := []func(*awscfg.LoadOptions) error{awscfg.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to load AWS config: %w", op, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3{client: client, presign: s3.NewPresignClient(client), bucket: cfg.Bucket}, nil
}

// s3Err maps SDK errors onto the provider contract.
func s3Err(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchVersion":
			return apperr.Wrap(apperr.KindNotFound, op, err)
		}
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return apperr.Wrap(apperr.KindNotFound, op, err)
	}
	return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
}

func storageClassOf(tier models.StorageTier) types.StorageClass {
	switch tier {
	case models.TierInfrequentAccess:
		return types.StorageClassStandardIa
	case models.TierArchive:
		return types.StorageClassGlacier
	default:
		return types.StorageClassStandard
	}
}

func tierOf(class string) models.StorageTier {
	switch class {
	case string(types.StorageClassStandardIa), string(types.StorageClassOnezoneIa):
		return models.TierInfrequentAccess
	case string(types.StorageClassGlacier), string(types.StorageClassGlacierIr), string(types.StorageClassDeepArchive):
		return models.TierArchive
	default:
		return models.TierStandard
	}
}

func versionID(ref string) *string {
	if ref == "" {
		return nil
	}
	return aws.String(ref)
}

func (s *S3) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (*UploadResult, error) {
	const op = "provider.S3.Upload"
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      metadata,
	})
	if err != nil {
		return nil, s3Err(op, err)
	}
	return &UploadResult{Key: key, ETag: strings.Trim(aws.ToString(out.ETag), `"`), Size: int64(len(data))}, nil
}

func (s *S3) Download(ctx context.Context, key, versionRef string) (*DownloadResult, error) {
	const op = "provider.S3.Download"
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: versionID(versionRef),
	})
	if err != nil {
		return nil, s3Err(op, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}
	return &DownloadResult{
		Data:        data,
		ContentType: aws.ToString(out.ContentType),
		Size:        int64(len(data)),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (s *S3) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	const op = "provider.S3.SignedURL"
	if opts.TTL <= 0 {
		return "", apperr.Newf(apperr.KindValidationFailed, op, "signed url ttl must be positive")
	}
	expires := s3.WithPresignExpires(opts.TTL)

	switch opts.Operation {
	case OpPut:
		in := &s3.PutObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
		if opts.ContentType != "" {
			in.ContentType = aws.String(opts.ContentType)
		}
		req, err := s.presign.PresignPutObject(ctx, in, expires)
		if err != nil {
			return "", s3Err(op, err)
		}
		return req.URL, nil
	default:
		in := &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}
		if opts.ContentType != "" {
			in.ResponseContentType = aws.String(opts.ContentType)
		}
		if disp := contentDisposition(opts); disp != "" {
			in.ResponseContentDisposition = aws.String(disp)
		}
		req, err := s.presign.PresignGetObject(ctx, in, expires)
		if err != nil {
			return "", s3Err(op, err)
		}
		return req.URL, nil
	}
}

// contentDisposition renders the response header a signed GET asks for.
func contentDisposition(opts SignOptions) string {
	disp := opts.Disposition
	if disp == "" {
		disp = DispositionInline
	}
	if opts.Filename == "" {
		return string(disp)
	}
	return mime.FormatMediaType(string(disp), map[string]string{"filename": opts.Filename})
}

func (s *S3) Delete(ctx context.Context, key, versionRef string) error {
	const op = "provider.S3.Delete"
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: versionID(versionRef),
	})
	if err != nil {
		mapped := s3Err(op, err)
		if apperr.KindOf(mapped) == apperr.KindNotFound {
			return nil
		}
		return mapped
	}
	return nil
}

func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	const op = "provider.S3.Exists"
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	mapped := s3Err(op, err)
	if apperr.KindOf(mapped) == apperr.KindNotFound {
		return false, nil
	}
	return false, mapped
}

func (s *S3) head(ctx context.Context, key string) (*Object, error) {
	const op = "provider.S3.head"
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s3Err(op, err)
	}
	return &Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType:  aws.ToString(out.ContentType),
		Metadata:     out.Metadata,
		Tier:         tierOf(string(out.StorageClass)),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func copySource(bucket, key string) string {
	return url.PathEscape(bucket) + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (s *S3) Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) (*Object, error) {
	const op = "provider.S3.Copy"
	in := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(s.bucket, srcKey)),
	}
	if metadata != nil {
		src, err := s.head(ctx, srcKey)
		if err != nil {
			return nil, err
		}
		in.Metadata = metadata
		in.MetadataDirective = types.MetadataDirectiveReplace
		in.ContentType = aws.String(src.ContentType)
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return nil, s3Err(op, err)
	}
	return s.head(ctx, dstKey)
}

func (s *S3) List(ctx context.Context, prefix string, pageSize int, pageToken string) (*ListResult, error) {
	const op = "provider.S3.List"
	if pageSize <= 0 {
		pageSize = 1000
	}
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(pageSize)),
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}
	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, s3Err(op, err)
	}

	res := &ListResult{}
	for _, o := range out.Contents {
		res.Items = append(res.Items, Object{
			Key:          aws.ToString(o.Key),
			Size:         aws.ToInt64(o.Size),
			ETag:         strings.Trim(aws.ToString(o.ETag), `"`),
			Tier:         tierOf(string(o.StorageClass)),
			LastModified: aws.ToTime(o.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		res.NextPageToken = aws.ToString(out.NextContinuationToken)
	}
	return res, nil
}

// SetTier rewrites the object onto itself with a new storage class.
func (s *S3) SetTier(ctx context.Context, key string, tier models.StorageTier) error {
	const op = "provider.S3.SetTier"
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(key),
		CopySource:        aws.String(copySource(s.bucket, key)),
		StorageClass:      storageClassOf(tier),
		MetadataDirective: types.MetadataDirectiveCopy,
	})
	if err != nil {
		return s3Err(op, err)
	}
	return nil
}

func (s *S3) HealthCheck(ctx context.Context) bool {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err == nil
}
