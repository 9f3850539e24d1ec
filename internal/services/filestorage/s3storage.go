package filestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"

	"github.com/cozy-creator/classifier-server/internal/config"
	"github.com/cozy-creator/classifier-server/pkg/logger"
)

type S3FileStorage struct {
	client *s3.Client
	cfg    *config.S3Config
}

func NewS3FileStorage(ctx context.Context, cfg *config.Config) (*S3FileStorage, error) {
	if cfg.S3 == nil {
		return nil, fmt.Errorf("s3 config is not set")
	}

	region := cfg.S3.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(region)}
	if cfg.S3.AccessKey != "" {
		credentialsProvider := credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, "")
		opts = append(opts, awsConfig.WithCredentialsProvider(credentialsProvider))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.EndpointUrl != "" {
			o.BaseEndpoint = aws.String(cfg.S3.EndpointUrl)
		}
	})

	return &S3FileStorage{
		client: s3Client,
		cfg:    cfg.S3,
	}, nil
}

func (u *S3FileStorage) objectKey(key string) string {
	folder := strings.Trim(u.cfg.Folder, "/")
	if folder == "" {
		return key
	}
	return path.Join(folder, key)
}

func (u *S3FileStorage) Upload(ctx context.Context, file FileInfo) (string, error) {
	key, err := cleanKey(file.Key())
	if err != nil {
		return "", err
	}
	key = u.objectKey(key)

	// Uploads are publicly readable so the stored URL can be served directly.
	input := s3.PutObjectInput{
		Key:         aws.String(key),
		ContentType: aws.String(mimetype.Detect(file.Content).String()),
		Bucket:      aws.String(u.cfg.Bucket),
		Body:        bytes.NewReader(file.Content),
		ACL:         types.ObjectCannedACLPublicRead,
	}
	if _, err := u.client.PutObject(ctx, &input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	return u.publicURL(key), nil
}

func (u *S3FileStorage) publicURL(key string) string {
	if u.cfg.VanityUrl != "" {
		vanityUrl := strings.TrimSuffix(u.cfg.VanityUrl, "/")
		return fmt.Sprintf("%s/%s", vanityUrl, key)
	}

	switch {
	case strings.Contains(u.cfg.EndpointUrl, "digitaloceanspaces.com"):
		return fmt.Sprintf("https://%s.%s.cdn.digitaloceanspaces.com/%s", u.cfg.Bucket, u.cfg.Region, key)

	case strings.Contains(u.cfg.EndpointUrl, "amazonaws.com"):
		endpoint := strings.TrimPrefix(u.cfg.EndpointUrl, "https://")
		endpoint = strings.TrimSuffix(endpoint, "/")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, endpoint, key)

	case u.cfg.EndpointUrl == "":
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)

	default:
		// Other S3-compatible providers (R2, MinIO) need s3.vanity_url.
		logger.GetLogger().Warn("s3.vanity_url is not set, returning bucket relative key")
		return fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key)
	}
}

func (u *S3FileStorage) GetFile(ctx context.Context, filename string) (*FileInfo, error) {
	key, err := cleanKey(filename)
	if err != nil {
		return nil, err
	}

	object, err := u.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(u.objectKey(key)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
		}
		return nil, err
	}
	defer object.Body.Close()

	content, err := io.ReadAll(object.Body)
	if err != nil {
		return nil, err
	}

	ext := path.Ext(key)
	return &FileInfo{
		Name:      strings.TrimSuffix(path.Base(key), ext),
		Extension: ext,
		Subfolder: subfolderOf(key),
		Content:   content,
	}, nil
}

// ResolveFile returns the object key; S3 objects have no local path.
func (u *S3FileStorage) ResolveFile(filename string, subfolder string) (string, error) {
	key, err := cleanKey(path.Join(subfolder, filename))
	if err != nil {
		return "", err
	}
	return u.objectKey(key), nil
}
