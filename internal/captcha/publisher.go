// Package captcha publishes captured challenge images so operators can
// fetch them without touching the automation core.
package captcha

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"portal-runner/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher normalizes a raw challenge screenshot (grayscale, fixed width)
// and uploads it to S3 or a local directory fallback. The returned key is
// recorded on the operation row for the dashboard to resolve.
type Publisher struct {
	cfg   config.Config
	local uploader
	s3    uploader
}

// NewPublisher constructs the publisher and chooses an uploader.
func NewPublisher(ctx context.Context, cfg config.Config) (*Publisher, error) {
	baseDir := cfg.CaptchaOutputDir
	if baseDir == "" {
		baseDir = "./captchas"
	}

	var s3Upload uploader
	if cfg.CaptchaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.CaptchaS3Bucket}
	}

	return &Publisher{
		cfg:   cfg,
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.CaptchaS3Region),
	}
	if cfg.CaptchaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.CaptchaS3Endpoint,
					HostnameImmutable: cfg.CaptchaS3PathStyle,
					SigningRegion:     cfg.CaptchaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.CaptchaS3PathStyle
	}), nil
}

// Publish normalizes and stores one challenge image, returning its key.
func (p *Publisher) Publish(ctx context.Context, operationID string, raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode captcha image: %w", err)
	}

	// Grayscale plus a fixed width keeps challenges legible and uniform for
	// operators regardless of how the portal rendered them.
	img = imaging.Grayscale(img)
	width := p.cfg.CaptchaImageWidth
	if width == 0 {
		width = 320
	}
	img = imaging.Resize(img, width, 0, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode captcha image: %w", err)
	}

	key := sanitizeKey(fmt.Sprintf("captcha/%s.png", operationID))
	up := p.local
	if p.s3 != nil {
		up = p.s3
	}
	if _, err := up.Upload(ctx, key, buf.Bytes(), "image/png"); err != nil {
		return "", fmt.Errorf("upload captcha image: %w", err)
	}
	return key, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
