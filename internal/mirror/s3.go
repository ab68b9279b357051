// Package mirror stores verified payloads in an S3-compatible bucket so other
// machines can restore them without reaching the origin CDN.
package mirror

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"portablemsvc/internal/config"
	"portablemsvc/internal/download"
	"portablemsvc/internal/logx"
)

const (
	UploadTimeout   = 5 * time.Minute
	DownloadTimeout = 5 * time.Minute

	defaultRegion = "us-east-1"
)

// Location is a parsed mirror URI: s3://endpoint/bucket/prefix, or
// s3+http://... for a plain-HTTP endpoint.
type Location struct {
	Endpoint string
	Bucket   string
	Prefix   string
	Secure   bool
}

// ParseURI parses a mirror URI.
func ParseURI(raw string) (Location, error) {
	if strings.TrimSpace(raw) == "" {
		return Location{}, fmt.Errorf("mirror URI cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Location{}, fmt.Errorf("invalid mirror URI: %w", err)
	}
	var secure bool
	switch u.Scheme {
	case "s3":
		secure = true
	case "s3+http":
		secure = false
	default:
		return Location{}, fmt.Errorf("unsupported mirror scheme %q (use s3:// or s3+http://)", u.Scheme)
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("mirror URI must include an endpoint: s3://<endpoint>/<bucket>[/prefix]")
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("mirror URI must include a bucket: s3://<endpoint>/<bucket>[/prefix]")
	}
	return Location{
		Endpoint: u.Host,
		Bucket:   bucket,
		Prefix:   strings.Trim(prefix, "/"),
		Secure:   secure,
	}, nil
}

// ObjectKey returns the object name for a cache key.
func (l Location) ObjectKey(key string) string {
	if l.Prefix == "" {
		return key
	}
	return path.Join(l.Prefix, key)
}

// ParseToken splits an ACCESS_KEY:SECRET_KEY token. An empty token falls back
// to AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or anonymous access when
// neither is set.
func ParseToken(token string) (accessKey, secretKey string, err error) {
	if token == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		if (accessKey == "") != (secretKey == "") {
			return "", "", fmt.Errorf("S3 credentials incomplete: set both AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or mirror.token ACCESS_KEY:SECRET_KEY")
		}
		return accessKey, secretKey, nil
	}

	// The secret may itself contain colons.
	accessKey, secretKey, ok := strings.Cut(token, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid token format: expected ACCESS_KEY:SECRET_KEY")
	}
	if accessKey == "" {
		return "", "", fmt.Errorf("invalid token format: access key cannot be empty")
	}
	if secretKey == "" {
		return "", "", fmt.Errorf("invalid token format: secret key cannot be empty")
	}
	return accessKey, secretKey, nil
}

var (
	regionDotted = regexp.MustCompile(`s3\.([a-z]{2}-[a-z]+-\d+)\.amazonaws\.com`)
	regionDashed = regexp.MustCompile(`s3-([a-z]{2}-[a-z]+-\d+)\.amazonaws\.com`)
)

// RegionFromEndpoint extracts the AWS region from s3.REGION.amazonaws.com or
// s3-REGION.amazonaws.com endpoints.
func RegionFromEndpoint(endpoint string) string {
	if m := regionDotted.FindStringSubmatch(endpoint); len(m) > 1 {
		return m[1]
	}
	if m := regionDashed.FindStringSubmatch(endpoint); len(m) > 1 {
		return m[1]
	}
	return ""
}

// S3 is a payload mirror backed by an S3-compatible bucket.
type S3 struct {
	client *minio.Client
	loc    Location
	logger *slog.Logger
}

// New connects to the mirror described by cfg. It returns nil without error
// when no mirror is configured.
func New(cfg config.MirrorConfig, logger *slog.Logger) (*S3, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, nil
	}
	logger = logx.OrDiscard(logger)
	loc, err := ParseURI(cfg.URI)
	if err != nil {
		return nil, err
	}
	accessKey, secretKey, err := ParseToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	region := RegionFromEndpoint(loc.Endpoint)
	if region == "" {
		region = defaultRegion
	}

	client, err := minio.New(loc.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: loc.Secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	logger.Info("payload mirror enabled",
		"endpoint", loc.Endpoint,
		"bucket", loc.Bucket,
		"prefix", loc.Prefix,
		"ssl", loc.Secure,
		"region", region)
	return &S3{client: client, loc: loc, logger: logger}, nil
}

// Fetch copies the object for key into w.
func (m *S3) Fetch(ctx context.Context, key string, w io.Writer) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	object := m.loc.ObjectKey(key)
	obj, err := m.client.GetObject(ctx, m.loc.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return m.classify(err)
	}
	defer obj.Close()

	n, err := io.Copy(w, obj)
	if err != nil {
		return m.classify(err)
	}
	m.logger.Debug("mirror download completed",
		"key", object,
		"size_bytes", n,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Store uploads the file at path under key unless the object already exists.
func (m *S3) Store(ctx context.Context, key, filePath string) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()

	object := m.loc.ObjectKey(key)
	if _, err := m.client.StatObject(ctx, m.loc.Bucket, object, minio.StatObjectOptions{}); err == nil {
		return nil
	}
	info, err := m.client.FPutObject(ctx, m.loc.Bucket, object, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("mirror upload %s: %w", object, err)
	}
	m.logger.Info("mirror upload completed",
		"key", object,
		"size_bytes", info.Size,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *S3) classify(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
		return download.ErrMirrorMiss
	}
	return fmt.Errorf("mirror download: %w", err)
}

var _ download.Mirror = (*S3)(nil)
