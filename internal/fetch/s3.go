package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// downloadS3 streams an s3://bucket/key object. Credentials come from the
// standard AWS environment variables; a custom endpoint (non-AWS object
// stores) can be set in the fetcher config.
func (f *Fetcher) downloadS3(ctx context.Context, parsed *url.URL, dst io.Writer) error {
	bucket := parsed.Host
	key := strings.TrimPrefix(parsed.Path, "/")
	if bucket == "" || key == "" {
		return fmt.Errorf("%w: s3 url must be s3://bucket/key, got %s", ErrFetch, parsed)
	}

	endpoint := f.cfg.S3Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewEnvAWS(),
		Secure: !f.cfg.S3Insecure,
		Region: f.cfg.S3Region,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 client for %s: %v", ErrFetch, endpoint, err)
	}

	log.Info().Str("bucket", bucket).Str("key", key).Msg("downloading from s3")
	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("%w: s3 get %s/%s: %v", ErrFetch, bucket, key, err)
	}
	defer obj.Close()

	if _, err := io.Copy(dst, obj); err != nil {
		return fmt.Errorf("%w: s3 read %s/%s: %v", ErrFetch, bucket, key, err)
	}
	return nil
}
