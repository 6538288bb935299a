package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"mlsync/internal/library"
)

// versionMetadataKey is the object metadata entry holding the snapshot version.
// S3 returns user metadata keys lowercased.
const versionMetadataKey = "mlsync-version"

// S3Options configures an S3Vault. Empty credentials fall back to the default AWS
// credential chain; Endpoint and UsePathStyle support S3-compatible stores.
type S3Options struct {
	Name         string
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKeyID  string
	SecretKey    string
	UsePathStyle bool
}

// S3Vault stores snapshots as objects under <prefix>/snapshots/<name> in a bucket.
// The version is kept in the object's user metadata.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault builds the S3 client. No request is made until the vault is used.
func NewS3Vault(ctx context.Context, opts S3Options) (*S3Vault, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})

	return &S3Vault{
		name:     opts.Name,
		bucket:   opts.Bucket,
		prefix:   opts.Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

func (v *S3Vault) key(name string) string {
	return path.Join(v.prefix, "snapshots", name)
}

// PutSnapshot uploads the snapshot, using multipart uploads for large indexes.
func (v *S3Vault) PutSnapshot(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.key(name)),
		Body:          r,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			versionMetadataKey: strconv.FormatInt(version, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s: %w", name, v.bucket, err)
	}
	return nil
}

// GetSnapshot downloads the named snapshot into w.
func (v *S3Vault) GetSnapshot(ctx context.Context, name string, w io.Writer) error {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return fmt.Errorf("snapshot not found: %s", name)
		}
		return fmt.Errorf("downloading %s from s3://%s: %w", name, v.bucket, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading snapshot body: %w", err)
	}
	return nil
}

// GetSnapshotVersion reads the version from object metadata; 0 if the object is absent.
func (v *S3Vault) GetSnapshotVersion(ctx context.Context, name string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	return parseVersion(out.Metadata)
}

func parseVersion(metadata map[string]string) (int64, error) {
	raw, ok := metadata[versionMetadataKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup checks that the bucket exists and is reachable with the credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

// Compile-time check that S3Vault implements library.Vault interface
var _ library.Vault = (*S3Vault)(nil)
