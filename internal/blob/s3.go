package blob

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"quarry-go/internal/config"
	"quarry-go/internal/quarry"
)

// S3BlobStore stores blobs in an S3 bucket. Locations are key prefixes:
// workspace locations live under <prefix>/locations/<name>/ and committed
// content under <prefix>/global/. URLs have the form s3://<bucket>/<key>.
//
// Commit-time copies use S3 server-side CopyObject, so promoting a file never
// moves its bytes through this process.
type S3BlobStore struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ quarry.BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore creates an S3 blob store from configuration. Credentials
// come from the config when set, otherwise from the default AWS chain.
func NewS3BlobStore(cfg config.BlobConfig) (*S3BlobStore, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 blob store requires s3_bucket to be set")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// Path-style addressing for S3-compatible services like minio.
			o.UsePathStyle = true
		}
	})

	return &S3BlobStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   strings.Trim(cfg.S3Prefix, "/"),
	}, nil
}

// CreateLocation returns the URL of the named location. S3 prefixes need no
// provisioning.
func (v *S3BlobStore) CreateLocation(name string) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid location name: %q", name)
	}
	return v.urlFor(path.Join("locations", name)), nil
}

// DeleteLocation removes every object under the location prefix.
func (v *S3BlobStore) DeleteLocation(locURL string) error {
	key, err := v.keyFromURL(locURL)
	if err != nil {
		return err
	}
	if key == v.globalKey() {
		return fmt.Errorf("refusing to delete the global location")
	}
	if !strings.HasPrefix(key, path.Join(v.prefix, "locations")+"/") {
		return fmt.Errorf("not a workspace location: %s", locURL)
	}

	ctx := context.Background()
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.bucket),
		Prefix: aws.String(key + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("listing location objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := v.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(v.bucket),
			Delete: &types.Delete{Objects: objects},
		}); err != nil {
			return fmt.Errorf("deleting location objects: %w", err)
		}
	}
	return nil
}

// GlobalLocation returns the URL of the global prefix.
func (v *S3BlobStore) GlobalLocation() string {
	return v.urlFor("global")
}

// Put uploads r under the location prefix using the multipart upload manager.
func (v *S3BlobStore) Put(location, blobKey string, r io.Reader) (string, error) {
	locKey, err := v.keyFromURL(location)
	if err != nil {
		return "", err
	}

	objectKey := path.Join(locKey, blobKey)
	_, err = v.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(objectKey),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("uploading blob %s: %w", objectKey, err)
	}
	return "s3://" + v.bucket + "/" + objectKey, nil
}

// Get downloads the blob at the given URL and writes it to w.
func (v *S3BlobStore) Get(blobURL string, w io.Writer) error {
	key, err := v.keyFromURL(blobURL)
	if err != nil {
		return err
	}

	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading blob %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("reading blob %s: %w", key, err)
	}
	return nil
}

// Copy duplicates the blob into the global prefix using a server-side copy.
func (v *S3BlobStore) Copy(blobURL, newKey string) (string, error) {
	srcKey, err := v.keyFromURL(blobURL)
	if err != nil {
		return "", err
	}

	destKey := path.Join(v.globalKey(), newKey)
	_, err = v.client.CopyObject(context.Background(), &s3.CopyObjectInput{
		Bucket:     aws.String(v.bucket),
		Key:        aws.String(destKey),
		CopySource: aws.String(url.PathEscape(v.bucket + "/" + srcKey)),
	})
	if err != nil {
		return "", fmt.Errorf("copying blob %s to %s: %w", srcKey, destKey, err)
	}
	return "s3://" + v.bucket + "/" + destKey, nil
}

// Delete removes the blob at the given URL. S3 deletes are idempotent.
func (v *S3BlobStore) Delete(blobURL string) error {
	key, err := v.keyFromURL(blobURL)
	if err != nil {
		return err
	}
	if _, err := v.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

// ValidateSetup verifies that the bucket is reachable.
func (v *S3BlobStore) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func (v *S3BlobStore) globalKey() string {
	return path.Join(v.prefix, "global")
}

func (v *S3BlobStore) urlFor(sub string) string {
	return "s3://" + v.bucket + "/" + path.Join(v.prefix, sub)
}

func (v *S3BlobStore) keyFromURL(blobURL string) (string, error) {
	rest := strings.TrimPrefix(blobURL, "s3://")
	if rest == blobURL {
		return "", fmt.Errorf("not an s3 blob url: %s", blobURL)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != v.bucket {
		return "", fmt.Errorf("blob url outside bucket %s: %s", v.bucket, blobURL)
	}
	return key, nil
}
