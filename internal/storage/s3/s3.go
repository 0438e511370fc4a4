// Package s3 implements a Backend that reads letters from an S3 bucket.
//
// Object storage has no directories, so the backend rebuilds them from key
// prefixes: one-level listing uses a delimiter and the listing's common
// prefixes, recursive delete lists every key under a prefix and bulk-deletes
// them.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/letter-opener-web/internal/storage"
)

// PresignExpiry is how long an attachment URL stays valid.
const PresignExpiry = 7 * 24 * time.Hour

// maxDeleteKeys is the DeleteObjects per-request limit.
const maxDeleteKeys = 1000

// styleDelimiter groups every key up to a style artifact into one common
// prefix, which is how Search finds letters without listing attachments.
const styleDelimiter = ".html"

// BackendConfig holds the configuration for creating a Backend.
type BackendConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// Location is the key prefix all letters live under. Empty means the
	// bucket root.
	Location string
	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint     string
	UsePathStyle bool
}

// ObjectAPI is the subset of the S3 client the backend uses.
// Used for testing with mock implementations.
type ObjectAPI interface {
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, params *awss3.DeleteObjectsInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectsOutput, error)
}

// PresignAPI is the interface for presigning GetObject requests.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Backend reads letters stored as <location>/<id>/{plain,rich}.html and
// <location>/<id>/attachments/<filename>.
type Backend struct {
	bucket    string
	location  string
	client    ObjectAPI
	presigner PresignAPI
}

// New creates a Backend with a client built from the given configuration.
// Static credentials are used when both keys are set, otherwise the default
// AWS credential chain applies.
func New(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(cfg.Bucket, cfg.Location, client, awss3.NewPresignClient(client)), nil
}

// NewWithClient creates a Backend with custom clients, used for testing.
func NewWithClient(bucket, location string, client ObjectAPI, presigner PresignAPI) *Backend {
	return &Backend{
		bucket:    bucket,
		location:  strings.Trim(location, "/"),
		client:    client,
		presigner: presigner,
	}
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "s3"
}

// Search lists one "directory" level below the location and returns one
// entry per letter id, in reverse listing order. S3 lists keys
// lexicographically, so this is newest first only when ids embed a sortable
// timestamp. SentAt is always zero.
func (b *Backend) Search(ctx context.Context) ([]storage.Entry, error) {
	_, prefixes, err := b.list(ctx, b.rootPrefix(), styleDelimiter)
	if err != nil {
		return nil, err
	}

	root := strings.TrimSuffix(b.rootPrefix(), "/")
	if root == "" {
		root = "."
	}

	seen := make(map[string]bool, len(prefixes))
	letters := make([]storage.Entry, 0, len(prefixes))
	for _, prefix := range prefixes {
		dir := path.Dir(prefix)
		id := path.Base(dir)
		// Style objects directly under the location belong to no letter.
		if dir == "." || dir == root {
			continue
		}
		// Style-like files inside a letter's attachments directory.
		if id == storage.AttachmentsDir && path.Dir(dir) != root {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		letters = append(letters, storage.Entry{ID: id})
	}
	slices.Reverse(letters)

	slog.Debug("listed s3 letters", "bucket", b.bucket, "location", b.location, "count", len(letters))
	return letters, nil
}

// Valid reports whether at least one object exists under <location>/<id>/.
func (b *Backend) Valid(ctx context.Context, id string) (bool, error) {
	prefix, ok := b.letterPrefix(id)
	if !ok {
		return false, nil
	}

	out, err := b.client.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
	}
	return len(out.Contents) > 0, nil
}

// ReadStyle fetches <location>/<id>/<style>.html. A missing key reads as "".
func (b *Backend) ReadStyle(ctx context.Context, id string, style storage.Style) (string, error) {
	prefix, ok := b.letterPrefix(id)
	if !ok {
		return "", nil
	}
	key := prefix + style.FileName()

	out, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			slog.Debug("style not found", "key", key)
			return "", nil
		}
		return "", fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read object %q: %w", key, err)
	}
	return string(data), nil
}

// Attachments maps each object under <location>/<id>/attachments/ to a
// presigned GET URL valid for PresignExpiry.
func (b *Backend) Attachments(ctx context.Context, id string) (storage.Attachments, error) {
	attachments := storage.Attachments{}

	prefix, ok := b.letterPrefix(id)
	if !ok {
		return attachments, nil
	}

	keys, _, err := b.list(ctx, prefix+storage.AttachmentsDir+"/", "")
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		req, err := b.presigner.PresignGetObject(ctx, &awss3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}, awss3.WithPresignExpires(PresignExpiry))
		if err != nil {
			return nil, fmt.Errorf("failed to presign %q: %w", key, err)
		}
		attachments[path.Base(key)] = req.URL
	}
	return attachments, nil
}

// Delete removes every object under <location>/<id>/ with bulk deletes.
// Invalid letters are left untouched.
func (b *Backend) Delete(ctx context.Context, id string) error {
	valid, err := b.Valid(ctx, id)
	if err != nil {
		return err
	}
	if !valid {
		slog.Debug("skipping delete of invalid letter", "id", id)
		return nil
	}

	prefix, _ := b.letterPrefix(id)
	keys, _, err := b.list(ctx, prefix, "")
	if err != nil {
		return err
	}
	return b.deleteKeys(ctx, keys)
}

// DestroyAll removes every object under the location.
func (b *Backend) DestroyAll(ctx context.Context) error {
	keys, _, err := b.list(ctx, b.rootPrefix(), "")
	if err != nil {
		return err
	}
	return b.deleteKeys(ctx, keys)
}

// list returns every key and common prefix under prefix, following
// continuation tokens.
func (b *Backend) list(ctx context.Context, prefix, delimiter string) ([]string, []string, error) {
	input := &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	var keys, prefixes []string
	paginator := awss3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list objects under %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		for _, cp := range page.CommonPrefixes {
			prefixes = append(prefixes, aws.ToString(cp.Prefix))
		}
	}

	slog.Debug("listed objects",
		"bucket", b.bucket,
		"prefix", prefix,
		"delimiter", delimiter,
		"keys", len(keys),
		"common_prefixes", len(prefixes),
	)
	return keys, prefixes, nil
}

// deleteKeys bulk-deletes keys with quiet mode off so that every failed key
// comes back in the response. Failures are returned as joined DeleteErrors.
func (b *Backend) deleteKeys(ctx context.Context, keys []string) error {
	var failed []error

	for start := 0; start < len(keys); start += maxDeleteKeys {
		end := min(start+maxDeleteKeys, len(keys))

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := b.client.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}

		for _, e := range out.Errors {
			failed = append(failed, &storage.DeleteError{
				Key:     aws.ToString(e.Key),
				Code:    aws.ToString(e.Code),
				Message: aws.ToString(e.Message),
			})
		}
		slog.Debug("deleted objects", "bucket", b.bucket, "requested", len(objects), "deleted", len(out.Deleted))
	}

	if len(failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d objects: %w", len(failed), len(keys), errors.Join(failed...))
	}
	return nil
}

// rootPrefix is the location as a listing prefix: empty, or ending in "/".
func (b *Backend) rootPrefix() string {
	if b.location == "" {
		return ""
	}
	return b.location + "/"
}

// letterPrefix resolves id to its key prefix (ending in "/"). It returns
// false when the cleaned key escapes the location or names the location itself.
func (b *Backend) letterPrefix(id string) (string, bool) {
	if id == "" {
		return "", false
	}

	root := b.rootPrefix()
	key := path.Join(root, id)
	if key == "." || key == ".." || strings.HasPrefix(key, "../") || strings.HasPrefix(key, "/") {
		return "", false
	}

	prefix := key + "/"
	if prefix == root || !strings.HasPrefix(prefix, root) {
		return "", false
	}
	return prefix, true
}

// isNotFound reports whether err means the requested key does not exist.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
