package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"ferry/internal/config"
	"ferry/internal/ferry"
)

// s3API is the subset of *s3.Client used by S3Session.
type s3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Session presents a bucket as a remote filesystem. Files are objects
// keyed by <prefix>/<path>; a directory is a key prefix, recorded by an empty
// marker object whose key ends in "/".
type S3Session struct {
	client   s3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ ferry.Session = (*S3Session)(nil)

// NewS3Session creates a session over the given client.
func NewS3Session(client s3API, bucket, prefix string) *S3Session {
	return &S3Session{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
	}
}

// key maps a session path to an object key. The root maps to the prefix.
func (s *S3Session) key(p string) string {
	return strings.TrimPrefix(path.Join(s.prefix, clean(p)), "/")
}

// dirKey is the key prefix of the objects inside directory p.
func (s *S3Session) dirKey(p string) string {
	k := s.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func isRoot(p string) bool {
	return clean(p) == "/"
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func notExist(op, p string) error {
	return &fs.PathError{Op: op, Path: p, Err: fs.ErrNotExist}
}

// Stat returns information about path.
func (s *S3Session) Stat(ctx context.Context, p string) (ferry.Entry, error) {
	if isRoot(p) {
		return ferry.Entry{Name: "/", IsDir: true}, nil
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err == nil {
		return ferry.Entry{Name: path.Base(clean(p)), Size: aws.ToInt64(out.ContentLength)}, nil
	}
	if !isNotFound(err) {
		return ferry.Entry{}, fmt.Errorf("head object: %w", err)
	}

	found, err := s.hasKeysUnder(ctx, p, 1)
	if err != nil {
		return ferry.Entry{}, err
	}
	if found == 0 {
		return ferry.Entry{}, notExist("stat", p)
	}
	return ferry.Entry{Name: path.Base(clean(p)), IsDir: true}, nil
}

// hasKeysUnder returns how many keys (up to limit) exist below directory p,
// the marker included.
func (s *S3Session) hasKeysUnder(ctx context.Context, p string, limit int32) (int, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(p)),
		MaxKeys: aws.Int32(limit),
	})
	if err != nil {
		return 0, fmt.Errorf("list objects: %w", err)
	}
	return len(out.Contents), nil
}

// ReadDir returns the sorted entry names of a directory.
func (s *S3Session) ReadDir(ctx context.Context, p string) ([]string, error) {
	dk := s.dirKey(p)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(dk),
		Delimiter: aws.String("/"),
	})

	var names []string
	seen := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			seen = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dk), "/")
			if name != "" {
				names = append(names, name)
			}
		}
		for _, obj := range page.Contents {
			seen = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), dk)
			if name != "" {
				names = append(names, name)
			}
		}
	}
	if !seen && !isRoot(p) {
		return nil, notExist("readdir", p)
	}

	sort.Strings(names)
	return names, nil
}

// Mkdir writes the directory marker unless the directory already exists.
func (s *S3Session) Mkdir(ctx context.Context, p string) (ferry.MkdirResult, error) {
	entry, err := s.Stat(ctx, p)
	switch {
	case err == nil && entry.IsDir:
		return ferry.AlreadyExists, nil
	case err == nil:
		return ferry.Created, &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	case !errors.Is(err, fs.ErrNotExist):
		return ferry.Created, err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.dirKey(p)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return ferry.Created, fmt.Errorf("put directory marker: %w", err)
	}
	return ferry.Created, nil
}

// RemoveDirectory deletes the marker of an empty directory.
func (s *S3Session) RemoveDirectory(ctx context.Context, p string) error {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(p)),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != s.dirKey(p) {
			return fmt.Errorf("directory not empty: %s", p)
		}
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.dirKey(p)),
	})
	if err != nil {
		return fmt.Errorf("delete directory marker: %w", err)
	}
	return nil
}

// Remove deletes a file object.
func (s *S3Session) Remove(ctx context.Context, p string) error {
	entry, err := s.Stat(ctx, p)
	if err != nil {
		return err
	}
	if entry.IsDir {
		return fmt.Errorf("is a directory: %s", p)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// countingReader counts the bytes the uploader consumed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Upload streams r to the object for remotePath, using multipart uploads for
// large files.
func (s *S3Session) Upload(ctx context.Context, remotePath string, r io.Reader, size int64) error {
	body := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if body.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d", size, body.n)
	}
	return nil
}

// Download streams the object for remotePath into w.
func (s *S3Session) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remotePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, notExist("open", remotePath)
		}
		return 0, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("copy: %w", err)
	}
	return n, nil
}

// Close is a no-op; the SDK client holds no per-session connection.
func (s *S3Session) Close() error {
	return nil
}

// S3Dialer builds S3 sessions for a configured bucket.
type S3Dialer struct {
	cfg    config.S3Config
	logger ferry.Logger

	// newClient is swapped in tests.
	newClient func(aws.Config, ...func(*s3.Options)) s3API
}

var _ ferry.Dialer = (*S3Dialer)(nil)

// NewS3Dialer creates a dialer for the bucket described by cfg.
func NewS3Dialer(cfg config.S3Config, logger ferry.Logger) *S3Dialer {
	return &S3Dialer{
		cfg:    cfg,
		logger: logger,
		newClient: func(c aws.Config, optFns ...func(*s3.Options)) s3API {
			return s3.NewFromConfig(c, optFns...)
		},
	}
}

// Dial loads AWS configuration and checks that the bucket is reachable. A
// non-empty endpoint user is used as a static access key ID with the
// credential as its secret; otherwise the default credential chain applies.
func (d *S3Dialer) Dial(ctx context.Context, ep ferry.Endpoint) (ferry.Session, error) {
	addr := "s3://" + d.cfg.Bucket
	if d.cfg.Bucket == "" {
		return nil, &ferry.ConnectionError{Addr: addr, Err: errors.New("s3 bucket is not configured")}
	}

	var opts []func(*awsconfig.LoadOptions) error
	if d.cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(d.cfg.Region))
	}
	if ep.User != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ep.User, ep.Credential.Reveal(), "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &ferry.ConnectionError{Addr: addr, Err: fmt.Errorf("loading AWS config: %w", err)}
	}

	var s3Opts []func(*s3.Options)
	if d.cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(d.cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := d.newClient(awsCfg, s3Opts...)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.cfg.Bucket)}); err != nil {
		return nil, &ferry.ConnectionError{Addr: addr, Err: fmt.Errorf("head bucket: %w", err)}
	}

	d.logger.Debug("s3 session opened", "bucket", d.cfg.Bucket, "prefix", d.cfg.Prefix)
	return NewS3Session(client, d.cfg.Bucket, d.cfg.Prefix), nil
}
