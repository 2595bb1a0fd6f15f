// Package s3 implements drive.Drive on an S3-compatible bucket. Folders are
// key prefixes ending in "/", marked by an empty object; download URLs are
// presigned GETs.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/logging"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint   string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Region     string
	RootPrefix string
	PresignTTL time.Duration
	Timeout    time.Duration
}

// maxRenameAttempts bounds how often PutContent moves to the next free name
// after losing a conditional write.
const maxRenameAttempts = 20

// objectAPI is the subset of *s3.Client the drive uses.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Drive is an S3-backed drive.
type Drive struct {
	client     objectAPI
	presign    *s3.PresignClient
	folders    sync.Map // folder key -> *sync.Mutex, serializes PutContent per folder
	bucket     string
	root       string
	presignTTL time.Duration
	timeout    time.Duration
}

// New creates an S3 drive and makes sure the bucket and root marker exist.
func New(ctx context.Context, cfg Config) (*Drive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	d := &Drive{
		client:     client,
		presign:    s3.NewPresignClient(client),
		bucket:     cfg.Bucket,
		root:       folderKey(strings.Trim(cfg.RootPrefix, "/")),
		presignTTL: cfg.PresignTTL,
		timeout:    cfg.Timeout,
	}
	if d.presignTTL <= 0 {
		d.presignTTL = 15 * time.Minute
	}

	if err := d.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}
	return d, nil
}

// Type returns "s3".
func (d *Drive) Type() string { return "s3" }

func (d *Drive) ensureBucket(ctx context.Context) error {
	ctx, cancel := d.bound(ctx)
	defer cancel()

	if _, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)}); err != nil {
		if _, createErr := d.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(d.bucket)}); createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", d.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", d.bucket))
	}
	if d.root == "" {
		return nil
	}
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.root),
		Body:   bytes.NewReader(nil),
	})
	return err
}

// Root returns the root prefix as a folder.
func (d *Drive) Root(ctx context.Context) (drive.Item, error) {
	return drive.Item{ID: d.root, Name: path.Base(strings.TrimSuffix(d.root, "/")), IsFolder: true}, nil
}

// ListChildren lists the direct children of a folder prefix, folders first
// as S3 reports common prefixes separately.
func (d *Drive) ListChildren(ctx context.Context, folderID string) ([]drive.Item, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	start := time.Now()

	prefix := folderKey(folderID)
	var items []drive.Item
	p := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(d.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			d.record("list", start, false)
			return nil, mapError("list", folderID, err)
		}
		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			items = append(items, drive.Item{ID: key, Name: baseName(key), IsFolder: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // folder marker
			}
			items = append(items, drive.Item{
				ID:           key,
				Name:         baseName(key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}
	d.record("list", start, true)
	return items, nil
}

// CreateFolder writes the folder marker object. An existing folder is a
// conflict, matching the Graph backend.
func (d *Drive) CreateFolder(ctx context.Context, parentID, name string) (drive.Item, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	start := time.Now()

	key := folderKey(folderKey(parentID) + name)
	exists, err := d.exists(ctx, key)
	if err != nil {
		d.record("create_folder", start, false)
		return drive.Item{}, mapError("create folder", name, err)
	}
	if exists {
		d.record("create_folder", start, false)
		return drive.Item{}, &drive.RemoteAPIError{Op: "create folder", Name: name, Status: http.StatusConflict}
	}

	now := time.Now().UTC()
	_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		d.record("create_folder", start, false)
		return drive.Item{}, mapError("create folder", name, err)
	}
	d.record("create_folder", start, true)
	logging.Info("created drive folder", zap.String("key", key))
	return drive.Item{ID: key, Name: name, IsFolder: true, LastModified: &now}, nil
}

// PutContent stores a file, renaming it to "name (n).ext" if taken. Writes
// are conditional (If-None-Match: *), so an object created by another
// writer between listing and upload is never overwritten; the next free
// name is tried instead.
func (d *Drive) PutContent(ctx context.Context, folderID, name string, content []byte) (drive.Item, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	start := time.Now()

	mu := d.folderLock(folderKey(folderID))
	mu.Lock()
	defer mu.Unlock()

	siblings, err := d.ListChildren(ctx, folderID)
	if err != nil {
		return drive.Item{}, err
	}
	taken := make(map[string]bool, len(siblings))
	for _, s := range siblings {
		taken[s.Name] = true
	}

	wanted := name
	contentType := mimetype.Detect(content).String()
	var key string
	for attempt := 0; ; attempt++ {
		name = drive.UniqueName(wanted, func(n string) bool { return taken[n] })
		key = folderKey(folderID) + name
		_, err = d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(d.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(content),
			ContentLength: aws.Int64(int64(len(content))),
			ContentType:   aws.String(contentType),
			IfNoneMatch:   aws.String("*"),
		})
		if err == nil {
			break
		}
		if !nameTaken(err) || attempt+1 >= maxRenameAttempts {
			d.record("put_content", start, false)
			return drive.Item{}, mapError("put content", name, err)
		}
		logging.Debug("S3 name taken concurrently, renaming", zap.String("key", key))
		taken[name] = true
	}
	d.record("put_content", start, true)

	logging.Debug("S3 put object", zap.String("key", key), zap.Int("size", len(content)))
	now := time.Now().UTC()
	return drive.Item{ID: key, Name: name, Size: int64(len(content)), MimeType: contentType, LastModified: &now}, nil
}

// GetItem heads an object and presigns a download URL for files.
func (d *Drive) GetItem(ctx context.Context, itemID string) (drive.Item, error) {
	ctx, cancel := d.bound(ctx)
	defer cancel()
	start := time.Now()

	head, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(itemID),
	})
	if err != nil {
		d.record("get_item", start, false)
		return drive.Item{}, mapError("get item", itemID, err)
	}

	it := drive.Item{
		ID:           itemID,
		Name:         baseName(itemID),
		IsFolder:     strings.HasSuffix(itemID, "/"),
		Size:         aws.ToInt64(head.ContentLength),
		MimeType:     aws.ToString(head.ContentType),
		LastModified: head.LastModified,
	}
	if !it.IsFolder {
		req, err := d.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(d.bucket),
			Key:    aws.String(itemID),
		}, s3.WithPresignExpires(d.presignTTL))
		if err != nil {
			d.record("get_item", start, false)
			return drive.Item{}, mapError("presign", itemID, err)
		}
		it.DownloadURL = req.URL
	}
	d.record("get_item", start, true)
	return it, nil
}

func (d *Drive) exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if statusOf(err) == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

func (d *Drive) folderLock(prefix string) *sync.Mutex {
	mu, _ := d.folders.LoadOrStore(prefix, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (d *Drive) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout > 0 {
		return context.WithTimeout(ctx, d.timeout)
	}
	return context.WithCancel(ctx)
}

func (d *Drive) record(op string, start time.Time, success bool) {
	metrics.RecordDriveOperation("s3", op, time.Since(start), success)
}

// mapError translates SDK errors into the drive taxonomy.
func mapError(op, name string, err error) error {
	switch status := statusOf(err); {
	case status == http.StatusNotFound:
		return &drive.NotFoundError{Kind: "item", Name: name}
	case status != 0:
		return &drive.RemoteAPIError{Op: op, Name: name, Status: status, Err: err}
	}
	return drive.WrapTransport(op, name, err)
}

func statusOf(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

// nameTaken reports a lost conditional write: 412 when the key exists, 409
// when a concurrent conditional write to the same key is in flight.
func nameTaken(err error) bool {
	switch statusOf(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	return false
}

func folderKey(p string) string {
	if p == "" || strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

func baseName(key string) string {
	return path.Base(strings.TrimSuffix(key, "/"))
}
