// Package cloud implements the cloud location on an S3-compatible object store.
package cloud

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/version"
	"golang.org/x/sync/errgroup"
)

const (
	loc = provider.LocationCloud

	// metaSHA256 is stored as x-amz-meta-sha256 on every object this provider writes.
	metaSHA256 = "sha256"

	headConcurrency = 8
	etagCacheSize   = 64 * 1024
	maxRetries      = 5
)

// Config describes the bucket. AccessKey and SecretKey fall back to the default AWS credential chain.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the subset of the S3 client the provider calls.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Provider maps relative paths to keys below Prefix.
type Provider struct {
	client   s3API
	bucket   string
	prefix   string
	ignore   *provider.IgnoreList
	spoolDir string

	// content hashes by ETag, objects written by other tools have no sha256 metadata
	hashes *lru.Cache[string, string]
}

var _ provider.Provider = (*Provider)(nil)

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, ignore *provider.IgnoreList) (*Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cloud bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
		config.WithRetryMaxAttempts(maxRetries),
		config.WithAppID(version.UserAgent()),
	}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newProvider(client, cfg, ignore), nil
}

func newProvider(client s3API, cfg Config, ignore *provider.IgnoreList) *Provider {
	hashes, _ := lru.New[string, string](etagCacheSize)
	if ignore == nil {
		ignore = provider.NewIgnoreList()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Provider{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		ignore: ignore,
		hashes: hashes,
	}
}

// SetSpoolDir sets where uploads from non-seekable readers are buffered.
func (p *Provider) SetSpoolDir(dir string) {
	p.spoolDir = dir
}

func (p *Provider) Location() provider.Location {
	return loc
}

func (p *Provider) key(rel string) string {
	return p.prefix + rel
}

// List pages through the prefix and resolves a content hash for every object. Hashes come from
// the ETag cache, then the sha256 metadata, then the S3 SHA-256 checksum, and finally a download.
func (p *Provider) List(ctx context.Context) ([]*provider.FileInfo, error) {
	var objects []types.Object

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, provider.Wrap(loc, "list", "", mapErr(err))
		}
		objects = append(objects, page.Contents...)
	}

	var (
		mu    sync.Mutex
		files []*provider.FileInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)

	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		if strings.HasSuffix(key, "/") {
			// folder placeholder
			continue
		}
		rel, err := provider.NormalizePath(strings.TrimPrefix(key, p.prefix))
		if err != nil {
			slog.Warn("cloud list skip", "key", key, "error", err)
			continue
		}
		if strings.HasPrefix(path.Base(rel), provider.TempPrefix) || p.ignore.ShouldIgnore(rel) {
			continue
		}

		g.Go(func() error {
			etag := trimETag(aws.ToString(obj.ETag))
			hash, err := p.contentHash(gctx, rel, etag)
			if err != nil {
				return provider.Wrap(loc, "list", rel, err)
			}

			mu.Lock()
			files = append(files, &provider.FileInfo{
				Path:    rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
				Hash:    hash,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	slog.Debug("cloud list", "bucket", p.bucket, "prefix", p.prefix, "files", len(files), "cached", p.hashes.Len())
	return files, nil
}

func (p *Provider) contentHash(ctx context.Context, rel, etag string) (string, error) {
	if etag != "" {
		if hash, ok := p.hashes.Get(etag); ok {
			return hash, nil
		}
	}

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(p.key(rel)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return "", mapErr(err)
	}

	hash := hashFromHead(head)
	if hash == "" {
		// uploaded by another tool without a usable checksum
		hash, err = p.downloadHash(ctx, rel)
		if err != nil {
			return "", err
		}
	}
	if etag != "" {
		p.hashes.Add(etag, hash)
	}
	return hash, nil
}

func hashFromHead(head *s3.HeadObjectOutput) string {
	if h := head.Metadata[metaSHA256]; hasher.Valid(h) {
		return strings.ToLower(h)
	}
	// composite checksums of multipart uploads end in -N and are not content hashes
	if sum := aws.ToString(head.ChecksumSHA256); sum != "" && !strings.Contains(sum, "-") {
		if raw, err := base64.StdEncoding.DecodeString(sum); err == nil && len(raw)*2 == hasher.Size {
			return hex.EncodeToString(raw)
		}
	}
	return ""
}

func (p *Provider) downloadHash(ctx context.Context, rel string) (string, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(rel)),
	})
	if err != nil {
		return "", mapErr(err)
	}
	defer out.Body.Close()
	return hasher.Hash(out.Body)
}

func (p *Provider) Fetch(ctx context.Context, relPath string) (io.ReadCloser, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", relPath, err)
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(rel)),
	})
	if err != nil {
		return nil, provider.Wrap(loc, "fetch", rel, mapErr(err))
	}
	return out.Body, nil
}

// Store hashes the content before uploading so a mismatch never reaches the bucket. The digest
// travels as object metadata and as the S3 checksum, which makes the store reject corrupted uploads.
func (p *Provider) Store(ctx context.Context, relPath string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return nil, provider.Wrap(loc, "store", relPath, err)
	}

	fi, err := p.store(ctx, rel, r, expectedHash)
	if err != nil {
		return nil, provider.Wrap(loc, "store", rel, err)
	}
	return fi, nil
}

func (p *Provider) store(ctx context.Context, rel string, r io.Reader, expectedHash string) (*provider.FileInfo, error) {
	body, cleanup, err := p.seekable(r)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	start, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("seek upload: %w", err)
	}
	hw := hasher.NewWriter()
	size, err := io.Copy(hw, body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	sum := hw.Sum()
	if expectedHash != "" && !hasher.Equal(sum, expectedHash) {
		return nil, provider.HashMismatch(expectedHash, sum)
	}
	if _, err := body.Seek(start, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}

	raw, _ := hex.DecodeString(sum)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:         aws.String(p.bucket),
		Key:            aws.String(p.key(rel)),
		Body:           body,
		ContentLength:  aws.Int64(size),
		ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(raw)),
		Metadata:       map[string]string{metaSHA256: sum},
	})
	if err != nil {
		return nil, mapErr(err)
	}

	head, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(p.bucket),
		Key:          aws.String(p.key(rel)),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("verify upload: %w", mapErr(err))
	}
	if got := hashFromHead(head); got != "" && !hasher.Equal(got, sum) {
		return nil, provider.HashMismatch(sum, got)
	}
	if etag := trimETag(aws.ToString(head.ETag)); etag != "" {
		p.hashes.Add(etag, sum)
	}

	return &provider.FileInfo{
		Path:    rel,
		Size:    aws.ToInt64(head.ContentLength),
		ModTime: aws.ToTime(head.LastModified),
		Hash:    sum,
	}, nil
}

// seekable returns r itself when it can be rewound, otherwise a spooled copy.
func (p *Provider) seekable(r io.Reader) (io.ReadSeeker, func(), error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs, func() {}, nil
	}

	f, err := os.CreateTemp(p.spoolDir, provider.TempPrefix+"upload-*")
	if err != nil {
		return nil, nil, fmt.Errorf("create upload spool: %w", err)
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	if _, err := io.Copy(f, r); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("spool upload: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("rewind upload spool: %w", err)
	}
	return f, cleanup, nil
}

// Remove reports ErrNotFound for a missing key, S3 itself treats that delete as a success.
func (p *Provider) Remove(ctx context.Context, relPath string) error {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return provider.Wrap(loc, "remove", relPath, err)
	}

	exists, err := p.exists(ctx, rel)
	if err != nil {
		return provider.Wrap(loc, "remove", rel, err)
	}
	if !exists {
		return provider.Wrap(loc, "remove", rel, provider.ErrNotFound)
	}

	_, err = p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(rel)),
	})
	if err != nil {
		return provider.Wrap(loc, "remove", rel, mapErr(err))
	}
	return nil
}

func (p *Provider) Exists(ctx context.Context, relPath string) (bool, error) {
	rel, err := provider.NormalizePath(relPath)
	if err != nil {
		return false, provider.Wrap(loc, "exists", relPath, err)
	}
	ok, err := p.exists(ctx, rel)
	if err != nil {
		return false, provider.Wrap(loc, "exists", rel, err)
	}
	return ok, nil
}

func (p *Provider) exists(ctx context.Context, rel string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(rel)),
	})
	if err == nil {
		return true, nil
	}
	err = mapErr(err)
	if provider.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func trimETag(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}

// mapErr sorts S3 failures into the provider error kinds. Anything that is not an API error
// (DNS, connection refused, TLS) means the store is unreachable.
func mapErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.Unavailable(err)
	}

	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %w", provider.ErrNotFound, err)
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return fmt.Errorf("%w: %w", provider.ErrPermissionDenied, err)
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return fmt.Errorf("%w: %w", provider.ErrHashMismatch, err)
	case "NoSuchBucket", "SlowDown", "ServiceUnavailable", "RequestTimeout", "InternalError", "RequestTimeTooSkewed":
		return provider.Unavailable(err)
	}
	return err
}
