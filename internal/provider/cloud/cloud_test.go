package cloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uvcad/cadsync/internal/hasher"
	"github.com/uvcad/cadsync/internal/provider"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
	checksum string
	modified time.Time
}

func (o *fakeObject) etag() string {
	sum := md5.Sum(o.data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

// fakeS3 is a single-bucket in-memory object store that pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]*fakeObject

	pageSize int
	listErr  error
	putErr   error

	heads int
	gets  int
	puts  int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeObject), pageSize: 2}
}

func (f *fakeS3) seed(key, content string, metadata map[string]string, checksum string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &fakeObject{data: []byte(content), metadata: metadata, checksum: checksum, modified: time.Now()}
}

func notFound(key string) error {
	return &smithy.GenericAPIError{Code: "NotFound", Message: key + " not found"}
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := min(start+f.pageSize, len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		obj := f.objects[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			ETag:         aws.String(obj.etag()),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, notFound(aws.ToString(in.Key))
	}
	out := &s3.HeadObjectOutput{
		ETag:          aws.String(obj.etag()),
		ContentLength: aws.Int64(int64(len(obj.data))),
		LastModified:  aws.Time(obj.modified),
		Metadata:      obj.metadata,
	}
	if in.ChecksumMode == types.ChecksumModeEnabled && obj.checksum != "" {
		out.ChecksumSHA256 = aws.String(obj.checksum)
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if want := aws.ToString(in.ChecksumSHA256); want != "" {
		raw, _ := hex.DecodeString(hasher.Bytes(data))
		if base64.StdEncoding.EncodeToString(raw) != want {
			return nil, &smithy.GenericAPIError{Code: "BadDigest", Message: "checksum mismatch"}
		}
	}
	f.objects[aws.ToString(in.Key)] = &fakeObject{
		data:     data,
		metadata: in.Metadata,
		checksum: aws.ToString(in.ChecksumSHA256),
		modified: time.Now(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) content(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	if !ok {
		return "", false
	}
	return string(obj.data), true
}

func checksumOf(content string) string {
	raw, _ := hex.DecodeString(hasher.Bytes([]byte(content)))
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestProvider(t *testing.T) (*Provider, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	p := newProvider(fake, Config{Bucket: "cad", Prefix: "/team/"}, provider.NewIgnoreList())
	p.SetSpoolDir(t.TempDir())
	return p, fake
}

func TestList(t *testing.T) {
	p, fake := newTestProvider(t)
	fake.seed("team/asm/top.sldasm", "top", map[string]string{metaSHA256: hasher.Bytes([]byte("top"))}, "")
	fake.seed("team/asm/", "", nil, "")
	fake.seed("team/bolt.step", "bolt", nil, checksumOf("bolt"))
	fake.seed("team/legacy.dwg", "legacy", nil, "")
	fake.seed("team/multipart.prt", "multi", nil, checksumOf("multi")+"-3")
	fake.seed("team/~$top.sldasm", "lock", nil, "")
	fake.seed("team/.cadsync-upload-1", "partial", nil, "")
	fake.seed("other/outside.prt", "outside", nil, "")

	files, err := p.List(context.Background())
	require.NoError(t, err)

	got := map[string]string{}
	var order []string
	for _, f := range files {
		got[f.Path] = f.Hash
		order = append(order, f.Path)
	}
	assert.Equal(t, []string{"asm/top.sldasm", "bolt.step", "legacy.dwg", "multipart.prt"}, order)
	assert.Equal(t, hasher.Bytes([]byte("top")), got["asm/top.sldasm"])
	assert.Equal(t, hasher.Bytes([]byte("bolt")), got["bolt.step"])
	assert.Equal(t, hasher.Bytes([]byte("legacy")), got["legacy.dwg"])
	assert.Equal(t, hasher.Bytes([]byte("multi")), got["multipart.prt"])
	// legacy.dwg and the multipart object had no usable digest
	assert.Equal(t, 2, fake.gets)
}

func TestList_ReusesHashesByETag(t *testing.T) {
	p, fake := newTestProvider(t)
	fake.seed("team/a.prt", "a", nil, "")
	fake.seed("team/b.prt", "b", nil, checksumOf("b"))

	_, err := p.List(context.Background())
	require.NoError(t, err)
	heads, gets := fake.heads, fake.gets

	files, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, heads, fake.heads)
	assert.Equal(t, gets, fake.gets)

	// new content means a new ETag
	fake.seed("team/a.prt", "a2", nil, "")
	files, err = p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hasher.Bytes([]byte("a2")), files[0].Hash)
}

func TestList_UnreachableIsUnavailable(t *testing.T) {
	p, fake := newTestProvider(t)
	fake.listErr = errors.New("dial tcp: connection refused")

	_, err := p.List(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsUnavailable(err))
}

func TestStoreFetchRemove(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()
	sum := hasher.Bytes([]byte("flange rev A"))

	fi, err := p.Store(ctx, "parts/flange.sldprt", strings.NewReader("flange rev A"), sum)
	require.NoError(t, err)
	assert.Equal(t, "parts/flange.sldprt", fi.Path)
	assert.Equal(t, sum, fi.Hash)
	assert.EqualValues(t, len("flange rev A"), fi.Size)

	content, ok := fake.content("team/parts/flange.sldprt")
	require.True(t, ok)
	assert.Equal(t, "flange rev A", content)
	assert.Equal(t, sum, fake.objects["team/parts/flange.sldprt"].metadata[metaSHA256])

	rc, err := p.Fetch(ctx, "parts/flange.sldprt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "flange rev A", string(data))

	ok, err = p.Exists(ctx, "parts/flange.sldprt")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Remove(ctx, "parts/flange.sldprt"))
	ok, err = p.Exists(ctx, "parts/flange.sldprt")
	require.NoError(t, err)
	assert.False(t, ok)

	err = p.Remove(ctx, "parts/flange.sldprt")
	assert.True(t, provider.IsNotFound(err))
	_, err = p.Fetch(ctx, "parts/flange.sldprt")
	assert.True(t, provider.IsNotFound(err))
}

func TestStore_UploadedHashIsCached(t *testing.T) {
	p, fake := newTestProvider(t)
	_, err := p.Store(context.Background(), "a.prt", strings.NewReader("a"), "")
	require.NoError(t, err)
	heads := fake.heads

	files, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, heads, fake.heads)
}

func TestStore_HashMismatchIsNotUploaded(t *testing.T) {
	p, fake := newTestProvider(t)
	_, err := p.Store(context.Background(), "a.prt", strings.NewReader("actual"), hasher.Bytes([]byte("expected")))
	assert.ErrorIs(t, err, provider.ErrHashMismatch)
	assert.Zero(t, fake.puts)
}

func TestStore_NonSeekableAndOffsetReaders(t *testing.T) {
	p, fake := newTestProvider(t)
	ctx := context.Background()

	_, err := p.Store(ctx, "spooled.prt", io.MultiReader(strings.NewReader("spo"), strings.NewReader("oled")), hasher.Bytes([]byte("spooled")))
	require.NoError(t, err)
	content, _ := fake.content("team/spooled.prt")
	assert.Equal(t, "spooled", content)

	r := strings.NewReader("xxpayload")
	_, err = r.Seek(2, io.SeekStart)
	require.NoError(t, err)
	_, err = p.Store(ctx, "offset.prt", r, hasher.Bytes([]byte("payload")))
	require.NoError(t, err)
	content, _ = fake.content("team/offset.prt")
	assert.Equal(t, "payload", content)
}

func TestStore_RejectedByStore(t *testing.T) {
	p, fake := newTestProvider(t)
	fake.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}

	_, err := p.Store(context.Background(), "a.prt", strings.NewReader("a"), "")
	assert.ErrorIs(t, err, provider.ErrPermissionDenied)
}

func TestMapErr(t *testing.T) {
	api := func(code string) error {
		return fmt.Errorf("operation error S3: %w", &smithy.GenericAPIError{Code: code})
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"network", errors.New("dial tcp: i/o timeout"), provider.ErrUnavailable},
		{"no such key", api("NoSuchKey"), provider.ErrNotFound},
		{"head not found", api("NotFound"), provider.ErrNotFound},
		{"access denied", api("AccessDenied"), provider.ErrPermissionDenied},
		{"bad key", api("InvalidAccessKeyId"), provider.ErrPermissionDenied},
		{"bad digest", api("BadDigest"), provider.ErrHashMismatch},
		{"throttled", api("SlowDown"), provider.ErrUnavailable},
		{"no bucket", api("NoSuchBucket"), provider.ErrUnavailable},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapErr(tt.err), tt.want)
		})
	}

	other := mapErr(api("InvalidArgument"))
	assert.False(t, provider.IsUnavailable(other))
	assert.False(t, provider.IsNotFound(other))
	assert.Nil(t, mapErr(nil))
}

func TestHashFromHead(t *testing.T) {
	sum := hasher.Bytes([]byte("x"))
	tests := []struct {
		name string
		head *s3.HeadObjectOutput
		want string
	}{
		{"metadata", &s3.HeadObjectOutput{Metadata: map[string]string{metaSHA256: strings.ToUpper(sum)}}, sum},
		{"checksum", &s3.HeadObjectOutput{ChecksumSHA256: aws.String(checksumOf("x"))}, sum},
		{"composite", &s3.HeadObjectOutput{ChecksumSHA256: aws.String(checksumOf("x") + "-2")}, ""},
		{"bad metadata", &s3.HeadObjectOutput{Metadata: map[string]string{metaSHA256: "nope"}}, ""},
		{"nothing", &s3.HeadObjectOutput{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hashFromHead(tt.head))
		})
	}
}
