package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeS3 is a path-style bucket store: PUT and HEAD on /{bucket}/{key}.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	failPuts int
	puts     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		f.puts++
		if f.puts <= f.failPuts {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`<Error><Code>InternalError</Code><Message>try again</Message></Error>`))
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"abc"`)
	case http.MethodHead:
		if _, ok := f.objects[r.URL.Path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T, f *fakeS3, publicURL string) *S3Publisher {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := NewS3Publisher(context.Background(), S3Config{
		Bucket:        "renders",
		AccessKey:     "ak",
		SecretKey:     "sk",
		Endpoint:      srv.URL,
		Region:        "auto",
		PublicURL:     publicURL,
		UploadTimeout: 30 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func TestS3Publisher_PresignedURL(t *testing.T) {
	f := newFakeS3()
	p := newTestS3(t, f, "")

	u, err := p.Publish(context.Background(), "outputs/job-1/image_gen_0.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)

	assert.Equal(t, []byte("png-bytes"), f.objects["/renders/outputs/job-1/image_gen_0.png"])
	assert.Equal(t, "image/png", f.types["/renders/outputs/job-1/image_gen_0.png"])

	parsed, err := url.Parse(u)
	require.NoError(t, err)
	assert.Equal(t, "/renders/outputs/job-1/image_gen_0.png", parsed.Path)
	assert.Equal(t, "86400", parsed.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, parsed.Query().Get("X-Amz-Signature"))
}

func TestS3Publisher_PublicURL(t *testing.T) {
	f := newFakeS3()
	p := newTestS3(t, f, "https://cdn.example.com/")

	u, err := p.Publish(context.Background(), "outputs/job-2/face_swap_0.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/outputs/job-2/face_swap_0.png", u)
}

func TestS3Publisher_RetriesTransientFailures(t *testing.T) {
	f := newFakeS3()
	f.failPuts = 1
	p := newTestS3(t, f, "https://cdn.example.com")

	_, err := p.Publish(context.Background(), "outputs/job-3/image_gen_0.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.puts)
}

func TestS3Publisher_Failure(t *testing.T) {
	f := newFakeS3()
	f.failPuts = 10
	p := newTestS3(t, f, "")

	_, err := p.Publish(context.Background(), "outputs/job-4/image_gen_0.png", "image/png", []byte("x"))
	require.Error(t, err)
	assert.True(t, job.IsKind(err, job.KindStorage))
	assert.Equal(t, maxAttempts, f.puts)
}

func TestS3Publisher_Exists(t *testing.T) {
	f := newFakeS3()
	p := newTestS3(t, f, "")

	ok, err := p.Exists(context.Background(), "outputs/none.png")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.Publish(context.Background(), "outputs/some.png", "image/png", []byte("x"))
	require.NoError(t, err)
	ok, err = p.Exists(context.Background(), "outputs/some.png")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalPublisher(t *testing.T) {
	dir := t.TempDir()
	p := NewLocalPublisher(dir)

	u, err := p.Publish(context.Background(), "outputs/job-1/image_gen_0.png", "image/png", []byte("png"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(u, "file://"))

	data, err := os.ReadFile(strings.TrimPrefix(u, "file://"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	// keys cannot escape the root
	u, err = p.Publish(context.Background(), "../../escape.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Contains(t, u, dir)
}

func TestLocalPublisher_Exists(t *testing.T) {
	p := NewLocalPublisher(t.TempDir())
	var _ Checker = p

	ok, err := p.Exists(context.Background(), "outputs/job-1/image_gen_0.png")
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := p.Publish(context.Background(), "outputs/job-1/image_gen_0.png", "image/png", []byte("png"))
	require.NoError(t, err)
	key, found := KeyFromURL(u)
	require.True(t, found)
	assert.Equal(t, "outputs/job-1/image_gen_0.png", key)

	ok, err = p.Exists(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyFromURL(t *testing.T) {
	key, ok := KeyFromURL("https://bucket.s3.example.com/outputs/job-1/image_gen_0.png?X-Amz-Signature=abc")
	assert.True(t, ok)
	assert.Equal(t, "outputs/job-1/image_gen_0.png", key)

	key, ok = KeyFromURL("https://cdn.example.com/outputs/job-2/face_swap_0.png")
	assert.True(t, ok)
	assert.Equal(t, "outputs/job-2/face_swap_0.png", key)

	_, ok = KeyFromURL("https://cdn.example.com/other.png")
	assert.False(t, ok)
}

func TestArtifactKey(t *testing.T) {
	assert.Equal(t, "outputs/job-1/image_gen_0.png", ArtifactKey("job-1", job.OperationImageGen, 0, "image/png"))
	assert.Equal(t, "outputs/job-1/face_swap_2.jpg", ArtifactKey("job-1", job.OperationFaceSwap, 2, "image/jpeg"))
	assert.Equal(t, "outputs/job-1/image_gen_1.png", ArtifactKey("job-1", job.OperationImageGen, 1, "application/x-unknown-thing"))
}

func TestNew(t *testing.T) {
	p, err := New(context.Background(), config.StorageConfig{Backend: config.StorageLocal, LocalDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalPublisher{}, p)

	_, err = New(context.Background(), config.StorageConfig{Backend: "gcs"}, nil)
	assert.True(t, job.IsKind(err, job.KindConfiguration))
}
