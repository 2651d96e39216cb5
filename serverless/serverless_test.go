package serverless

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richinsley/comfyworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, id string, input map[string]interface{}) job.Result {
		if input["fail"] == true {
			return job.Failed(id, job.OperationImageGen, job.NewEngineError("ComfyUI execution failed", nil))
		}
		return job.Succeeded(id, job.OperationImageGen, []string{"https://cdn.example.com/" + id + ".png"})
	})
}

type posted struct {
	path  string
	query string
	auth  string
	body  map[string]interface{}
}

// fakePlatform hands out the queued jobs once and records every job-done post.
type fakePlatform struct {
	mu        sync.Mutex
	jobs      []string
	posts     []posted
	takes     atomic.Int32
	failPosts int
}

func (f *fakePlatform) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/job-take/", func(w http.ResponseWriter, r *http.Request) {
		f.takes.Add(1)
		assert.Equal(t, "/job-take/pod-1", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("job_in_progress"))
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.jobs) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body := f.jobs[0]
		f.jobs = f.jobs[1:]
		w.Write([]byte(body))
	})
	mux.HandleFunc("/job-done/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failPosts > 0 {
			f.failPosts--
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.posts = append(f.posts, posted{
			path:  r.URL.Path,
			query: r.URL.RawQuery,
			auth:  r.Header.Get("Authorization"),
			body:  body,
		})
	})
	return mux
}

func (f *fakePlatform) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func runPlatform(t *testing.T, f *fakePlatform, want int) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	defer srv.Close()

	r := NewRunner(RunnerConfig{
		GetJobURL:         srv.URL + "/job-take/$ID",
		PostOutputURL:     srv.URL + "/job-done/$RUNPOD_POD_ID/$ID",
		APIKey:            "secret",
		PodID:             "pod-1",
		PollInterval:      10 * time.Millisecond,
		DeliveryBaseDelay: time.Millisecond,
	}, echoHandler(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return f.postCount() >= want }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_DeliversResults(t *testing.T) {
	f := &fakePlatform{jobs: []string{
		`{"id": "job-a", "input": {"workflow_type": "image_gen"}}`,
		`[{"id": "job-b", "input": {"fail": true}}]`,
	}}
	runPlatform(t, f, 2)

	require.Len(t, f.posts, 2)
	ok := f.posts[0]
	assert.Equal(t, "/job-done/pod-1/job-a", ok.path)
	assert.Equal(t, "isStream=false", ok.query)
	assert.Equal(t, "secret", ok.auth)
	assert.NotContains(t, ok.body, "error")
	output := ok.body["output"].(map[string]interface{})
	assert.Equal(t, "success", output["status"])
	assert.Equal(t, "https://cdn.example.com/job-a.png", output["artifact_url"])

	failed := f.posts[1]
	assert.Equal(t, "/job-done/pod-1/job-b", failed.path)
	assert.Equal(t, "ComfyUI execution failed", failed.body["error"])
	assert.Equal(t, "failure", failed.body["output"].(map[string]interface{})["status"])
}

func TestRunner_RetriesDelivery(t *testing.T) {
	f := &fakePlatform{
		jobs:      []string{`{"id": "job-c", "input": {}}`},
		failPosts: 2,
	}
	runPlatform(t, f, 1)
	assert.Equal(t, "/job-done/pod-1/job-c", f.posts[0].path)
}

func TestDecodeJobs(t *testing.T) {
	jobs, err := decodeJobs([]byte("  "))
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = decodeJobs([]byte(`[{"id": "a", "input": {}}, {"input": {}}]`))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)

	_, err = decodeJobs([]byte(`{"id": 7}`))
	assert.Error(t, err)
}

func newTestAPI(t *testing.T, h Handler, queueSize int) (*LocalAPI, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	api := NewLocalAPI(h, NewMemoryStore(), nil, queueSize)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	api.Start(ctx)
	return api, api.Router()
}

func doJSON(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, JobRecord) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var rec JobRecord
	_ = json.Unmarshal(w.Body.Bytes(), &rec)
	return w, rec
}

func TestLocalAPI_RunSync(t *testing.T) {
	_, r := newTestAPI(t, echoHandler(), 0)

	w, rec := doJSON(t, r, http.MethodPost, "/runsync", `{"input": {"workflow_type": "image_gen"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, JobCompleted, rec.Status)
	require.NotNil(t, rec.Output)
	assert.Equal(t, job.StatusSuccess, rec.Output.Status)

	w, rec = doJSON(t, r, http.MethodPost, "/runsync", `{"input": {"fail": true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, JobFailed, rec.Status)
	assert.Equal(t, "ComfyUI execution failed", rec.Error)

	w, _ = doJSON(t, r, http.MethodPost, "/runsync", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLocalAPI_RunThenStatus(t *testing.T) {
	_, r := newTestAPI(t, echoHandler(), 0)

	w, rec := doJSON(t, r, http.MethodPost, "/run", `{"input": {}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, JobInQueue, rec.Status)
	require.NotEmpty(t, rec.ID)

	require.Eventually(t, func() bool {
		_, st := doJSON(t, r, http.MethodGet, "/status/"+rec.ID, "")
		return st.Status == JobCompleted
	}, 5*time.Second, 10*time.Millisecond)

	w, _ = doJSON(t, r, http.MethodGet, "/status/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLocalAPI_SerialAndQueueFull(t *testing.T) {
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	h := HandlerFunc(func(ctx context.Context, id string, input map[string]interface{}) job.Result {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		<-release
		running.Add(-1)
		return job.Succeeded(id, job.OperationImageGen, []string{"u"})
	})
	api, r := newTestAPI(t, h, 1)

	// first job occupies the worker, second fills the queue
	_, first := doJSON(t, r, http.MethodPost, "/run", `{"input": {}}`)
	require.Eventually(t, func() bool { return running.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	_, second := doJSON(t, r, http.MethodPost, "/run", `{"input": {}}`)
	require.Eventually(t, func() bool { return len(api.queue) == 1 }, 5*time.Second, 5*time.Millisecond)

	w, _ := doJSON(t, r, http.MethodPost, "/run", `{"input": {}}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	close(release)
	for _, id := range []string{first.ID, second.ID} {
		require.Eventually(t, func() bool {
			_, st := doJSON(t, r, http.MethodGet, "/status/"+id, "")
			return st.Status == JobCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestLocalAPI_RunSyncCallerGoneCancelsJob(t *testing.T) {
	started := make(chan struct{})
	handlerDone := make(chan struct{})
	h := HandlerFunc(func(ctx context.Context, id string, input map[string]interface{}) job.Result {
		close(started)
		defer close(handlerDone)
		select {
		case <-ctx.Done():
			return job.Failed(id, job.OperationImageGen, job.NewEngineError("job cancelled while waiting for ComfyUI", ctx.Err()))
		case <-time.After(10 * time.Second):
			return job.Succeeded(id, job.OperationImageGen, []string{"u"})
		}
	})
	api, r := newTestAPI(t, h, 0)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(`{"input": {}}`)).WithContext(reqCtx)
	req.Header.Set("Content-Type", "application/json")
	served := make(chan struct{})
	go func() {
		defer close(served)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancelReq()

	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context was not cancelled after the caller went away")
	}
	<-served

	store := api.store.(*MemoryStore)
	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		for _, rec := range store.records {
			if rec.Status == JobFailed && strings.HasPrefix(rec.Error, "job cancelled while waiting for ComfyUI") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLocalAPI_Health(t *testing.T) {
	_, r := newTestAPI(t, echoHandler(), 0)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
