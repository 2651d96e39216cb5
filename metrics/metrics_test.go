package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	before := testutil.ToFloat64(JobsTotal.WithLabelValues("image_gen", "success"))
	JobsTotal.WithLabelValues("image_gen", "success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues("image_gen", "success")))

	EngineQueueRemaining.Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(EngineQueueRemaining))
}

func TestHandler(t *testing.T) {
	StageDuration.WithLabelValues("face_swap", "generate").Observe(1.5)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "comfyworker_stage_duration_seconds")
}
