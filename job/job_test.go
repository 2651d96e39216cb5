package job

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]interface{}
		wantOp  Operation
		wantErr string
	}{
		{
			name:   "operation field",
			input:  map[string]interface{}{"operation": "image_gen", "prompt": "a kitchen"},
			wantOp: OperationImageGen,
		},
		{
			name:   "workflow_type alias",
			input:  map[string]interface{}{"workflow_type": "face_swap", "source_image": "https://x/a.png"},
			wantOp: OperationFaceSwap,
		},
		{
			name:    "missing operation",
			input:   map[string]interface{}{"prompt": "test"},
			wantErr: "workflow_type",
		},
		{
			name:    "unknown operation",
			input:   map[string]interface{}{"workflow_type": "nonexistent"},
			wantErr: "invalid workflow_type 'nonexistent'",
		},
		{
			name:    "operation not a string",
			input:   map[string]interface{}{"operation": 7},
			wantErr: "workflow_type",
		},
		{
			name:    "nil input",
			input:   nil,
			wantErr: "missing job input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest("job-1", tt.input)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, IsKind(err, KindValidation))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOp, req.Operation)
			assert.Equal(t, "job-1", req.ID)
			assert.NotContains(t, req.Params, "operation")
			assert.NotContains(t, req.Params, "workflow_type")
		})
	}
}

func TestParseRequest_PassesUnknownFieldsThrough(t *testing.T) {
	req, err := ParseRequest("j", map[string]interface{}{
		"operation": "image_gen",
		"prompt":    "p",
		"whatever":  true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, req.Params["whatever"])
	assert.Equal(t, "p", req.Params["prompt"])
}

func TestFailed_KeepsKind(t *testing.T) {
	res := Failed("j", OperationImageGen, NewStorageError("upload failed", errors.New("503")))
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, KindStorage, res.ErrorKind)
	assert.Equal(t, "upload failed: 503", res.Error)
	assert.False(t, res.Success())

	wrapped := fmt.Errorf("stage: %w", NewValidationError("missing required field: prompt"))
	res = Failed("j", OperationImageGen, wrapped)
	assert.Equal(t, KindValidation, res.ErrorKind)
	assert.Equal(t, "missing required field: prompt", res.Error)

	res = Failed("j", OperationImageGen, errors.New("boom"))
	assert.Equal(t, KindEngine, res.ErrorKind)
	assert.Equal(t, "boom", res.Error)
}

func TestSucceeded(t *testing.T) {
	res := Succeeded("j", OperationFaceSwap, []string{"https://a/0.png", "https://a/1.png"})
	assert.True(t, res.Success())
	assert.Equal(t, "https://a/0.png", res.ArtifactURL)
	assert.Len(t, res.OutputURLs, 2)
	assert.Empty(t, res.Error)
}
