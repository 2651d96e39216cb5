package workflow

import (
	"testing"
	"testing/fstest"

	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInjector(t *testing.T) *Injector {
	t.Helper()
	store, err := LoadStore(Embedded())
	require.NoError(t, err)
	return NewInjector(store).WithSeedSource(func() int64 { return 1234 })
}

func TestLoadStore_Embedded(t *testing.T) {
	store, err := LoadStore(Embedded())
	require.NoError(t, err)

	s, err := store.Schema(job.OperationImageGen)
	require.NoError(t, err)
	assert.Equal(t, []string{"prompt"}, s.Required())
	assert.Equal(t, SlotInt, s.Slot("seed").Type)

	s, err = store.Schema(job.OperationFaceSwap)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"source_image", "target_image"}, s.Required())
}

func TestInject_ImageGenScenario(t *testing.T) {
	inj := newTestInjector(t)
	params := map[string]interface{}{
		"prompt":    "Modern luxury kitchen with marble countertops, warm natural lighting",
		"width":     1280,
		"height":    720,
		"seed":      42,
		"steps":     25,
		"cfg_scale": 7.5,
	}

	w, err := inj.Inject(job.OperationImageGen, params)
	require.NoError(t, err)

	text, _ := w.Input("3", "text")
	assert.Equal(t, params["prompt"], text)
	seed, _ := w.Input("6", "seed")
	assert.EqualValues(t, 42, seed)
	cfg, _ := w.Input("6", "cfg")
	assert.Equal(t, 7.5, cfg)
	negative, _ := w.Input("4", "text")
	assert.Equal(t, "blurry, low quality, watermark, text", negative)
}

func TestInject_NoUnresolvedSlots(t *testing.T) {
	inj := newTestInjector(t)
	requests := []map[string]interface{}{
		{"prompt": "a"},
		{"prompt": "b", "width": 512, "height": 512},
		{"prompt": "c", "negative_prompt": "people", "seed": 0, "steps": 1, "cfg_scale": 0},
	}
	for _, params := range requests {
		resolved, err := inj.Resolve(job.OperationImageGen, params)
		require.NoError(t, err)

		w, err := inj.Inject(job.OperationImageGen, params)
		require.NoError(t, err)

		back, err := inj.Readback(job.OperationImageGen, w)
		require.NoError(t, err)
		schema, _ := inj.Store().Schema(job.OperationImageGen)
		assert.Len(t, back, len(schema.Slots))
		for name, v := range resolved {
			assert.EqualValues(t, v, back[name], "slot %s", name)
		}
	}
}

func TestInject_RoundTrip(t *testing.T) {
	inj := newTestInjector(t)
	tests := []struct {
		op     job.Operation
		params map[string]interface{}
	}{
		{
			op: job.OperationImageGen,
			params: map[string]interface{}{
				"prompt": "p", "negative_prompt": "n", "width": 1024, "height": 768,
				"seed": 99, "steps": 30, "cfg_scale": 3.5, "not_a_slot": "ignored",
			},
		},
		{
			op: job.OperationFaceSwap,
			params: map[string]interface{}{
				"source_image": "https://example.com/agent-headshot.jpg",
				"target_image": "https://example.com/generated-presenter.png",
				"face_index":   2,
				"restore_face": false,
			},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			w, err := inj.Inject(tt.op, tt.params)
			require.NoError(t, err)
			back, err := inj.Readback(tt.op, w)
			require.NoError(t, err)

			schema, _ := inj.Store().Schema(tt.op)
			for k, v := range tt.params {
				if schema.Slot(k) == nil {
					assert.NotContains(t, back, k)
					continue
				}
				assert.EqualValues(t, v, back[k], "slot %s", k)
			}
		})
	}
}

func TestInject_FaceSwapRendering(t *testing.T) {
	inj := newTestInjector(t)
	w, err := inj.Inject(job.OperationFaceSwap, map[string]interface{}{
		"source_image": "https://example.com/a.jpg",
		"target_image": "https://example.com/b.png",
		"face_index":   1,
		"restore_face": false,
	})
	require.NoError(t, err)

	idx, _ := w.Input("10", "input_faces_index")
	assert.Equal(t, "1", idx)
	model, _ := w.Input("10", "face_restore_model")
	assert.Equal(t, "none", model)
	src, _ := w.Input("1", "image")
	assert.Equal(t, "https://example.com/a.jpg", src)

	w, err = inj.Inject(job.OperationFaceSwap, map[string]interface{}{
		"source_image": "https://example.com/a.jpg",
		"target_image": "https://example.com/b.png",
	})
	require.NoError(t, err)
	model, _ = w.Input("10", "face_restore_model")
	assert.Equal(t, "codeformer-v0.1.0.pth", model)
	idx, _ = w.Input("10", "input_faces_index")
	assert.Equal(t, "0", idx)
}

func TestInject_GeneratedSeed(t *testing.T) {
	inj := newTestInjector(t)
	w, err := inj.Inject(job.OperationImageGen, map[string]interface{}{"prompt": "x"})
	require.NoError(t, err)
	seed, _ := w.Input("6", "seed")
	assert.EqualValues(t, 1234, seed)
}

func TestInject_MissingRequired(t *testing.T) {
	inj := newTestInjector(t)
	tests := []struct {
		name    string
		op      job.Operation
		params  map[string]interface{}
		wantMsg string
	}{
		{
			name: "face swap without target",
			op:   job.OperationFaceSwap,
			params: map[string]interface{}{
				"source_image": "https://example.com/a.jpg",
				"face_index":   0,
				"restore_face": true,
			},
			wantMsg: "face_swap requires 'target_image' field",
		},
		{
			name:    "face swap without images",
			op:      job.OperationFaceSwap,
			params:  map[string]interface{}{},
			wantMsg: "face_swap requires 'source_image', 'target_image' fields",
		},
		{
			name:    "empty prompt",
			op:      job.OperationImageGen,
			params:  map[string]interface{}{"prompt": "   "},
			wantMsg: "image_gen requires 'prompt' field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inj.Inject(tt.op, tt.params)
			require.Error(t, err)
			assert.True(t, job.IsKind(err, job.KindValidation))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestInject_Coercion(t *testing.T) {
	inj := newTestInjector(t)
	w, err := inj.Inject(job.OperationImageGen, map[string]interface{}{
		"prompt":    "p",
		"width":     "1024",
		"height":    float64(576),
		"cfg_scale": "6.5",
		"steps":     int64(12),
	})
	require.NoError(t, err)

	width, _ := w.Input("5", "width")
	assert.Equal(t, int64(1024), width)
	height, _ := w.Input("5", "height")
	assert.Equal(t, int64(576), height)
	cfg, _ := w.Input("6", "cfg")
	assert.Equal(t, 6.5, cfg)
	steps, _ := w.Input("6", "steps")
	assert.Equal(t, int64(12), steps)

	w, err = inj.Inject(job.OperationFaceSwap, map[string]interface{}{
		"source_image": "https://a", "target_image": "https://b", "restore_face": "false",
	})
	require.NoError(t, err)
	model, _ := w.Input("10", "face_restore_model")
	assert.Equal(t, "none", model)
}

func TestInject_InvalidValues(t *testing.T) {
	inj := newTestInjector(t)
	tests := []struct {
		name    string
		params  map[string]interface{}
		wantMsg string
	}{
		{"width not a number", map[string]interface{}{"prompt": "p", "width": "wide"}, "width"},
		{"fractional steps", map[string]interface{}{"prompt": "p", "steps": 2.5}, "steps"},
		{"width below minimum", map[string]interface{}{"prompt": "p", "width": 8}, "width"},
		{"cfg above maximum", map[string]interface{}{"prompt": "p", "cfg_scale": 99}, "cfg_scale"},
		{"prompt not a string", map[string]interface{}{"prompt": []string{"a"}}, "prompt"},
		{"seed beyond float precision", map[string]interface{}{"prompt": "p", "seed": 1e19}, "seed: 1e+19 is out of range"},
		{"negative seed beyond float precision", map[string]interface{}{"prompt": "p", "seed": -1e19}, "seed: -1e+19 is out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := inj.Inject(job.OperationImageGen, tt.params)
			require.Error(t, err)
			assert.True(t, job.IsKind(err, job.KindValidation))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestInject_TemplateIsNotShared(t *testing.T) {
	inj := newTestInjector(t)
	_, err := inj.Inject(job.OperationImageGen, map[string]interface{}{"prompt": "first"})
	require.NoError(t, err)

	tmpl, _, err := inj.Store().Template(job.OperationImageGen)
	require.NoError(t, err)
	text, _ := tmpl.Input("3", "text")
	assert.Equal(t, "", text)
}

const testTemplate = `{
  "1": {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["2", 1]}},
  "2": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "m.safetensors"}}
}`

func testFS(manifest string) fstest.MapFS {
	return fstest.MapFS{
		"manifest.yaml": {Data: []byte(manifest)},
		"t.json":        {Data: []byte(testTemplate)},
	}
}

func TestLoadStore_RejectsBadManifests(t *testing.T) {
	faceSwap := `
  face_swap:
    template: t.json
    slots:
      source_image: {type: image, required: true, targets: [{node: "1", input: text}]}
`
	tests := []struct {
		name     string
		manifest string
		wantMsg  string
	}{
		{
			name: "unresolvable slot",
			manifest: `operations:
  image_gen:
    template: t.json
    slots:
      prompt: {type: string, targets: [{node: "1", input: text}]}
` + faceSwap,
			wantMsg: "unresolvable",
		},
		{
			name: "unknown node",
			manifest: `operations:
  image_gen:
    template: t.json
    slots:
      prompt: {type: string, required: true, targets: [{node: "9", input: text}]}
` + faceSwap,
			wantMsg: "node 9 not in template",
		},
		{
			name: "link input",
			manifest: `operations:
  image_gen:
    template: t.json
    slots:
      prompt: {type: string, required: true, targets: [{node: "1", input: clip}]}
` + faceSwap,
			wantMsg: "is a link",
		},
		{
			name: "missing operation",
			manifest: `operations:
  image_gen:
    template: t.json
    slots:
      prompt: {type: string, required: true, targets: [{node: "1", input: text}]}
`,
			wantMsg: "no template for operation face_swap",
		},
		{
			name: "bad default",
			manifest: `operations:
  image_gen:
    template: t.json
    slots:
      prompt: {type: int, default: "many", targets: [{node: "1", input: text}]}
` + faceSwap,
			wantMsg: "default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStore(testFS(tt.manifest))
			require.Error(t, err)
			assert.True(t, job.IsKind(err, job.KindConfiguration))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestStore_Verify(t *testing.T) {
	store, err := LoadStore(Embedded())
	require.NoError(t, err)

	// declare exactly what the templates use
	objects := &graphapi.NodeObjects{Objects: map[string]*graphapi.NodeObject{}}
	for _, op := range job.Operations {
		tmpl, _, err := store.Template(op)
		require.NoError(t, err)
		for _, node := range tmpl {
			obj, ok := objects.Objects[node.ClassType]
			if !ok {
				obj = &graphapi.NodeObject{Name: node.ClassType, Input: &graphapi.NodeObjectInput{Required: map[string]interface{}{}}}
				objects.Objects[node.ClassType] = obj
			}
			for name := range node.Inputs {
				obj.Input.Required[name] = []interface{}{"ANY"}
			}
		}
	}
	require.NoError(t, store.Verify(objects))

	delete(objects.Objects, "ReActorFaceSwap")
	err = store.Verify(objects)
	require.Error(t, err)
	assert.True(t, job.IsKind(err, job.KindConfiguration))
	assert.Contains(t, err.Error(), "template face_swap")
	assert.Contains(t, err.Error(), "ReActorFaceSwap is not installed")
}
