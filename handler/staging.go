package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/richinsley/comfyworker/client"
	"github.com/richinsley/comfyworker/graphapi"
	"github.com/richinsley/comfyworker/job"
	"github.com/richinsley/comfyworker/workflow"
	"go.uber.org/zap"
)

const (
	DefaultFetchTimeout = 60 * time.Second
	maxImageBytes       = 50 << 20
)

// Fetcher downloads input images referenced by a job.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxImageBytes}
}

// Fetch resolves an http(s) URL or a data: URI to image bytes and their content type.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, *mimetype.MIME, error) {
	var data []byte
	var err error
	switch {
	case strings.HasPrefix(ref, "data:"):
		data, err = decodeDataURI(ref)
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		data, err = f.get(ctx, ref)
	default:
		err = fmt.Errorf("unsupported image reference, expected an http(s) URL or data URI")
	}
	if err != nil {
		return nil, nil, err
	}

	m := mimetype.Detect(data)
	if !strings.HasPrefix(m.String(), "image/") {
		return nil, nil, fmt.Errorf("content is %s, not an image", m.String())
	}
	return data, m, nil
}

func (f *Fetcher) get(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image larger than %d bytes", f.maxBytes)
	}
	return data, nil
}

func decodeDataURI(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URI")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	s, err := url.PathUnescape(payload)
	return []byte(s), err
}

// stagedName is the engine-side filename of an input image: {slot}_{fnv32(ref)}{ext}
func stagedName(slot string, ref string, m *mimetype.MIME) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ref))
	return fmt.Sprintf("%s_%08x%s", slot, h.Sum32(), m.Extension())
}

// stageInputs fetches every image slot of w, uploads it to the engine and points the
// slot's targets at the uploaded file.
func (d *Dispatcher) stageInputs(ctx context.Context, op job.Operation, w graphapi.Workflow, logger *zap.Logger) error {
	slots, err := d.injector.ImageSlots(op)
	if err != nil {
		return err
	}
	for _, sl := range slots {
		if err := d.stageSlot(ctx, sl, w, logger); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) stageSlot(ctx context.Context, sl *workflow.Slot, w graphapi.Workflow, logger *zap.Logger) error {
	first := sl.Targets[0]
	v, _ := w.Input(first.Node, first.Input)
	ref, ok := v.(string)
	if !ok || ref == "" {
		return job.NewValidationError("%s: expected an image reference", sl.Name)
	}

	data, m, err := d.fetcher.Fetch(ctx, ref)
	if err != nil {
		return job.NewValidationError("could not fetch %s: %v", sl.Name, err)
	}

	name := stagedName(sl.Name, ref, m)
	uploaded, err := d.engine.UploadFileFromReader(ctx, bytes.NewReader(data), name, true, client.InputImageType, "")
	if err != nil {
		return job.NewEngineError(fmt.Sprintf("uploading %s to ComfyUI", sl.Name), err)
	}
	for _, t := range sl.Targets {
		if err := w.SetInput(t.Node, t.Input, uploaded); err != nil {
			return job.WrapConfigurationError(fmt.Sprintf("slot %s", sl.Name), err)
		}
	}
	logger.Debug("staged input image",
		zap.String("slot", sl.Name),
		zap.String("name", uploaded),
		zap.String("content_type", m.String()),
		zap.Int("bytes", len(data)),
	)
	return nil
}
