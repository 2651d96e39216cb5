// Package provision creates serverless endpoints through the platform's control-plane API.
// It keeps no state: every CreateEndpoint call creates a new endpoint.
package provision

import (
	"strconv"

	"github.com/richinsley/comfyworker/config"
	"github.com/richinsley/comfyworker/job"
)

// EndpointConfig is the endpoint definition submitted to the platform.
type EndpointConfig struct {
	Name               string            `json:"name"`
	ImageReference     string            `json:"dockerImage"`
	GPUClass           string            `json:"gpuIds"`
	MinWorkers         int               `json:"workersMin"`
	MaxWorkers         int               `json:"workersMax"`
	IdleTimeoutSeconds int               `json:"idleTimeout"`
	Env                map[string]string `json:"env"`
	VolumeInGB         int               `json:"volumeInGb"`
	ContainerDiskInGB  int               `json:"containerDiskInGb"`
}

// FromConfig builds the endpoint definition. The worker's storage settings are injected
// into the endpoint environment; empty values are left out.
func FromConfig(cfg *config.Config) (*EndpointConfig, error) {
	if cfg.RunPod.APIKey == "" {
		return nil, job.NewConfigurationError("RUNPOD_API_KEY not set")
	}
	if cfg.Endpoint.DockerImage == "" {
		return nil, job.NewConfigurationError("DOCKER_IMAGE not set")
	}

	ec := &EndpointConfig{
		Name:               cfg.Endpoint.Name,
		ImageReference:     cfg.Endpoint.DockerImage,
		GPUClass:           cfg.Endpoint.GPUType,
		MinWorkers:         cfg.Endpoint.MinWorkers,
		MaxWorkers:         cfg.Endpoint.MaxWorkers,
		IdleTimeoutSeconds: cfg.Endpoint.IdleTimeout,
		VolumeInGB:         cfg.Endpoint.VolumeInGB,
		ContainerDiskInGB:  cfg.Endpoint.ContainerDiskInGB,
		Env:                map[string]string{},
	}

	env := map[string]string{
		"S3_BUCKET":     cfg.Storage.Bucket,
		"S3_ACCESS_KEY": cfg.Storage.AccessKey,
		"S3_SECRET_KEY": cfg.Storage.SecretKey,
		"S3_ENDPOINT":   cfg.Storage.Endpoint,
		"S3_REGION":     cfg.Storage.Region,
		"S3_PUBLIC_URL": cfg.Storage.PublicURL,
		"LOG_LEVEL":     cfg.Logging.Level,
	}
	if cfg.ComfyUI.Port > 0 {
		env["COMFYUI_PORT"] = strconv.Itoa(cfg.ComfyUI.Port)
	}
	for k, v := range env {
		if v != "" {
			ec.Env[k] = v
		}
	}

	if err := ec.Validate(); err != nil {
		return nil, err
	}
	return ec, nil
}

// Validate checks the scaling bounds.
func (ec *EndpointConfig) Validate() error {
	switch {
	case ec.Name == "":
		return job.NewConfigurationError("endpoint name is empty")
	case ec.GPUClass == "":
		return job.NewConfigurationError("GPU_TYPE is empty")
	case ec.MinWorkers < 0:
		return job.NewConfigurationError("MIN_WORKERS must be >= 0, got %d", ec.MinWorkers)
	case ec.MaxWorkers < 1:
		return job.NewConfigurationError("MAX_WORKERS must be >= 1, got %d", ec.MaxWorkers)
	case ec.MinWorkers > ec.MaxWorkers:
		return job.NewConfigurationError("MIN_WORKERS (%d) exceeds MAX_WORKERS (%d)", ec.MinWorkers, ec.MaxWorkers)
	case ec.IdleTimeoutSeconds < 0:
		return job.NewConfigurationError("IDLE_TIMEOUT must be >= 0, got %d", ec.IdleTimeoutSeconds)
	}
	return nil
}
