package config

import (
	"strings"

	"github.com/richinsley/comfyworker/job"
)

const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// validate checks what every process needs regardless of its role.
func (c *Config) validate() error {
	if c.ComfyUI.Port <= 0 || c.ComfyUI.Port > 65535 {
		return job.NewConfigurationError("COMFYUI_PORT must be between 1 and 65535, got %d", c.ComfyUI.Port)
	}
	if c.ComfyUI.ExecutionTimeout <= 0 {
		return job.NewConfigurationError("EXECUTION_TIMEOUT must be positive")
	}
	if c.ComfyUI.StartupTimeout <= 0 {
		return job.NewConfigurationError("STARTUP_TIMEOUT must be positive")
	}
	switch c.Storage.Backend {
	case StorageS3, StorageLocal:
	default:
		return job.NewConfigurationError("STORAGE_BACKEND must be %q or %q, got %q", StorageS3, StorageLocal, c.Storage.Backend)
	}
	return nil
}

// ValidateHandler checks the settings the request handler needs to publish results.
func (c *Config) ValidateHandler() error {
	if c.Storage.Backend != StorageS3 {
		return nil
	}
	var missing []string
	for _, f := range []struct{ env, value string }{
		{"S3_BUCKET", c.Storage.Bucket},
		{"S3_ACCESS_KEY", c.Storage.AccessKey},
		{"S3_SECRET_KEY", c.Storage.SecretKey},
		{"S3_ENDPOINT", c.Storage.Endpoint},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.env)
		}
	}
	if len(missing) > 0 {
		return job.NewConfigurationError("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Storage.UploadTimeout <= 0 {
		return job.NewConfigurationError("S3_UPLOAD_TIMEOUT must be positive")
	}
	return nil
}

// ValidateRunner checks the webhooks the platform injects into a worker.
func (c *Config) ValidateRunner() error {
	var missing []string
	if c.RunPod.WebhookGetJob == "" {
		missing = append(missing, "RUNPOD_WEBHOOK_GET_JOB")
	}
	if c.RunPod.WebhookPostOutput == "" {
		missing = append(missing, "RUNPOD_WEBHOOK_POST_OUTPUT")
	}
	if len(missing) > 0 {
		return job.NewConfigurationError("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}
