package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/richinsley/comfyworker/job"
	"github.com/spf13/viper"
)

type binding struct {
	key   string
	env   string
	value interface{}
}

// every key has a default so that viper.Unmarshal sees env-only values
var bindings = []binding{
	{"comfyui.host", "COMFYUI_HOST", "127.0.0.1"},
	{"comfyui.port", "COMFYUI_PORT", 8188},
	{"comfyui.path", "COMFYUI_PATH", "/opt/comfyui"},
	{"comfyui.external", "COMFYUI_EXTERNAL", false},
	{"comfyui.execution_timeout", "EXECUTION_TIMEOUT", "300s"},
	{"comfyui.startup_timeout", "STARTUP_TIMEOUT", "120s"},

	{"workflow.dir", "WORKFLOW_DIR", ""},

	{"storage.backend", "STORAGE_BACKEND", "s3"},
	{"storage.bucket", "S3_BUCKET", ""},
	{"storage.access_key", "S3_ACCESS_KEY", ""},
	{"storage.secret_key", "S3_SECRET_KEY", ""},
	{"storage.endpoint", "S3_ENDPOINT", ""},
	{"storage.region", "S3_REGION", "auto"},
	{"storage.public_url", "S3_PUBLIC_URL", ""},
	{"storage.upload_timeout", "S3_UPLOAD_TIMEOUT", "60s"},
	{"storage.presign_expiry", "S3_PRESIGN_EXPIRY", "24h"},
	{"storage.local_dir", "LOCAL_ARTIFACTS_DIR", "./artifacts"},

	{"runpod.api_key", "RUNPOD_API_KEY", ""},
	{"runpod.api_base", "RUNPOD_API_BASE", "https://api.runpod.io"},
	{"runpod.webhook_get_job", "RUNPOD_WEBHOOK_GET_JOB", ""},
	{"runpod.webhook_post_output", "RUNPOD_WEBHOOK_POST_OUTPUT", ""},
	{"runpod.ai_api_key", "RUNPOD_AI_API_KEY", ""},
	{"runpod.pod_id", "RUNPOD_POD_ID", ""},

	{"endpoint.docker_image", "DOCKER_IMAGE", ""},
	{"endpoint.name", "ENDPOINT_NAME", "comfyui-serverless"},
	{"endpoint.gpu_type", "GPU_TYPE", "ADA_24"},
	{"endpoint.min_workers", "MIN_WORKERS", 0},
	{"endpoint.max_workers", "MAX_WORKERS", 3},
	{"endpoint.idle_timeout", "IDLE_TIMEOUT", 60},
	{"endpoint.volume_in_gb", "VOLUME_IN_GB", 0},
	{"endpoint.container_disk_in_gb", "CONTAINER_DISK_IN_GB", 20},

	{"logging.level", "LOG_LEVEL", "info"},
	{"logging.format", "LOG_FORMAT", "json"},

	{"metrics.addr", "METRICS_ADDR", ""},

	{"tracing.enabled", "OTEL_ENABLED", false},
	{"tracing.service_name", "OTEL_SERVICE_NAME", "comfyworker"},
	{"tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", ""},
	{"tracing.insecure", "OTEL_EXPORTER_OTLP_INSECURE", false},
	{"tracing.sample_ratio", "OTEL_TRACES_SAMPLER_ARG", 1.0},

	{"redis.addr", "REDIS_ADDR", ""},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},
	{"redis.ttl", "REDIS_JOB_TTL", "24h"},
}

// Load reads .env (if present), an optional config.yaml and the environment, in increasing
// order of precedence.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/comfyworker")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, job.WrapConfigurationError("reading config file", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for _, b := range bindings {
		v.SetDefault(b.key, b.value)
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, job.WrapConfigurationError(fmt.Sprintf("binding %s", b.env), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, job.WrapConfigurationError("decoding configuration", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}
	// existing environment variables win over .env entries
	_ = godotenv.Load(".env")
}
