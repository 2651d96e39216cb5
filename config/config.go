package config

import "time"

// Config is the process configuration. It is loaded once at startup and passed explicitly;
// nothing mutates it afterwards.
type Config struct {
	ComfyUI  ComfyUIConfig  `mapstructure:"comfyui"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Storage  StorageConfig  `mapstructure:"storage"`
	RunPod   RunPodConfig   `mapstructure:"runpod"`
	Endpoint EndpointConfig `mapstructure:"endpoint"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type ComfyUIConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	External         bool          `mapstructure:"external"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
}

type WorkflowConfig struct {
	// Dir overrides the embedded templates when set
	Dir string `mapstructure:"dir"`
}

// StorageConfig selects and configures the Result Publisher.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"` // s3 | local
	Bucket        string        `mapstructure:"bucket"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Endpoint      string        `mapstructure:"endpoint"`
	Region        string        `mapstructure:"region"`
	PublicURL     string        `mapstructure:"public_url"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
	LocalDir      string        `mapstructure:"local_dir"`
}

// RunPodConfig holds the platform settings: the control-plane credentials used by the
// provisioner and the worker webhooks the platform injects into each worker.
type RunPodConfig struct {
	APIKey            string `mapstructure:"api_key"`
	APIBase           string `mapstructure:"api_base"`
	WebhookGetJob     string `mapstructure:"webhook_get_job"`
	WebhookPostOutput string `mapstructure:"webhook_post_output"`
	AIAPIKey          string `mapstructure:"ai_api_key"`
	PodID             string `mapstructure:"pod_id"`
}

type EndpointConfig struct {
	DockerImage       string `mapstructure:"docker_image"`
	Name              string `mapstructure:"name"`
	GPUType           string `mapstructure:"gpu_type"`
	MinWorkers        int    `mapstructure:"min_workers"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	IdleTimeout       int    `mapstructure:"idle_timeout"` // seconds
	VolumeInGB        int    `mapstructure:"volume_in_gb"`
	ContainerDiskInGB int    `mapstructure:"container_disk_in_gb"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}
