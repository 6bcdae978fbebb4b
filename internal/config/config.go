package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	SystemID        string `yaml:"system_id"`
	SystemMode      string `yaml:"system_mode"`
	CameraStillMode bool   `yaml:"camera_still_mode"`

	IPCEndpoint        string `yaml:"ipc_endpoint"`         // Peer endpoint, e.g. tcp://pi2:5556
	IPCPort            int    `yaml:"ipc_port"`             // Used when IPCEndpoint is empty
	IPCPublishEndpoint string `yaml:"ipc_publish_endpoint"` // Optional local bind address
	HighWaterMark      int    `yaml:"high_water_mark"`      // Max queued messages per direction
	ReceiveTimeoutMs   int    `yaml:"receive_timeout_ms"`   // Subscriber poll interval
	LingerMs           int    `yaml:"linger_ms"`            // Outbound flush time on stop

	ModelPath            string  `yaml:"model_path"`
	InputWidth           int     `yaml:"input_width"`
	InputHeight          int     `yaml:"input_height"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	NMSThreshold         float64 `yaml:"nms_threshold"`
	NumThreads           int     `yaml:"num_threads"`
	UseMemoryPool        bool    `yaml:"use_memory_pool"`
	UseThreadAffinity    bool    `yaml:"use_thread_affinity"`
	CPUCores             []int   `yaml:"cpu_cores"`
	UseFastPreprocessing bool    `yaml:"use_fast_preprocessing"`
	SwapRB               bool    `yaml:"swap_rb"`           // RGB planes; false gives the C++ peer's BGR tensor
	OutputTransposed     bool    `yaml:"output_transposed"` // Model emits 84x8400 instead of 8400x84
	WarmupIterations     int     `yaml:"warmup_iterations"`

	ProcessingWorkers     int    `yaml:"processing_workers"` // Detection workers in the capture pipeline
	DatabasePath          string `yaml:"database_path"`
	ImageDirectory        string `yaml:"image_directory"`
	ImageBufferLimit      int    `yaml:"image_buffer_limit"`
	ImageFlushIntervalSec int    `yaml:"image_flush_interval_s"`
	MetricsPort           int    `yaml:"metrics_port"` // 0 disables the metrics server
	LogDirectory          string `yaml:"log_directory"`
	Verbose               bool   `yaml:"verbose"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		SystemMode:            "camera1",
		IPCPort:               5556,
		HighWaterMark:         1000,
		ReceiveTimeoutMs:      100,
		LingerMs:              1000,
		ModelPath:             filepath.Join(".", "models", "ball_detector.onnx"),
		InputWidth:            640,
		InputHeight:           640,
		ConfidenceThreshold:   0.5,
		NMSThreshold:          0.4,
		NumThreads:            4,
		UseMemoryPool:         true,
		UseThreadAffinity:     false,
		CPUCores:              []int{0, 1, 2, 3},
		UseFastPreprocessing:  true,
		SwapRB:                true,
		WarmupIterations:      5,
		ProcessingWorkers:     1,
		DatabasePath:          filepath.Join(".", "data", "shots.db"),
		ImageDirectory:        filepath.Join(".", "images"),
		ImageBufferLimit:      10,
		ImageFlushIntervalSec: 30,
		LogDirectory:          "",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// PITRAC_CONFIG and the environment (in that order of precedence). A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("PITRAC_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.SystemID = getEnv("PITRAC_SYSTEM_ID", c.SystemID)
	c.SystemMode = getEnv("SYSTEM_MODE", c.SystemMode)
	c.CameraStillMode = getEnvAsBool("CAMERA_STILL_MODE", c.CameraStillMode)

	c.IPCEndpoint = getEnv("ZMQ_ENDPOINT", c.IPCEndpoint)
	c.IPCPort = getEnvAsInt("ZMQ_PORT", c.IPCPort)
	c.IPCPublishEndpoint = getEnv("ZMQ_PUBLISH_ENDPOINT", c.IPCPublishEndpoint)
	c.HighWaterMark = getEnvAsInt("ZMQ_HIGH_WATER_MARK", c.HighWaterMark)
	c.ReceiveTimeoutMs = getEnvAsInt("ZMQ_RECEIVE_TIMEOUT_MS", c.ReceiveTimeoutMs)
	c.LingerMs = getEnvAsInt("ZMQ_LINGER_MS", c.LingerMs)

	c.ModelPath = getEnv("MODEL_PATH", c.ModelPath)
	c.InputWidth = getEnvAsInt("MODEL_INPUT_WIDTH", c.InputWidth)
	c.InputHeight = getEnvAsInt("MODEL_INPUT_HEIGHT", c.InputHeight)
	c.ConfidenceThreshold = getEnvAsFloat("CONFIDENCE_THRESHOLD", c.ConfidenceThreshold)
	c.NMSThreshold = getEnvAsFloat("NMS_THRESHOLD", c.NMSThreshold)
	c.NumThreads = getEnvAsInt("NUM_THREADS", c.NumThreads)
	c.UseMemoryPool = getEnvAsBool("USE_MEMORY_POOL", c.UseMemoryPool)
	c.UseThreadAffinity = getEnvAsBool("USE_THREAD_AFFINITY", c.UseThreadAffinity)
	c.CPUCores = getEnvAsIntList("CPU_CORES", c.CPUCores)
	c.UseFastPreprocessing = getEnvAsBool("USE_FAST_PREPROCESSING", c.UseFastPreprocessing)
	c.SwapRB = getEnvAsBool("SWAP_RB", c.SwapRB)
	c.OutputTransposed = getEnvAsBool("OUTPUT_TRANSPOSED", c.OutputTransposed)
	c.WarmupIterations = getEnvAsInt("WARMUP_ITERATIONS", c.WarmupIterations)

	c.ProcessingWorkers = getEnvAsInt("PROCESSING_WORKERS", c.ProcessingWorkers)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.ImageDirectory = getEnv("IMAGE_DIR", c.ImageDirectory)
	c.ImageBufferLimit = getEnvAsInt("BUFFER_LIMIT", c.ImageBufferLimit)
	c.ImageFlushIntervalSec = getEnvAsInt("FLUSH_INTERVAL", c.ImageFlushIntervalSec)
	c.MetricsPort = getEnvAsInt("METRICS_PORT", c.MetricsPort)
	c.LogDirectory = getEnv("LOG_DIR", c.LogDirectory)
	c.Verbose = getEnvAsBool("VERBOSE", c.Verbose)
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.IPCEndpoint == "" && (c.IPCPort <= 0 || c.IPCPort > 65535) {
		return fmt.Errorf("ipc port out of range: %d", c.IPCPort)
	}
	if c.HighWaterMark <= 0 {
		return fmt.Errorf("high water mark must be positive, got %d", c.HighWaterMark)
	}
	if c.ReceiveTimeoutMs <= 0 {
		return fmt.Errorf("receive timeout must be positive, got %d", c.ReceiveTimeoutMs)
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return fmt.Errorf("model input size must be positive, got %dx%d", c.InputWidth, c.InputHeight)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		return fmt.Errorf("nms threshold must be in [0,1], got %v", c.NMSThreshold)
	}
	if c.ProcessingWorkers <= 0 {
		return fmt.Errorf("processing workers must be positive, got %d", c.ProcessingWorkers)
	}
	return nil
}

// Endpoint returns the configured peer endpoint, falling back to localhost on IPCPort.
func (c *Config) Endpoint() string {
	if c.IPCEndpoint != "" {
		return c.IPCEndpoint
	}
	return fmt.Sprintf("tcp://localhost:%d", c.IPCPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsIntList parses a comma separated list such as "0,1,2,3".
func getEnvAsIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var result []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return defaultValue
		}
		result = append(result, n)
	}
	return result
}
