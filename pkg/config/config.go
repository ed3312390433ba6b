package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL           string `yaml:"baseUrl"`
	StreamBaseURL     string `yaml:"streamBaseUrl"`
	UploadPath        string `yaml:"uploadPath"`
	AuthUploadPath    string `yaml:"authUploadPath"`
	DetailsPathPrefix string `yaml:"detailsPathPrefix"`
	StreamPathPrefix  string `yaml:"streamPathPrefix"`
	APIKey            string `yaml:"apiKey"`

	Country   string `yaml:"country"`
	ImagePath string `yaml:"imagePath"`
	TaskGroup string `yaml:"taskGroup"`
	BatchSize int    `yaml:"batchSize"`

	SubmitTimeoutSeconds  int `yaml:"submitTimeoutSeconds"`
	OutcomeTimeoutSeconds int `yaml:"outcomeTimeoutSeconds"`
	SpawnStaggerMillis    int `yaml:"spawnStaggerMillis"`

	ReconnectPolicy      string `yaml:"reconnectPolicy"`
	ReconnectBaseSeconds int    `yaml:"reconnectBaseSeconds"`
	ReconnectMaxSeconds  int    `yaml:"reconnectMaxSeconds"`
	MaxReconnectAttempts int    `yaml:"maxReconnectAttempts"` // 0 = unbounded

	MetricsPort int `yaml:"metricsPort"` // 0 disables the listener

	RedisAddr         string `yaml:"redisAddr"` // empty disables run history
	HistoryTTLSeconds int    `yaml:"historyTtlSeconds"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	Env       string `yaml:"env"`

	OtelEnabled      bool    `yaml:"otelEnabled"`
	OtelServiceName  string  `yaml:"otelServiceName"`
	OtelOTLPEndpoint string  `yaml:"otelOtlpEndpoint"`
	OtelOTLPInsecure bool    `yaml:"otelOtlpInsecure"`
	OtelSampleRatio  float64 `yaml:"otelSampleRatio"`
}

func LoadConfig(filePath string) (*Config, error) {
	var c Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, err
		}
	}
	if v := os.Getenv("BGPROBE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("BGPROBE_STREAM_BASE_URL"); v != "" {
		c.StreamBaseURL = v
	}
	if v := os.Getenv("BGPROBE_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("BGPROBE_COUNTRY"); v != "" {
		c.Country = v
	}
	if v := os.Getenv("BGPROBE_IMAGE_PATH"); v != "" {
		c.ImagePath = v
	}
	if v := os.Getenv("BGPROBE_TASK_GROUP"); v != "" {
		c.TaskGroup = v
	}
	if v := os.Getenv("BGPROBE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("BGPROBE_SUBMIT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SubmitTimeoutSeconds = n
		}
	}
	if v := os.Getenv("BGPROBE_OUTCOME_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OutcomeTimeoutSeconds = n
		}
	}
	if v := os.Getenv("BGPROBE_SPAWN_STAGGER_MILLIS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SpawnStaggerMillis = n
		}
	}
	if v := os.Getenv("BGPROBE_RECONNECT_POLICY"); v != "" {
		c.ReconnectPolicy = v
	}
	if v := os.Getenv("BGPROBE_RECONNECT_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconnectBaseSeconds = n
		}
	}
	if v := os.Getenv("BGPROBE_RECONNECT_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReconnectMaxSeconds = n
		}
	}
	if v := os.Getenv("BGPROBE_MAX_RECONNECT_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("BGPROBE_METRICS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MetricsPort = n
		}
	}
	if v := os.Getenv("BGPROBE_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("BGPROBE_HISTORY_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HistoryTTLSeconds = n
		}
	}
	if v := os.Getenv("BGPROBE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("BGPROBE_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("BGPROBE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("BGPROBE_OTEL_ENABLED"); v != "" {
		c.OtelEnabled = parseBool(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.OtelOTLPEndpoint = v
	}

	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8080"
	}
	if c.StreamBaseURL == "" {
		c.StreamBaseURL = DeriveStreamBaseURL(c.BaseURL)
	}
	if c.UploadPath == "" {
		c.UploadPath = "/v1/bp/u/"
	}
	if c.AuthUploadPath == "" {
		c.AuthUploadPath = "/v1/remove-background/upload/"
	}
	if c.DetailsPathPrefix == "" {
		c.DetailsPathPrefix = "/v1/remove-background/details/"
	}
	if c.StreamPathPrefix == "" {
		c.StreamPathPrefix = "/ws/remove-background/"
	}
	if c.Country == "" {
		c.Country = "NP"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.SubmitTimeoutSeconds <= 0 {
		c.SubmitTimeoutSeconds = 30
	}
	if c.OutcomeTimeoutSeconds <= 0 {
		c.OutcomeTimeoutSeconds = 120
	}
	if c.SpawnStaggerMillis <= 0 {
		c.SpawnStaggerMillis = 10
	}
	if c.ReconnectPolicy == "" {
		c.ReconnectPolicy = "fixed"
	}
	if c.ReconnectBaseSeconds <= 0 {
		c.ReconnectBaseSeconds = 5
	}
	if c.ReconnectMaxSeconds <= 0 {
		c.ReconnectMaxSeconds = 60
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.HistoryTTLSeconds <= 0 {
		c.HistoryTTLSeconds = 7 * 24 * 3600
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.OtelServiceName == "" {
		c.OtelServiceName = "bgprobe"
	}
	if c.OtelSampleRatio <= 0 || c.OtelSampleRatio > 1 {
		c.OtelSampleRatio = 1
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []string

	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "baseUrl must be a valid http(s) URL")
	}
	if u, err := url.Parse(c.StreamBaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, "streamBaseUrl must be a valid ws(s) URL")
	}
	switch c.ReconnectPolicy {
	case "fixed", "linear", "exponential", "exp_equal_jitter", "exp_full_jitter":
	default:
		errs = append(errs, "reconnectPolicy must be one of fixed, linear, exponential, exp_equal_jitter, exp_full_jitter")
	}
	if c.Country != "" && len(c.Country) != 2 {
		errs = append(errs, "country must be a two-letter ISO code")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DeriveStreamBaseURL maps the HTTP base URL to its websocket counterpart so
// a bare baseUrl is enough for the common single-host deployment.
func DeriveStreamBaseURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return "ws://127.0.0.1:8080"
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host
}

func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	return v == "true" || v == "1" || v == "yes" || v == "y" || v == "on"
}
