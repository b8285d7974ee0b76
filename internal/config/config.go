package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIPort           string        `yaml:"api_port"`
	Store             string        `yaml:"store"`
	PostgresURL       string        `yaml:"postgres_url"`
	RedisURL          string        `yaml:"redis_url"`
	JobChannel        string        `yaml:"job_channel"`
	TaskRunner        string        `yaml:"task_runner"`
	TemporalAddress   string        `yaml:"temporal_address"`
	TemporalNamespace string        `yaml:"temporal_namespace"`
	TemporalTaskQueue string        `yaml:"temporal_task_queue"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	ListenerGrace     time.Duration `yaml:"listener_grace"`
	HistoryCacheTTL   time.Duration `yaml:"history_cache_ttl"`
	ScrapeCacheTTL    time.Duration `yaml:"scrape_cache_ttl"`
	WSSendTimeout     time.Duration `yaml:"ws_send_timeout"`
	WSControlRate     int           `yaml:"ws_control_rate"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	LogLevel          string        `yaml:"log_level"`
	LogFormat         string        `yaml:"log_format"`
	LLMProvider       string        `yaml:"llm_provider"`
	LLMModel          string        `yaml:"llm_model"`
	LLMBaseURL        string        `yaml:"llm_base_url"`
	OpenAIAPIKey      string        `yaml:"-"`
	OpenRouterAPIKey  string        `yaml:"-"`
	SearchAPIKey      string        `yaml:"-"`
	SearchBaseURL     string        `yaml:"search_base_url"`
	ResearchQueries   int           `yaml:"research_max_queries"`
	ScrapeConcurrency int           `yaml:"scrape_concurrency"`
	MaxUploadBytes    int           `yaml:"max_upload_bytes"`
	AnonymousLimit    int           `yaml:"anonymous_daily_limit"`
}

// Load reads configuration from the environment. When DEEPSHIP_CONFIG names a
// YAML file its values replace the defaults; environment variables still win.
func Load() (Config, error) {
	file := Config{}
	if path := strings.TrimSpace(os.Getenv("DEEPSHIP_CONFIG")); path != "" {
		parsed, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		file = parsed
	}

	postgresURL := getEnv("POSTGRES_URL", file.PostgresURL)
	if postgresURL == "" {
		postgresURL = buildPostgresURL()
	}

	return Config{
		APIPort:           getEnv("API_PORT", or(file.APIPort, "8080")),
		Store:             strings.ToLower(getEnv("STORE", or(file.Store, "postgres"))),
		PostgresURL:       postgresURL,
		RedisURL:          getEnv("REDIS_URL", or(file.RedisURL, "redis://localhost:6379/0")),
		JobChannel:        strings.ToLower(getEnv("JOB_CHANNEL", or(file.JobChannel, "redis"))),
		TaskRunner:        strings.ToLower(getEnv("TASK_RUNNER", or(file.TaskRunner, "temporal"))),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", or(file.TemporalAddress, "localhost:7233")),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", or(file.TemporalNamespace, "default")),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", or(file.TemporalTaskQueue, "deepship-jobs")),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", orDuration(file.JobTimeout, 30*time.Minute)),
		ListenerGrace:     getEnvDuration("LISTENER_GRACE", orDuration(file.ListenerGrace, 5*time.Second)),
		HistoryCacheTTL:   getEnvDuration("HISTORY_CACHE_TTL", orDuration(file.HistoryCacheTTL, 5*time.Minute)),
		ScrapeCacheTTL:    getEnvDuration("SCRAPE_CACHE_TTL", orDuration(file.ScrapeCacheTTL, time.Hour)),
		WSSendTimeout:     getEnvDuration("WS_SEND_TIMEOUT", orDuration(file.WSSendTimeout, 10*time.Second)),
		WSControlRate:     getEnvInt("WS_MAX_CONTROL_RATE", orInt(file.WSControlRate, 10)),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS", file.AllowedOrigins),
		LogLevel:          getEnv("LOG_LEVEL", or(file.LogLevel, "info")),
		LogFormat:         getEnv("LOG_FORMAT", or(file.LogFormat, "json")),
		LLMProvider:       getEnv("LLM_PROVIDER", or(file.LLMProvider, "openai")),
		LLMModel:          getEnv("LLM_MODEL", or(file.LLMModel, "gpt-4o-mini")),
		LLMBaseURL:        getEnv("LLM_BASE_URL", file.LLMBaseURL),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenRouterAPIKey:  getEnv("OPENROUTER_API_KEY", ""),
		SearchAPIKey:      getEnv("SERPAPI_KEY", ""),
		SearchBaseURL:     getEnv("SEARCH_BASE_URL", or(file.SearchBaseURL, "https://serpapi.com/search.json")),
		ResearchQueries:   getEnvInt("RESEARCH_MAX_QUERIES", orInt(file.ResearchQueries, 3)),
		ScrapeConcurrency: getEnvInt("SCRAPE_CONCURRENCY", orInt(file.ScrapeConcurrency, 4)),
		MaxUploadBytes:    getEnvInt("MAX_UPLOAD_BYTES", orInt(file.MaxUploadBytes, 10<<20)),
		AnonymousLimit:    getEnvInt("ANONYMOUS_DAILY_LIMIT", orInt(file.AnonymousLimit, 1)),
	}, nil
}

func readFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func or(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func orInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func orDuration(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func buildPostgresURL() string {
	user := getEnv("POSTGRES_USER", "deepship")
	password := getEnv("POSTGRES_PASSWORD", "deepship")
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	database := getEnv("POSTGRES_DB", "deepship")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}
