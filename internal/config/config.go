package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from the file named by FOO_FILE into FOO,
// unless FOO is already set.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	RateLimit RateLimitConfig
	Groq      GroqConfig
	R2        R2Config
	Agent     AgentConfig
	Studio    StudioConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string

	// TrustGateway takes the caller identity from X-User-* headers set by a
	// forward-auth gateway
	TrustGateway bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type RateLimitConfig struct {
	GeneratePerHour int
	IteratePerMin   int
}

type GroqConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// AgentConfig tunes the server-side generation pipeline
type AgentConfig struct {
	ApprovalTimeout time.Duration
	StepDelay       time.Duration
	Concurrency     int
	PollInterval    time.Duration
	MaxWait         time.Duration
}

// StudioConfig configures the coordinator host
type StudioConfig struct {
	Port           string
	APIURL         string
	SocketURL      string
	Token          string
	InitWait       time.Duration
	RequestTimeout time.Duration
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Server.Env, "development")
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("GROQ_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")
	readSecret("STUDIO_TOKEN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                 "SERVER_PORT",
		"server.env":                  "SERVER_ENV",
		"server.log_level":            "LOG_LEVEL",
		"server.log_format":           "LOG_FORMAT",
		"server.api_domain":           "API_DOMAIN",
		"server.trust_gateway":        "TRUST_GATEWAY",
		"redis.addr":                  "REDIS_ADDR",
		"redis.password":              "REDIS_PASSWORD",
		"redis.db":                    "REDIS_DB",
		"jwt.secret":                  "JWT_SECRET",
		"jwt.expiration":              "JWT_EXPIRATION",
		"oidc.issuer":                 "OIDC_ISSUER",
		"oidc.client_id":              "OIDC_CLIENT_ID",
		"ratelimit.generate_per_hour": "RATELIMIT_GENERATE_PER_HOUR",
		"ratelimit.iterate_per_min":   "RATELIMIT_ITERATE_PER_MIN",
		"groq.api_key":                "GROQ_API_KEY",
		"groq.base_url":               "GROQ_BASE_URL",
		"groq.model":                  "GROQ_MODEL",
		"r2.account_id":               "R2_ACCOUNT_ID",
		"r2.access_key_id":            "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":        "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":              "R2_BUCKET_NAME",
		"r2.public_url":               "R2_PUBLIC_URL",
		"agent.approval_timeout":      "AGENT_APPROVAL_TIMEOUT",
		"agent.step_delay":            "AGENT_STEP_DELAY",
		"agent.concurrency":           "AGENT_CONCURRENCY",
		"agent.poll_interval":         "AGENT_POLL_INTERVAL",
		"agent.max_wait":              "AGENT_MAX_WAIT",
		"studio.port":                 "STUDIO_PORT",
		"studio.api_url":              "STUDIO_API_URL",
		"studio.socket_url":           "STUDIO_SOCKET_URL",
		"studio.token":                "STUDIO_TOKEN",
		"studio.init_wait":            "STUDIO_INIT_WAIT",
		"studio.request_timeout":      "STUDIO_REQUEST_TIMEOUT",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.generate_per_hour", 10)
	v.SetDefault("ratelimit.iterate_per_min", 30)

	v.SetDefault("groq.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("groq.model", "llama-3.3-70b-versatile")

	v.SetDefault("agent.approval_timeout", 300*time.Second)
	v.SetDefault("agent.step_delay", 750*time.Millisecond)
	v.SetDefault("agent.concurrency", 10)
	v.SetDefault("agent.poll_interval", time.Second)
	v.SetDefault("agent.max_wait", 30*time.Minute)

	v.SetDefault("studio.port", "8080")
	v.SetDefault("studio.api_url", "http://localhost:8000")
	v.SetDefault("studio.socket_url", "ws://localhost:8000/ws/events")
	v.SetDefault("studio.init_wait", 10*time.Second)
	v.SetDefault("studio.request_timeout", 35*time.Minute)

	// config file is optional
	_ = v.ReadInConfig()

	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),

			TrustGateway: v.GetBool("server.trust_gateway"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			IteratePerMin:   v.GetInt("ratelimit.iterate_per_min"),
		},
		Groq: GroqConfig{
			APIKey:  v.GetString("groq.api_key"),
			BaseURL: v.GetString("groq.base_url"),
			Model:   v.GetString("groq.model"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Agent: AgentConfig{
			ApprovalTimeout: v.GetDuration("agent.approval_timeout"),
			StepDelay:       v.GetDuration("agent.step_delay"),
			Concurrency:     v.GetInt("agent.concurrency"),
			PollInterval:    v.GetDuration("agent.poll_interval"),
			MaxWait:         v.GetDuration("agent.max_wait"),
		},
		Studio: StudioConfig{
			Port:           v.GetString("studio.port"),
			APIURL:         strings.TrimRight(v.GetString("studio.api_url"), "/"),
			SocketURL:      v.GetString("studio.socket_url"),
			Token:          v.GetString("studio.token"),
			InitWait:       v.GetDuration("studio.init_wait"),
			RequestTimeout: v.GetDuration("studio.request_timeout"),
		},
	}, nil
}
