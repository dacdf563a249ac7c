package config

import (
	"strconv"
	"time"
)

type Config struct {
	Gateway  GatewayConfig
	Worker   WorkerConfig
	App      AppConfig
	Bus      BusConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Otel     OtelConfig
}

type GatewayConfig struct {
	Host           string
	Port           int
	SupportCarrier bool
	JWTPublicKey   string // PEM, required unless carrier mode is enabled
	IdleClose      time.Duration
	AckEveryFrames int
}

type WorkerConfig struct {
	Provider string // "deepgram", "assemblyai" or "mock"
	// ConsumerName is the worker's stable name within its consumer group.
	// A restarted worker reclaims its pending audio messages under this name.
	ConsumerName string
	MaxReconnect int
	Deepgram     DeepgramConfig
	AssemblyAI   AssemblyAIConfig
	Timing       TimingOverrides
}

type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
}

type AssemblyAIConfig struct {
	APIKey string
}

// TimingOverrides lets deployments tune the aggregator; zero values mean
// "use the provider's defaults".
type TimingOverrides struct {
	InitialBurst       time.Duration
	MinChunk           time.Duration
	MaxWait            time.Duration
	TimeoutFallbackMin time.Duration
	MaxChunk           time.Duration
	KeepAlivePeriod    time.Duration
	ProcessingTick     time.Duration
	FirstAudioDeadline time.Duration
}

type AppConfig struct {
	Host          string
	Port          int
	CORSOrigins   []string
	MaxSSEClients int
	CallIdleMax   time.Duration
	// ForwardBaseURL is where the transcript consumer posts fragments;
	// defaults to the app's own listen address.
	ForwardBaseURL string
}

type BusConfig struct {
	Adapter  string // "stream-log" (Redis Streams) or "in-memory"
	RedisURL string
}

type DatabaseConfig struct {
	URL string
}

type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	MaxTokens      int
}

type OtelConfig struct {
	Endpoint    string
	Environment string
}

func Load() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:           GetEnvWithFallback("CALLSIGHT_GATEWAY_HOST", "HOST", "0.0.0.0"),
			Port:           GetEnvIntWithFallback("CALLSIGHT_GATEWAY_PORT", "PORT", 8443),
			SupportCarrier: GetEnvBoolWithFallback("CALLSIGHT_SUPPORT_EXOTEL", "SUPPORT_EXOTEL", false),
			JWTPublicKey:   GetEnvWithFallback("CALLSIGHT_JWT_PUBLIC_KEY", "JWT_PUBLIC_KEY", ""),
			IdleClose:      GetEnvDuration("CALLSIGHT_IDLE_CLOSE_SEC", 60*time.Second),
			AckEveryFrames: GetEnvInt("CALLSIGHT_ACK_EVERY_FRAMES", 50),
		},
		Worker: WorkerConfig{
			Provider:     GetEnvWithFallback("CALLSIGHT_ASR_PROVIDER", "ASR_PROVIDER", "deepgram"),
			ConsumerName: GetEnv("CALLSIGHT_ASR_CONSUMER", "asr-1"),
			MaxReconnect: GetEnvInt("CALLSIGHT_ASR_MAX_RECONNECT", 3),
			Deepgram: DeepgramConfig{
				APIKey:   GetEnvWithFallback("CALLSIGHT_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY", ""),
				Model:    GetEnv("CALLSIGHT_DEEPGRAM_MODEL", "nova-2"),
				Language: GetEnv("CALLSIGHT_DEEPGRAM_LANGUAGE", "en"),
			},
			AssemblyAI: AssemblyAIConfig{
				APIKey: GetEnvWithFallback("CALLSIGHT_ASSEMBLYAI_API_KEY", "ASSEMBLYAI_API_KEY", ""),
			},
			Timing: TimingOverrides{
				InitialBurst:       GetEnvDuration("CALLSIGHT_INITIAL_BURST_MS", 0),
				MinChunk:           GetEnvDuration("CALLSIGHT_MIN_CHUNK_MS", 0),
				MaxWait:            GetEnvDuration("CALLSIGHT_MAX_WAIT_MS", 0),
				TimeoutFallbackMin: GetEnvDuration("CALLSIGHT_TIMEOUT_FALLBACK_MIN_MS", 0),
				MaxChunk:           GetEnvDuration("CALLSIGHT_MAX_CHUNK_MS", 0),
				KeepAlivePeriod:    GetEnvDuration("CALLSIGHT_KEEPALIVE_PERIOD_MS", 0),
				ProcessingTick:     GetEnvDuration("CALLSIGHT_PROCESSING_TIMER_MS", 0),
				FirstAudioDeadline: GetEnvDuration("CALLSIGHT_FIRST_AUDIO_DEADLINE_MS", 0),
			},
		},
		App: AppConfig{
			Host:           GetEnvWithFallback("CALLSIGHT_APP_HOST", "HOST", "0.0.0.0"),
			Port:           GetEnvIntWithFallback("CALLSIGHT_APP_PORT", "PORT", 3000),
			CORSOrigins:    GetEnvSlice("CALLSIGHT_ALLOWED_ORIGINS", []string{"*"}),
			MaxSSEClients:  GetEnvIntWithFallback("CALLSIGHT_MAX_CONCURRENT_SSE_CLIENTS", "MAX_CONCURRENT_SSE_CLIENTS", 20),
			CallIdleMax:    GetEnvDuration("CALLSIGHT_CALL_IDLE_MAX", 10*time.Minute),
			ForwardBaseURL: GetEnv("CALLSIGHT_APP_BASE_URL", ""),
		},
		Bus: BusConfig{
			Adapter:  GetEnvWithFallback("CALLSIGHT_PUBSUB_ADAPTER", "PUBSUB_ADAPTER", "stream-log"),
			RedisURL: GetEnvWithFallback("CALLSIGHT_REDIS_URL", "REDIS_URL", "redis://localhost:6379/0"),
		},
		Database: DatabaseConfig{
			URL: GetEnvWithFallback("CALLSIGHT_POSTGRES_URL", "DATABASE_URL", "postgres://localhost:5432/callsight?sslmode=disable"),
		},
		LLM: LLMConfig{
			BaseURL:        GetEnvWithFallback("CALLSIGHT_LLM_URL", "LLM_URL", "https://api.openai.com/v1"),
			APIKey:         GetEnvWithFallback("CALLSIGHT_LLM_API_KEY", "OPENAI_API_KEY", ""),
			Model:          GetEnv("CALLSIGHT_LLM_MODEL", "gpt-4o-mini"),
			EmbeddingModel: GetEnv("CALLSIGHT_EMBEDDING_MODEL", ""),
			MaxTokens:      GetEnvInt("CALLSIGHT_LLM_MAX_TOKENS", 512),
		},
		Otel: OtelConfig{
			Endpoint:    GetEnvWithFallback("CALLSIGHT_OTEL_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Environment: GetEnvWithFallback("CALLSIGHT_ENVIRONMENT", "ENVIRONMENT", "development"),
		},
	}
}

func (c *Config) IsLLMConfigured() bool {
	return c.LLM.BaseURL != "" && c.LLM.APIKey != ""
}

func (c *Config) IsEmbeddingConfigured() bool {
	return c.IsLLMConfigured() && c.LLM.EmbeddingModel != ""
}

func (c *Config) AppBaseURL() string {
	if c.App.ForwardBaseURL != "" {
		return c.App.ForwardBaseURL
	}
	host := c.App.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return "http://" + host + ":" + strconv.Itoa(c.App.Port)
}
