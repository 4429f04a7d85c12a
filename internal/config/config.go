package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultSystemPrompt = "You are a helpful voice assistant. Keep your responses concise and conversational, as they will be spoken aloud. Limit responses to 2-3 sentences maximum. Remember previous conversations to provide contextual responses."

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Completion CompletionConfig
	Ark        ArkConfig
	OpenAI     OpenAIConfig
	Pipeline   PipelineConfig
	History    HistoryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	completion, err := loadCompletionConfig()
	if err != nil {
		return nil, err
	}

	arkCfg, err := loadArkConfig(completion)
	if err != nil {
		return nil, err
	}

	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Completion: completion,
		Ark:        arkCfg,
		OpenAI:     loadOpenAIConfig(),
		Pipeline:   pipeline,
		History:    history,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	// MaxMessageBytes 限制单个 WebSocket 入站帧的大小。
	MaxMessageBytes int64
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	maxBytes, err := parseOptionalIntEnv("WS_MAX_MESSAGE_BYTES")
	if err != nil {
		return ServerConfig{}, err
	}
	limit := int64(16 << 20)
	if maxBytes != nil {
		if *maxBytes <= 0 {
			return ServerConfig{}, fmt.Errorf("invalid WS_MAX_MESSAGE_BYTES value %d: must be positive", *maxBytes)
		}
		limit = int64(*maxBytes)
	}

	cfg := ServerConfig{
		AllowedOrigins:  splitList(getEnvOrDefault("ALLOWED_ORIGINS", "*")),
		MaxMessageBytes: limit,
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// Provider 选择补全后端。
type Provider string

const (
	ProviderAuto   Provider = "auto"
	ProviderArk    Provider = "ark"
	ProviderOpenAI Provider = "openai"
)

// CompletionConfig 是与具体模型无关的补全参数。
type CompletionConfig struct {
	Provider     Provider
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

func loadCompletionConfig() (CompletionConfig, error) {
	provider := Provider(strings.ToLower(getEnvOrDefault("COMPLETION_PROVIDER", string(ProviderAuto))))
	switch provider {
	case ProviderAuto, ProviderArk, ProviderOpenAI:
	default:
		return CompletionConfig{}, fmt.Errorf("invalid COMPLETION_PROVIDER value %q: want auto, ark or openai", provider)
	}

	maxTokens := 150
	if override, err := parseOptionalIntEnv("COMPLETION_MAX_TOKENS"); err != nil {
		return CompletionConfig{}, err
	} else if override != nil {
		maxTokens = *override
	}

	temperature := 0.7
	if override, err := parseOptionalFloatEnv("COMPLETION_TEMPERATURE"); err != nil {
		return CompletionConfig{}, err
	} else if override != nil {
		temperature = *override
	}

	return CompletionConfig{
		Provider:     provider,
		SystemPrompt: getEnvOrDefault("ASSISTANT_SYSTEM_PROMPT", defaultSystemPrompt),
		MaxTokens:    maxTokens,
		Temperature:  temperature,
	}, nil
}

// ArkConfig 描述火山方舟大模型相关配置。
type ArkConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

// loadArkConfig 继承补全参数，保证两种后端的输出长度与温度一致。
func loadArkConfig(completion CompletionConfig) (ArkConfig, error) {
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ArkConfig{}, err
	}

	temperature := completion.Temperature
	maxTokens := completion.MaxTokens

	return ArkConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: &temperature,
		TopP:        topP,
		MaxTokens:   &maxTokens,
	}, nil
}

// OpenAIConfig 描述 OpenAI 兼容接口（转写、合成与对话）的配置。
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	TranscribeModel string
	TTSModel        string
	TTSVoice        string
	TTSFormat       string
	// AudioFilename 上传文件名，扩展名作为格式提示。
	AudioFilename string
}

// Enabled 表示是否配置了 API Key。
func (c OpenAIConfig) Enabled() bool {
	return c.APIKey != ""
}

// NewClient 创建共享的 OpenAI 客户端，转写、合成与对话复用同一实例。
func (c OpenAIConfig) NewClient() (*openai.Client, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("OpenAI 凭证缺失，请设置 OPENAI_API_KEY")
	}

	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	client := openai.NewClient(opts...)
	return &client, nil
}

func loadOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:         strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		ChatModel:       getEnvOrDefault("OPENAI_CHAT_MODEL", "gpt-3.5-turbo"),
		TranscribeModel: getEnvOrDefault("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
		TTSModel:        getEnvOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		TTSVoice:        getEnvOrDefault("OPENAI_TTS_VOICE", "nova"),
		TTSFormat:       getEnvOrDefault("OPENAI_TTS_FORMAT", "mp3"),
		AudioFilename:   getEnvOrDefault("SPEECH_AUDIO_FILENAME", "audio.webm"),
	}
}

// PipelineConfig 控制每个外部调用的超时与上下文窗口。
type PipelineConfig struct {
	StageTimeout time.Duration
	ContextLimit int
}

func loadPipelineConfig() (PipelineConfig, error) {
	timeoutSeconds := 30 // 默认30秒
	if timeout, err := parseOptionalIntEnv("PIPELINE_STAGE_TIMEOUT"); err != nil {
		return PipelineConfig{}, err
	} else if timeout != nil {
		if *timeout < 1 {
			return PipelineConfig{}, fmt.Errorf("invalid PIPELINE_STAGE_TIMEOUT value %d: must be at least 1", *timeout)
		}
		timeoutSeconds = *timeout
	}

	contextLimit := 3
	if limit, err := parseOptionalIntEnv("HISTORY_CONTEXT_LIMIT"); err != nil {
		return PipelineConfig{}, err
	} else if limit != nil {
		if *limit < 1 {
			contextLimit = 1
		} else {
			contextLimit = *limit
		}
	}

	return PipelineConfig{
		StageTimeout: time.Duration(timeoutSeconds) * time.Second,
		ContextLimit: contextLimit,
	}, nil
}

// HistoryBackend 选择对话历史存储。
type HistoryBackend string

const (
	HistoryMemory HistoryBackend = "memory"
	HistoryBadger HistoryBackend = "badger"
)

// HistoryConfig 描述对话历史存储配置。
type HistoryConfig struct {
	Backend HistoryBackend
	Dir     string
}

func loadHistoryConfig() (HistoryConfig, error) {
	backend := HistoryBackend(strings.ToLower(getEnvOrDefault("HISTORY_BACKEND", string(HistoryMemory))))
	switch backend {
	case HistoryMemory, HistoryBadger:
	default:
		return HistoryConfig{}, fmt.Errorf("invalid HISTORY_BACKEND value %q: want memory or badger", backend)
	}

	return HistoryConfig{
		Backend: backend,
		Dir:     getEnvOrDefault("HISTORY_BADGER_DIR", "data/history"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
