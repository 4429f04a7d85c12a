package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/openai/openai-go"

	"github.com/zhouzirui/voice-relay/backend/internal/config"
	"github.com/zhouzirui/voice-relay/backend/internal/handler"
	"github.com/zhouzirui/voice-relay/backend/internal/handler/voice"
	"github.com/zhouzirui/voice-relay/backend/internal/service/ai"
	"github.com/zhouzirui/voice-relay/backend/internal/service/history"
	"github.com/zhouzirui/voice-relay/backend/internal/service/pipeline"
	"github.com/zhouzirui/voice-relay/backend/internal/service/session"
	"github.com/zhouzirui/voice-relay/backend/internal/service/speech"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := openHistory(cfg.History)
	if err != nil {
		log.Fatalf("failed to open conversation history: %v", err)
	}

	var openaiClient *openai.Client
	if cfg.OpenAI.Enabled() {
		openaiClient, err = cfg.OpenAI.NewClient()
		if err != nil {
			log.Fatalf("failed to create OpenAI client: %v", err)
		}
	} else {
		log.Println("OPENAI_API_KEY 未配置，语音识别与语音合成不可用")
	}

	ports := pipeline.Ports{History: store}
	if openaiClient != nil {
		ports.Transcriber = speech.NewWhisperTranscriber(openaiClient, cfg.OpenAI.TranscribeModel, cfg.OpenAI.AudioFilename)
		ports.Synthesizer = speech.NewOpenAISynthesizer(openaiClient, cfg.OpenAI.TTSModel, cfg.OpenAI.TTSVoice, cfg.OpenAI.TTSFormat)
		log.Println("Speech services initialized successfully")
	}
	ports.Completer = newCompleter(ctx, cfg, openaiClient)

	coordinator := pipeline.New(ports, pipeline.Options{
		SystemPrompt: cfg.Completion.SystemPrompt,
		ContextLimit: cfg.Pipeline.ContextLimit,
		StageTimeout: cfg.Pipeline.StageTimeout,
	})

	registry := session.NewRegistry(10 * time.Second)
	wsHandler := voice.NewWebSocketHandler(coordinator, registry, voice.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
	})

	router := handler.NewRouter(handler.Dependencies{
		Pipeline:       coordinator,
		Registry:       registry,
		History:        store,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket:      wsHandler,
	})

	startServer(ctx, cfg.Server, router)

	// 连接 goroutine 退出后不会再产生新的历史写入，此后才能排空并关闭存储。
	wsHandler.Wait()
	coordinator.Wait()
	if err := store.Close(); err != nil {
		log.Printf("warning: failed to close conversation history: %v", err)
	}
}

func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	switch cfg.Backend {
	case config.HistoryBadger:
		store, err := history.NewBadgerStore(history.BadgerOptions{Dir: cfg.Dir})
		if err != nil {
			return nil, err
		}
		log.Printf("conversation history stored in badger at %s", cfg.Dir)
		return store, nil
	default:
		log.Println("conversation history kept in memory")
		return history.NewMemoryStore(), nil
	}
}

// newCompleter 按 COMPLETION_PROVIDER 选择补全后端，auto 时优先使用 Ark。
func newCompleter(ctx context.Context, cfg *config.Config, client *openai.Client) pipeline.Completer {
	useArk := cfg.Completion.Provider == config.ProviderArk ||
		(cfg.Completion.Provider == config.ProviderAuto && cfg.Ark.Enabled())

	if useArk {
		chatModel, err := cfg.Ark.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to create Ark chat model: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
			return nil
		}
		svc, err := ai.NewService(ctx, chatModel)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			return nil
		}
		log.Println("AI service initialized successfully (ark)")
		return svc
	}

	if client == nil {
		log.Println("补全模型凭证未配置，跳过 AI 功能初始化")
		return nil
	}

	log.Printf("AI service initialized successfully (openai model=%s)", cfg.OpenAI.ChatModel)
	return ai.NewOpenAICompleter(client, ai.OpenAIOptions{
		Model:       cfg.OpenAI.ChatModel,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
	})
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		// WebSocket 连接被劫持后不受 Shutdown 管理，通过根 context 通知其退出。
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.Printf("Voice relay backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
