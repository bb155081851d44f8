package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zhouzirui/z-chat/backend/internal/cache"
	"github.com/zhouzirui/z-chat/backend/internal/config"
	"github.com/zhouzirui/z-chat/backend/internal/handler"
	"github.com/zhouzirui/z-chat/backend/internal/metrics"
	"github.com/zhouzirui/z-chat/backend/internal/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/repository"
	"github.com/zhouzirui/z-chat/backend/internal/service/ai"
	"github.com/zhouzirui/z-chat/backend/internal/service/chat"
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}

	repo, closeRepo := openRepository(ctx, cfg.Storage)
	defer closeRepo()

	store, closeCache := openCache(ctx, cfg.Cache)
	defer closeCache()

	var relay realtime.Relay
	if len(cfg.Relay.NatsServers) > 0 {
		hostname, _ := os.Hostname()
		natsRelay, err := realtime.NewNatsRelay(realtime.NatsConfig{
			Servers: cfg.Relay.NatsServers,
			Name:    "z-chat-" + hostname,
			Subject: cfg.Relay.Subject,
		})
		if err != nil {
			log.Fatalf("failed to connect nats relay: %v", err)
		}
		defer natsRelay.Close()
		relay = natsRelay
		log.Printf("NATS relay enabled on subject %s", cfg.Relay.Subject)
	} else {
		log.Println("NATS_URL 未配置，广播仅在本节点内投递")
	}

	broadcaster := realtime.NewBroadcaster(realtime.NewRegistry(), relay)
	if err := broadcaster.Start(); err != nil {
		log.Fatalf("failed to start broadcaster: %v", err)
	}

	// Initialize AI service
	var generator chat.Generator
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			generator = aiService
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	chatService := chat.NewService(repo, store, broadcaster, generator, chat.Options{MessagesTTL: cfg.Cache.MessagesTTL})

	router := handler.NewRouter(handler.Deps{
		Chat:        chatService,
		Broadcaster: broadcaster,
		Realtime:    cfg.Realtime,
		Gatherer:    reg,
	})

	startServer(ctx, cfg.Server, router)
}

func openRepository(ctx context.Context, cfg config.StorageConfig) (repository.Repository, func()) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL 未配置，使用内存仓库")
		return repository.NewMemory(), func() {}
	}
	pg, err := repository.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	log.Println("PostgreSQL repository initialized")
	return pg, pg.Close
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, func()) {
	if cfg.RedisAddr == "" {
		log.Println("REDIS_ADDR 未配置，使用进程内缓存")
		return cache.NewMemory(), func() {}
	}
	rc, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.PoolSize,
		Prefix:   cfg.Prefix,
	})
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	log.Printf("Redis cache initialized at %s", cfg.RedisAddr)
	return rc, func() {
		if err := rc.Close(); err != nil {
			log.Printf("close redis: %v", err)
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Chat backend listening on %s", addr)
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
