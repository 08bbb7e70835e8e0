// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/handler"
	"omni-agent-go/internal/middleware"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/pipeline"
	"omni-agent-go/internal/repository"
	"omni-agent-go/internal/routing"
	"omni-agent-go/internal/service"
	"omni-agent-go/pkg/database"
	"omni-agent-go/pkg/embedding"
	"omni-agent-go/pkg/kafka"
	"omni-agent-go/pkg/llm"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/nli"
	"omni-agent-go/pkg/storage"
	"omni-agent-go/pkg/tika"
	"omni-agent-go/pkg/token"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/panjf2000/ants/v2"
)

func main() {
	// 1. 初始化配置
	configPath := os.Getenv("OMNI_CONFIG")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis 和对象存储
	database.InitMySQL(cfg.Database.MySQL,
		&model.Tenant{}, &model.Integration{}, &model.IngestionJob{}, &model.ChatHistory{})
	database.InitRedis(cfg.Database.Redis)
	defer database.Close()
	stager := storage.InitMinIO(cfg.MinIO)

	// 4. 初始化 Repository
	tenantRepo := repository.NewTenantRepository(database.DB)
	integrationRepo := repository.NewIntegrationRepository(database.DB)
	jobRepo := repository.NewIngestionJobRepository(database.DB)
	historyRepo := repository.NewChatHistoryRepository(database.DB)
	sessionRepo := repository.NewConversationRepository(database.RDB)

	// 5. 外部模型客户端
	embeddingClient := embedding.NewClient(cfg.Embedding)
	tikaClient := tika.NewClient(cfg.Tika)
	nliClient := nli.NewClient(cfg.NLI)
	var platformLLM llm.Client
	if cfg.LLM.APIKey != "" {
		platformLLM = llm.NewClient(cfg.LLM)
	} else {
		log.Warnf("未配置平台 LLM，数据源描述将使用默认文案")
	}

	// 6. 协程池：导入任务、文件抽取/嵌入、NLI 推理各自独立
	ingestionPool := mustPool("ingestion", cfg.Ingestion.Workers)
	extractPool := mustPool("extract", cfg.Ingestion.ExtractWorkers)
	nliPool := mustPool("nli", cfg.NLI.Workers)
	defer extractPool.Release()
	defer nliPool.Release()

	// 7. 初始化导入管道，后台任务在 lifetime 下运行，停机时统一取消
	lifetime, cancelLifetime := context.WithCancel(context.Background())
	defer cancelLifetime()

	tracker := pipeline.NewJobTracker(jobRepo)
	resolver := pipeline.NewIndexResolver(integrationRepo, embeddingClient, cfg.Elasticsearch, cfg.Embedding)
	chunker := pipeline.NewChunker(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	extractors := pipeline.NewExtractorRegistry(tikaClient)
	safety := pipeline.NewSafetyClassifier(nliClient, nliPool, cfg.NLI.Threshold)
	crawler := pipeline.NewCrawler(resolver, tracker, safety, chunker, pipeline.CrawlerConfigFrom(cfg.Ingestion))
	ingester := pipeline.NewFileIngester(resolver, extractors, chunker, extractPool)
	archives := pipeline.NewArchiveProcessor(resolver, tracker, ingester, cfg.Ingestion.ScratchDir, cfg.Ingestion.MaxArchiveEntries)
	runner := pipeline.NewRunner(lifetime, pipeline.RunnerDeps{
		Tracker:    tracker,
		Resolver:   resolver,
		Stager:     stager,
		Crawler:    crawler,
		Archives:   archives,
		Ingester:   ingester,
		Pool:       ingestionPool,
		ScratchDir: cfg.Ingestion.ScratchDir,
	})

	// 8. 任务派发：配置了 Kafka 时走消息队列，否则进程内派发
	var dispatcher service.Dispatcher
	if cfg.Kafka.Brokers != "" {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		}()
		dispatcher = producer
		go kafka.StartConsumer(lifetime, cfg.Kafka, runner, database.RDB)
	} else {
		log.Info("未配置 Kafka，导入任务在进程内派发")
		dispatcher = pipeline.NewLocalDispatcher(runner)
	}

	// 9. 初始化 Service
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.RefreshTokenExpireDays)
	tenantService := service.NewTenantService(tenantRepo, jwtManager, cfg.Chat)
	integrationService := service.NewIntegrationService(integrationRepo, tenantRepo, service.DefaultSchemaDiscoverer, service.NewProfiler(platformLLM))
	ingestionService := service.NewIngestionService(tracker, jobRepo, stager, dispatcher)
	conversationService := service.NewConversationService(sessionRepo, historyRepo, cfg.Chat.HistoryTurns)
	chatService := service.NewChatService(service.ChatDeps{
		Integrations:  integrationRepo,
		Conversations: conversationService,
		Router:        routing.NewRouter(embeddingClient, cfg.Router.Threshold),
		Indexes:       resolver,
		Config:        cfg.Chat,
	})

	authHandler := handler.NewAuthHandler(tenantService)
	settingsHandler := handler.NewSettingsHandler(integrationService)
	ingestionHandler := handler.NewIngestionHandler(ingestionService)
	chatHandler := handler.NewChatHandler(chatService)

	// 10. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.RequestLogger(), gin.Recovery())

	consoleAuth := middleware.AuthMiddleware(jwtManager, tenantService)
	widgetAuth := middleware.APIKeyMiddleware(tenantService)

	apiV1 := r.Group("/api/v1")
	{
		auth := apiV1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refreshToken", authHandler.RefreshToken)
		}

		tenant := apiV1.Group("/tenant")
		tenant.Use(consoleAuth)
		{
			tenant.GET("/me", authHandler.Profile)
			tenant.POST("/api-key", authHandler.RotateAPIKey)
			tenant.PUT("/allowed-domains", authHandler.UpdateAllowedDomains)
		}

		settings := apiV1.Group("/settings")
		settings.Use(consoleAuth)
		{
			settings.GET("/integrations", settingsHandler.ListIntegrations)
			settings.PUT("/integrations", settingsHandler.SaveIntegration)
			settings.POST("/integrations/refresh", settingsHandler.RefreshIntegration)
			settings.POST("/bot-profile", settingsHandler.UpdateBotProfile)
		}

		ingestion := apiV1.Group("/ingestion")
		ingestion.Use(consoleAuth)
		{
			ingestion.POST("/url", ingestionHandler.SubmitURL)
			ingestion.POST("/archive", ingestionHandler.SubmitArchive)
			ingestion.POST("/file", ingestionHandler.SubmitFile)
			ingestion.GET("/jobs", ingestionHandler.ListJobs)
			ingestion.GET("/jobs/:id", ingestionHandler.GetJob)
			ingestion.GET("/file-types", ingestionHandler.SupportedFileTypes)
		}

		chat := apiV1.Group("/chat")
		{
			chat.POST("", widgetAuth, chatHandler.Chat)
			chat.GET("/history", widgetAuth, chatHandler.History)
			chat.GET("/ws/:apiKey", widgetAuth, chatHandler.Handle)
		}
		apiV1.GET("/console/chat/history", consoleAuth, chatHandler.History)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 取消后台导入任务和 Kafka 消费者，等待运行中的任务写完状态后再关闭数据库
	cancelLifetime()
	if err := runner.Drain(10 * time.Second); err != nil {
		log.Warnf("等待导入任务退出超时: %v", err)
	}
	log.Info("服务已优雅关闭")
}

func mustPool(name string, size int) *ants.Pool {
	pool, err := pipeline.NewPool(size)
	if err != nil {
		log.Fatalf("创建 %s 协程池失败: %v", name, err)
	}
	return pool
}
