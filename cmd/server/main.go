package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"incident_collab/internal/cache"
	"incident_collab/internal/config"
	"incident_collab/internal/handler"
	"incident_collab/internal/middleware"
	"incident_collab/internal/realtime"
	"incident_collab/internal/repository"
	"incident_collab/internal/service"
	"incident_collab/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)

	// Подключение к MongoDB
	mongoCtx, mongoCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer mongoCancel()

	mongoClient, err := mongo.Connect(mongoCtx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		appLogger.Fatal("Failed to connect to MongoDB", "error", err)
	}
	defer func() {
		_ = mongoClient.Disconnect(context.Background())
	}()

	if err := mongoClient.Ping(mongoCtx, nil); err != nil {
		appLogger.Fatal("Failed to ping MongoDB", "error", err)
	}
	appLogger.Info("MongoDB connection established")
	db := mongoClient.Database(cfg.Mongo.Database)

	// Подключение к PostgreSQL (учет активности)
	pgPool, err := pgxpool.New(context.Background(), cfg.Postgres.DSN)
	if err != nil {
		appLogger.Fatal("Failed to connect to PostgreSQL", "error", err)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping PostgreSQL", "error", err)
	}
	appLogger.Info("PostgreSQL connection established")

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Инициализация репозиториев
	repos := repository.NewRepositories(db, rdb, pgPool, appLogger)

	// Кэши: снимки диалогов и счетчики непрочитанного
	caches := service.Caches{
		Conversation: cache.NewRedisCache(rdb, "conv:", cfg.Cache.ConversationTTL),
		Unread:       cache.NewRedisCache(rdb, "unread:", cfg.Cache.UnreadTTL),
	}

	// Инициализация сервисов
	services := service.NewServices(repos, caches, cfg, appLogger)

	// Реестр соединений и диспетчер рассылки
	registry := realtime.NewRegistry(appLogger)
	dispatcher := realtime.NewDispatcher(registry, appLogger)

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Identity, repos.User, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, repos, registry, dispatcher, cfg, appLogger)

	// Настройка роутера
	router := setupRouter(handlers, authMiddleware, cfg, appLogger)

	// Запуск HTTP сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Сначала закрываем живые websocket-соединения
	registry.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)

	// API v1
	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(authMiddleware.RequireAuth())
	{
		// Диалоги
		conversations := protected.Group("/conversations")
		{
			conversations.GET("", handlers.Conversation.List)
			conversations.POST("", handlers.Conversation.Create)
			conversations.GET("/:id", handlers.Conversation.Get)
			conversations.PUT("/:id/status", handlers.Conversation.UpdateStatus)
			conversations.POST("/:id/participants", handlers.Conversation.AddParticipant)
			conversations.DELETE("/:id/participants/:userId", handlers.Conversation.RemoveParticipant)
			conversations.GET("/:id/messages", handlers.Message.List)
			conversations.POST("/:id/messages", handlers.Message.Send)
			conversations.GET("/:id/unread-count", handlers.Message.UnreadCount)
		}

		// Диалог инцидента: get-or-create
		protected.GET("/incidents/:id/conversation", handlers.Conversation.GetOrCreateIncident)

		// Внутренние обсуждения команды безопасности
		protected.GET("/team-conversations", handlers.Conversation.ListTeam)

		// Сообщения
		protected.POST("/messages/:id/read", handlers.Message.MarkRead)

		// Наблюдаемость и административное управление соединениями
		ws := protected.Group("/ws")
		ws.Use(authMiddleware.RequireRole("admin"))
		{
			ws.GET("/stats", handlers.WS.Stats)
			ws.POST("/disconnect/:userID", handlers.WS.Disconnect)
		}
	}

	// WebSocket endpoints: допуск внутри обработчиков
	router.GET("/ws/general", handlers.WS.HandleGeneral)
	router.GET("/ws/conversations/:id", handlers.WS.HandleConversation)

	return router
}
