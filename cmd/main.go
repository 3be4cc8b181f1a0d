package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"purepale-studio/internal/client"
	"purepale-studio/internal/config"
	"purepale-studio/internal/describe"
	"purepale-studio/internal/handler"
	"purepale-studio/internal/metrics"
	"purepale-studio/internal/service"
	"purepale-studio/internal/storage"
	"purepale-studio/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	store, err := newStorage(cfg.Storage)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	backend := client.New(cfg.Backend)
	describer, err := describe.New(cfg.Describe, backend, backend)
	if err != nil {
		logger.Fatalf("Failed to init describer: %v", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// 初始化服务
	studio := service.NewStudioService(service.Options{
		Store:           store,
		Backend:         backend,
		Describer:       describer,
		Metrics:         m,
		Studio:          cfg.Studio,
		Session:         cfg.Session,
		GenerateTimeout: cfg.Backend.GenerateTimeout,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
	})

	// 后端信息只在启动时读取一次，读取失败无法继续
	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
	err = studio.Start(startCtx)
	cancel()
	if err != nil {
		logger.Fatalf("Failed to reach generation backend at %s: %v", cfg.Backend.BaseURL, err)
	}

	studioHandler := handler.NewStudioHandler(studio, cfg.Server.MaxUploadBytes)

	// 创建路由
	router := setupRouter(cfg, studioHandler, m)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	stopBackup := startBackupLoop(store, cfg.Storage.BackupInterval)

	// 启动服务器
	go func() {
		logger.Infof("服务器启动在端口 %d，生成后端 %s", cfg.Server.Port, cfg.Backend.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
	}
	stopBackup()
	studio.Close()
	logger.Info("服务器已关闭")
}

func newStorage(cfg config.StorageConfig) (storage.Storage, error) {
	var store storage.Storage
	switch cfg.Type {
	case "disk":
		store = storage.NewDiskStorage(cfg.DataDir, cfg.CacheSize)
	case "redis":
		store = storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		return nil, err
	}
	logger.Infof("storage initialized: %s", cfg.Type)
	return store, nil
}

// startBackupLoop 定期备份存储，返回停止函数
func startBackupLoop(store storage.Storage, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Backup(); err != nil {
					logger.Errorf("Storage backup failed: %v", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func setupRouter(cfg *config.Config, studioHandler *handler.StudioHandler, m *metrics.Metrics) *gin.Engine {
	// 设置gin模式
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS配置
	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		})
	})

	if m != nil {
		router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	// API路由
	studioHandler.Register(router.Group("/api"))

	return router
}
