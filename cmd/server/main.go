package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/handlers"
	"crmflow/internal/models"
	"crmflow/internal/observability"
	"crmflow/internal/queue"
	"crmflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	// OpenTelemetry 追踪
	shutdownTracing, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		appLogger.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 构建 Postgres DSN 并连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	// 根据需要迁移（此处默认迁移，生产可改为条件控制）
	if err := db.AutoMigrate(
		&models.User{}, &models.Lead{}, &models.Case{}, &models.Activity{},
		&models.Workflow{}, &models.WorkflowStep{}, &models.WorkflowExecution{},
		&models.LeadScore{}, &models.SLAPolicy{}, &models.SLATracker{},
		&models.ApprovalRequest{}, &models.ApprovalDecision{},
		&models.NotificationRecord{}, &models.TenantSettings{}, &models.AuditLog{},
		&models.Job{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// 初始化队列与业务服务
	q := queue.NewDBQueue(db, appLogger, cfg.Engine.PollInterval, cfg.Engine.JobBackoffBase, cfg.Engine.JobMaxAttempts)

	store := services.NewGormEntityStore(db)
	notifier := services.NewNotificationService(db, appLogger)
	webhooks := services.NewWebhookService(cfg, appLogger)
	assignment := services.NewAssignmentService(db, store, services.NewMemoryCursorStore(), appLogger)
	scoring := services.NewLeadScoringService(db, appLogger)
	activities := services.NewActivityRecorder(db)
	approvals := services.NewApprovalService(db, notifier, appLogger)
	triggers := services.NewTriggerService(db, q, appLogger)
	sla := services.NewSLATrackerService(db, notifier, appLogger)
	sla.SetManualTrigger(triggers.TriggerManualWorkflow)

	events := services.NewEventHub()
	go events.Run()

	deps := &services.ActionDeps{
		Store:      store,
		Notifier:   notifier,
		Webhooks:   webhooks,
		Assignment: assignment,
		Scoring:    scoring,
		Approvals:  approvals,
		Activities: activities,
		Logger:     appLogger,
	}
	executor := services.NewWorkflowExecutor(db, store, deps, q, events, appLogger)
	approvals.SetExecutionCallbacks(executor.ResumeExecution, executor.FailExecution)

	scheduler := services.NewSchedulerService(db, q, executor, triggers, sla, scoring, approvals, notifier, cfg.Engine, appLogger)
	if err := scheduler.Register(); err != nil {
		appLogger.Fatalf("Failed to register scheduler jobs: %v", err)
	}

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	q.Start(engineCtx)

	workflowService := services.NewWorkflowService(db, appLogger)
	leadService := services.NewLeadService(db, triggers, sla, scoring, appLogger)
	caseService := services.NewCaseService(db, triggers, sla, appLogger)

	// 初始化 Gin
	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	// 健康检查与指标
	healthHandler := handlers.NewHealthHandler(db)
	r.GET("/health", healthHandler.Health)
	r.GET("/ready", healthHandler.Ready)
	if cfg.Monitoring.Enabled {
		r.GET(cfg.Monitoring.MetricsPath, healthHandler.Metrics)
	}

	// 执行事件推送
	r.GET("/api/ws/executions", events.HandleWebSocket)

	// API 路由组
	api := r.Group("/api")
	api.Use(handlers.TenantMiddleware())
	handlers.RegisterWorkflowRoutes(api, handlers.NewWorkflowHandler(workflowService, triggers, executor, appLogger))
	handlers.RegisterLeadRoutes(api, handlers.NewLeadHandler(leadService, scoring, assignment, appLogger))
	handlers.RegisterCaseRoutes(api, handlers.NewCaseHandler(caseService, appLogger))
	handlers.RegisterApprovalRoutes(api, handlers.NewApprovalHandler(db, approvals, appLogger))

	// 启动服务器
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: r}
	go func() {
		appLogger.Infof("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelEngine()
	q.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		appLogger.Errorf("Tracing shutdown: %v", err)
	}
	appLogger.Info("Server exited")
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Tenant-ID, X-User-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
