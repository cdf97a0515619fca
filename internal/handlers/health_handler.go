package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{
		db:     db,
		logger: logrus.StandardLogger(),
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime     time.Duration `json:"uptime"`
	GoVersion  string        `json:"go_version"`
	Goroutines int           `json:"goroutines"`
}

var startTime = time.Now()

// Health 健康检查端点
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:     time.Since(startTime),
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
		},
	}

	start := time.Now()
	var count int64
	if err := h.db.WithContext(ctx).Model(&models.Workflow{}).Limit(1).Count(&count).Error; err != nil {
		response.Services["database"] = ServiceInfo{Status: "unhealthy", Error: err.Error()}
		response.Status = "unhealthy"
	} else {
		response.Services["database"] = ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
	}

	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, response)
}

// Ready 就绪检查端点：只看数据库连通
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// Metrics 引擎计数器快照
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Snapshot())
}
