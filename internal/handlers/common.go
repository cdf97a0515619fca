package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// TenantMiddleware 从 X-Tenant-ID 头读取租户，缺失直接拒绝
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := strconv.ParseUint(c.GetHeader("X-Tenant-ID"), 10, 32)
		if err != nil || tenantID == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Missing tenant",
				Message: "X-Tenant-ID header is required",
			})
			return
		}
		c.Set("tenant_id", uint(tenantID))
		c.Next()
	}
}

func tenantFrom(c *gin.Context) uint {
	return c.GetUint("tenant_id")
}

// actorFrom X-User-ID 头标识操作者，缺省为 SYSTEM
func actorFrom(c *gin.Context) string {
	if actor := c.GetHeader("X-User-ID"); actor != "" {
		return actor
	}
	return "SYSTEM"
}

func actorUserID(c *gin.Context) *uint {
	id, err := strconv.ParseUint(c.GetHeader("X-User-ID"), 10, 32)
	if err != nil || id == 0 {
		return nil
	}
	uid := uint(id)
	return &uid
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid " + name,
			Message: name + " must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}
