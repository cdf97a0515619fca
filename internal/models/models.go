package models

import (
	"time"

	"gorm.io/gorm"
)

// 用户模型
type User struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	TenantID    uint           `gorm:"index" json:"tenant_id"`
	Username    string         `gorm:"not null" json:"username"`
	Email       string         `gorm:"not null" json:"email"`
	Name        string         `json:"name"`
	Phone       string         `json:"phone"`
	Role        string         `gorm:"default:'sales'" json:"role"`     // sales, manager, admin
	Status      string         `gorm:"default:'active'" json:"status"`  // active, inactive
	Territory   string         `json:"territory"`
	Skills      string         `json:"skills"` // 技能标签，逗号分隔
	ManagerID   *uint          `gorm:"index" json:"manager_id"`
	LastLogin   *time.Time     `json:"last_login"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// 线索模型
type Lead struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       uint           `gorm:"index" json:"tenant_id"`
	Title          string         `gorm:"not null" json:"title"`
	Company        string         `json:"company"`
	ContactName    string         `json:"contact_name"`
	ContactEmail   string         `json:"contact_email"`
	ContactPhone   string         `json:"contact_phone"`
	Industry       string         `json:"industry"`
	Website        string         `json:"website"`
	Source         string         `json:"source"` // web, referral, marketing, import
	Territory      string         `json:"territory"`
	Status         string         `gorm:"default:'NEW';index" json:"status"` // NEW, CONTACTED, QUALIFIED, PROPOSAL, NEGOTIATION, WON, LOST
	Priority       string         `gorm:"default:'MEDIUM'" json:"priority"`  // LOW, MEDIUM, HIGH
	Budget         float64        `json:"budget"`
	Score          int            `json:"score"`
	AssignedUserID *uint          `gorm:"index" json:"assigned_user_id"`
	NextFollowUpAt *time.Time     `json:"next_follow_up_at"`
	LastActivityAt *time.Time     `json:"last_activity_at"`
	Notes          string         `gorm:"type:text" json:"notes"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	AssignedUser *User      `gorm:"foreignKey:AssignedUserID" json:"assigned_user,omitempty"`
	Activities   []Activity `gorm:"polymorphic:Entity;polymorphicValue:LEAD" json:"activities,omitempty"`
}

// 案件模型（售后/服务工单）
type Case struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	TenantID       uint           `gorm:"index" json:"tenant_id"`
	Title          string         `gorm:"not null" json:"title"`
	Description    string         `gorm:"type:text" json:"description"`
	Category       string         `json:"category"` // technical, billing, general, complaint
	Status         string         `gorm:"default:'OPEN';index" json:"status"` // OPEN, IN_PROGRESS, WAITING, RESOLVED, CLOSED, CANCELLED
	Priority       string         `gorm:"default:'MEDIUM'" json:"priority"`   // LOW, MEDIUM, HIGH, URGENT
	LeadID         *uint          `gorm:"index" json:"lead_id"`
	AssignedUserID *uint          `gorm:"index" json:"assigned_user_id"`
	DueDate        *time.Time     `json:"due_date"`
	ResolvedAt     *time.Time     `json:"resolved_at"`
	ClosedAt       *time.Time     `json:"closed_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	AssignedUser *User `gorm:"foreignKey:AssignedUserID" json:"assigned_user,omitempty"`
}

// Activity 实体活动记录：评论、任务、系统事件都落在这里
type Activity struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	EntityType string    `gorm:"index" json:"entity_type"` // LEAD, CASE
	EntityID   uint      `gorm:"index" json:"entity_id"`
	UserID     *uint     `gorm:"index" json:"user_id"`
	Type       string    `gorm:"index" json:"type"` // note, task, email, call, system
	Title      string    `json:"title"`
	Content    string    `gorm:"type:text" json:"content"`
	Metadata   string    `gorm:"type:text" json:"metadata"` // JSON: task due date, assignee, etc.
	DueDate    *time.Time `json:"due_date"`
	CreatedAt  time.Time `json:"created_at"`
}

// NotificationRecord 站内通知投递记录
type NotificationRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  uint      `gorm:"index" json:"tenant_id"`
	UserID    *uint     `gorm:"index" json:"user_id"`
	Channel   string    `json:"channel"` // email, message
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `gorm:"type:text" json:"body"`
	Status    string    `gorm:"default:'sent'" json:"status"` // sent, failed
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantSettings 租户级引擎配置
type TenantSettings struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	TenantID           uint      `gorm:"uniqueIndex" json:"tenant_id"`
	AutoUpdatePriority bool      `gorm:"default:false" json:"auto_update_priority"`
	ScoringRules       string    `gorm:"type:text" json:"scoring_rules"`     // JSON: []ScoringRule, empty = defaults
	ScoreThresholds    string    `gorm:"type:text" json:"score_thresholds"`  // JSON: {"high":70,"medium":40}
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AuditLog 审计日志
type AuditLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   uint      `gorm:"index" json:"tenant_id"`
	Action     string    `gorm:"index" json:"action"` // execution_completed, execution_failed, execution_cancelled, ...
	EntityType string    `json:"entity_type"`
	EntityID   string    `gorm:"index" json:"entity_id"`
	ActorID    string    `json:"actor_id"` // user id or SYSTEM
	Detail     string    `gorm:"type:text" json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
