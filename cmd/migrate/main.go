package main

import (
	"fmt"
	"log"

	"crmflow/internal/config"
	"crmflow/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	// 连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	// 自动迁移所有模型
	err = db.AutoMigrate(
		&models.User{},
		&models.Lead{},
		&models.Case{},
		&models.Activity{},
		&models.Workflow{},
		&models.WorkflowStep{},
		&models.WorkflowExecution{},
		&models.LeadScore{},
		&models.SLAPolicy{},
		&models.SLATracker{},
		&models.ApprovalRequest{},
		&models.ApprovalDecision{},
		&models.NotificationRecord{},
		&models.TenantSettings{},
		&models.AuditLog{},
		&models.Job{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 执行记录按实体查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_entity ON workflow_executions(entity_type, entity_id)")

	// 队列认领热路径
	db.Exec("CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, run_at, type)")

	// SLA 巡检
	db.Exec("CREATE INDEX IF NOT EXISTS idx_sla_trackers_scan ON sla_trackers(status, due_at)")

	// 活动时间线
	db.Exec("CREATE INDEX IF NOT EXISTS idx_activities_entity_created ON activities(entity_type, entity_id, created_at)")

	log.Println("Indexes created successfully!")
}
