package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// ScoringRule 单条计分规则，命中即加分。规则条件复用条件求值器。
type ScoringRule struct {
	Key      string      `json:"key"`
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
	Points   int         `json:"points"`
}

// ScoreResult 一次计分的结果
type ScoreResult struct {
	Score     int            `json:"score"`
	Breakdown map[string]int `json:"breakdown"`
	Priority  string         `json:"priority"`
}

// ScoreThresholds 分数到优先级的映射
type ScoreThresholds struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
}

const (
	demographicCap = 15
	engagementCap  = 15
)

// LeadScoringService 线索评分引擎
type LeadScoringService struct {
	db     *gorm.DB
	logger *logrus.Logger
	tracer trace.Tracer
}

func NewLeadScoringService(db *gorm.DB, logger *logrus.Logger) *LeadScoringService {
	if logger == nil {
		logger = logrus.New()
	}
	return &LeadScoringService{
		db:     db,
		logger: logger,
		tracer: otel.Tracer("crmflow.scoring"),
	}
}

// builtinRules 租户未配置时的兜底规则集
func builtinRules() []ScoringRule {
	return []ScoringRule{
		{Key: "budget_high", Field: "budget", Operator: OpGreaterThanOrEqual, Value: float64(500000), Points: 15},
		{Key: "status_negotiation", Field: "status", Operator: OpEquals, Value: "NEGOTIATION", Points: 25},
		{Key: "status_proposal", Field: "status", Operator: OpEquals, Value: "PROPOSAL", Points: 20},
		{Key: "status_qualified", Field: "status", Operator: OpEquals, Value: "QUALIFIED", Points: 15},
		{Key: "recent_activity", Field: "last_activity_at", Operator: OpIsNewerThan, Value: "7 days", Points: 10},
		{Key: "has_follow_up", Field: "next_follow_up_at", Operator: OpIsNotNull, Points: 5},
		{Key: "has_contact_email", Field: "contact_email", Operator: OpIsNotEmpty, Points: 5},
		{Key: "has_contact_phone", Field: "contact_phone", Operator: OpIsNotEmpty, Points: 5},
	}
}

// CalculateScore 计算并持久化单个线索的评分
func (s *LeadScoringService) CalculateScore(ctx context.Context, leadID, tenantID uint) (*ScoreResult, error) {
	ctx, span := s.tracer.Start(ctx, "scoring.calculate")
	defer span.End()
	span.SetAttributes(attribute.Int64("lead.id", int64(leadID)))

	var lead models.Lead
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&lead, leadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lead %d not found", leadID)
		}
		return nil, err
	}

	snapshot, err := EntityToMap(lead)
	if err != nil {
		return nil, err
	}
	evalCtx := NewExecutionContext(snapshot, nil, nil, nil)

	settings := s.loadSettings(ctx, tenantID)
	rules := s.loadRules(settings)
	breakdown := map[string]int{}
	total := 0
	for _, rule := range rules {
		cond := ConditionConfig{Field: rule.Field, Operator: rule.Operator, Value: rule.Value}
		if EvaluateCondition(&cond, evalCtx) {
			breakdown[rule.Key] = rule.Points
			total += rule.Points
		}
	}

	demo := demographicScore(&lead)
	if demo > 0 {
		breakdown["demographic"] = demo
		total += demo
	}
	engagement := s.engagementScore(ctx, &lead)
	if engagement > 0 {
		breakdown["engagement"] = engagement
		total += engagement
	}

	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}

	priority := priorityFor(total, s.loadThresholds(settings))
	result := &ScoreResult{Score: total, Breakdown: breakdown, Priority: priority}

	if err := s.persistScore(ctx, &lead, result); err != nil {
		return nil, err
	}
	if settings != nil && settings.AutoUpdatePriority {
		if err := s.db.WithContext(ctx).Model(&models.Lead{}).
			Where("id = ?", lead.ID).
			Updates(map[string]interface{}{"score": total, "priority": priority}).Error; err != nil {
			s.logger.Warnf("scoring: update lead %d priority failed: %v", lead.ID, err)
		}
	}
	return result, nil
}

// BulkCalculateScores 重算租户全部活跃线索，单条失败只记日志不中断，
// 返回成功条数。
func (s *LeadScoringService) BulkCalculateScores(ctx context.Context, tenantID uint) (int, error) {
	var leadIDs []uint
	if err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("tenant_id = ? AND status NOT IN ?", tenantID, terminalLeadStatuses).
		Pluck("id", &leadIDs).Error; err != nil {
		return 0, err
	}

	calculated := 0
	for _, id := range leadIDs {
		if _, err := s.CalculateScore(ctx, id, tenantID); err != nil {
			s.logger.Warnf("scoring: lead %d failed: %v", id, err)
			continue
		}
		calculated++
	}
	return calculated, nil
}

func (s *LeadScoringService) loadSettings(ctx context.Context, tenantID uint) *models.TenantSettings {
	var settings models.TenantSettings
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&settings).Error; err != nil {
		return nil
	}
	return &settings
}

func (s *LeadScoringService) loadRules(settings *models.TenantSettings) []ScoringRule {
	if settings == nil || settings.ScoringRules == "" {
		return builtinRules()
	}
	var rules []ScoringRule
	if err := json.Unmarshal([]byte(settings.ScoringRules), &rules); err != nil || len(rules) == 0 {
		if err != nil {
			s.logger.Warnf("scoring: invalid tenant rules, using defaults: %v", err)
		}
		return builtinRules()
	}
	return rules
}

func (s *LeadScoringService) loadThresholds(settings *models.TenantSettings) ScoreThresholds {
	thresholds := ScoreThresholds{High: 70, Medium: 40}
	if settings == nil || settings.ScoreThresholds == "" {
		return thresholds
	}
	if err := json.Unmarshal([]byte(settings.ScoreThresholds), &thresholds); err != nil {
		return ScoreThresholds{High: 70, Medium: 40}
	}
	return thresholds
}

// demographicScore 公司/联系人/业务信息完整度，封顶 15
func demographicScore(lead *models.Lead) int {
	score := 0
	if lead.Company != "" {
		score += 5
	}
	if lead.Industry != "" {
		score += 3
	}
	if lead.Website != "" {
		score += 3
	}
	if lead.ContactName != "" {
		score += 2
	}
	if lead.Territory != "" {
		score += 2
	}
	if score > demographicCap {
		score = demographicCap
	}
	return score
}

// engagementScore 最近活动越新分越高（≤3d→10, ≤7d→7, ≤14d→4, ≤30d→2），
// 活动量最多再加 5 分，封顶 15
func (s *LeadScoringService) engagementScore(ctx context.Context, lead *models.Lead) int {
	score := 0
	if lead.LastActivityAt != nil {
		age := time.Since(*lead.LastActivityAt)
		switch {
		case age <= 3*24*time.Hour:
			score += 10
		case age <= 7*24*time.Hour:
			score += 7
		case age <= 14*24*time.Hour:
			score += 4
		case age <= 30*24*time.Hour:
			score += 2
		}
	}

	var activityCount int64
	if err := s.db.WithContext(ctx).Model(&models.Activity{}).
		Where("entity_type = ? AND entity_id = ?", models.EntityTypeLead, lead.ID).
		Count(&activityCount).Error; err == nil {
		if activityCount > 5 {
			activityCount = 5
		}
		score += int(activityCount)
	}

	if score > engagementCap {
		score = engagementCap
	}
	return score
}

func priorityFor(score int, thresholds ScoreThresholds) string {
	switch {
	case score >= thresholds.High:
		return "HIGH"
	case score >= thresholds.Medium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// persistScore upsert：每个线索一行，重算覆盖
func (s *LeadScoringService) persistScore(ctx context.Context, lead *models.Lead, result *ScoreResult) error {
	breakdown, err := json.Marshal(result.Breakdown)
	if err != nil {
		return err
	}

	var existing models.LeadScore
	err = s.db.WithContext(ctx).Where("lead_id = ?", lead.ID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&models.LeadScore{
			TenantID:     lead.TenantID,
			LeadID:       lead.ID,
			Score:        result.Score,
			Breakdown:    string(breakdown),
			Priority:     result.Priority,
			CalculatedAt: time.Now(),
		}).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"score":         result.Score,
		"breakdown":     string(breakdown),
		"priority":      result.Priority,
		"calculated_at": time.Now(),
	}).Error
}
