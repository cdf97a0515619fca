package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crmflow/internal/models"

	"gorm.io/gorm"
)

// EntityStore 引擎读写业务实体的窄接口。工作流引擎只透过这里接触
// lead/case 存储，方便测试替换。
type EntityStore interface {
	// LoadEntity 返回实体快照（JSON 字段名为 key），不存在时返回 (nil, nil)
	LoadEntity(ctx context.Context, entityType string, id uint) (map[string]interface{}, error)
	PatchEntity(ctx context.Context, entityType string, id uint, fields map[string]interface{}) error
	CountActiveLeadsForUser(ctx context.Context, userID uint) (int64, error)
	ListEligibleUsers(ctx context.Context, tenantID uint, roles []string) ([]models.User, error)
}

// GormEntityStore EntityStore 的 gorm 实现
type GormEntityStore struct {
	db *gorm.DB
}

func NewGormEntityStore(db *gorm.DB) *GormEntityStore {
	return &GormEntityStore{db: db}
}

// 线索终态：不再计入活跃工作量
var terminalLeadStatuses = []string{"WON", "LOST"}

func (s *GormEntityStore) LoadEntity(ctx context.Context, entityType string, id uint) (map[string]interface{}, error) {
	var record interface{}
	switch entityType {
	case models.EntityTypeLead:
		var lead models.Lead
		if err := s.db.WithContext(ctx).First(&lead, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		record = lead
	case models.EntityTypeCase:
		var c models.Case
		if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		record = c
	default:
		return nil, fmt.Errorf("unknown entity type: %s", entityType)
	}
	return EntityToMap(record)
}

func (s *GormEntityStore) PatchEntity(ctx context.Context, entityType string, id uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	var model interface{}
	switch entityType {
	case models.EntityTypeLead:
		model = &models.Lead{}
	case models.EntityTypeCase:
		model = &models.Case{}
	default:
		return fmt.Errorf("unknown entity type: %s", entityType)
	}
	result := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s %d not found", entityType, id)
	}
	return nil
}

func (s *GormEntityStore) CountActiveLeadsForUser(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Where("assigned_user_id = ? AND status NOT IN ?", userID, terminalLeadStatuses).
		Count(&count).Error
	return count, err
}

func (s *GormEntityStore) ListEligibleUsers(ctx context.Context, tenantID uint, roles []string) ([]models.User, error) {
	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, "active").
		Order("id ASC")
	if len(roles) > 0 {
		query = query.Where("role IN ?", roles)
	}
	var users []models.User
	if err := query.Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// EntityToMap 通过 JSON 往返把 gorm 模型转成快照 map，key 与 json tag 一致
func EntityToMap(record interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
