package services

import (
	"context"

	"crmflow/internal/models"

	"gorm.io/gorm"
)

// ActivityRecorder 实体活动流的落库入口
type ActivityRecorder struct {
	db *gorm.DB
}

func NewActivityRecorder(db *gorm.DB) *ActivityRecorder {
	return &ActivityRecorder{db: db}
}

func (r *ActivityRecorder) Record(ctx context.Context, activity *models.Activity) error {
	return r.db.WithContext(ctx).Create(activity).Error
}

// ManagerOf 返回用户的直属上级 id，没有则 0
func (r *ActivityRecorder) ManagerOf(ctx context.Context, userID uint) uint {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return 0
	}
	if user.ManagerID == nil {
		return 0
	}
	return *user.ManagerID
}
