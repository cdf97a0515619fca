package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AssignmentFilters 限定可分配用户集合
type AssignmentFilters struct {
	Roles          []string `json:"roles,omitempty"`
	MaxActiveLeads *int     `json:"maxActiveLeads,omitempty"` // at-or-above is excluded outright
}

// CursorStore 轮询游标存储。按租户隔离，默认内存实现，重启丢失后
// 轮询从头开始——这是接受的取舍，不是 bug。
type CursorStore interface {
	Next(tenantID uint) int
	Reset(tenantID uint)
}

// MemoryCursorStore 进程内游标。跨进程不同步，并发下偶尔重复或跳过
// 一个目标，作为公平性启发足够。
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[uint]int
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[uint]int)}
}

func (s *MemoryCursorStore) Next(tenantID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cursors[tenantID]
	s.cursors[tenantID] = cur + 1
	return cur
}

func (s *MemoryCursorStore) Reset(tenantID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, tenantID)
}

// AssignmentService 按五种策略为实体挑选负责人
type AssignmentService struct {
	db      *gorm.DB
	store   EntityStore
	cursors CursorStore
	logger  *logrus.Logger
}

func NewAssignmentService(db *gorm.DB, store EntityStore, cursors CursorStore, logger *logrus.Logger) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	if cursors == nil {
		cursors = NewMemoryCursorStore()
	}
	return &AssignmentService{db: db, store: store, cursors: cursors, logger: logger}
}

type candidate struct {
	user        models.User
	activeLeads int
}

// FindBestUser 返回选中的用户 id；没有可分配用户时返回 0。
func (s *AssignmentService) FindBestUser(ctx context.Context, tenantID uint, strategy string, filters *AssignmentFilters, leadData map[string]interface{}) (uint, error) {
	candidates, err := s.eligibleCandidates(ctx, tenantID, filters)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	switch strategy {
	case models.StrategyRoundRobin:
		cursor := s.cursors.Next(tenantID)
		return candidates[cursor%len(candidates)].user.ID, nil
	case models.StrategyLeastLoaded:
		return pickLeastLoaded(candidates), nil
	case models.StrategyTerritoryBased:
		// 领地匹配暂未接线：所有候选视为命中任意领地，退化为 least-loaded。
		// 已知简化，见 DESIGN.md。
		return pickLeastLoaded(candidates), nil
	case models.StrategySkillBased:
		// 技能评分暂未接线：所有候选等分，退化为 least-loaded。已知简化。
		return pickLeastLoaded(candidates), nil
	case models.StrategyWeighted:
		return pickWeighted(candidates), nil
	default:
		return 0, fmt.Errorf("unknown assignment strategy: %s", strategy)
	}
}

func (s *AssignmentService) eligibleCandidates(ctx context.Context, tenantID uint, filters *AssignmentFilters) ([]candidate, error) {
	var roles []string
	if filters != nil {
		roles = filters.Roles
	}
	users, err := s.store.ListEligibleUsers(ctx, tenantID, roles)
	if err != nil {
		return nil, err
	}

	candidates := make([]candidate, 0, len(users))
	for _, user := range users {
		count, err := s.store.CountActiveLeadsForUser(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if filters != nil && filters.MaxActiveLeads != nil && int(count) >= *filters.MaxActiveLeads {
			continue // at capacity, excluded entirely
		}
		candidates = append(candidates, candidate{user: user, activeLeads: int(count)})
	}
	return candidates, nil
}

// pickLeastLoaded 按活跃线索数升序，平局保持输入顺序（稳定排序）
func pickLeastLoaded(candidates []candidate) uint {
	sorted := make([]candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].activeLeads < sorted[j].activeLeads
	})
	return sorted[0].user.ID
}

// pickWeighted 基础分 100，每个活跃线索 -2，低负载加成：<10 再 +10，<5 再 +10
func pickWeighted(candidates []candidate) uint {
	best := candidates[0]
	bestScore := weightedScore(best)
	for _, c := range candidates[1:] {
		if score := weightedScore(c); score > bestScore {
			best, bestScore = c, score
		}
	}
	return best.user.ID
}

func weightedScore(c candidate) int {
	score := 100 - 2*c.activeLeads
	if c.activeLeads < 10 {
		score += 10
	}
	if c.activeLeads < 5 {
		score += 10
	}
	return score
}

// BalanceWorkload 把租户下所有未分配的活跃线索按 least-loaded 补齐负责人，
// 返回分配数量。由周期性再平衡任务调用，不参与单个工作流动作。
func (s *AssignmentService) BalanceWorkload(ctx context.Context, tenantID uint) (int, error) {
	var leads []models.Lead
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND assigned_user_id IS NULL AND status NOT IN ?", tenantID, terminalLeadStatuses).
		Find(&leads).Error; err != nil {
		return 0, err
	}

	assigned := 0
	for _, lead := range leads {
		userID, err := s.FindBestUser(ctx, tenantID, models.StrategyLeastLoaded, nil, nil)
		if err != nil {
			return assigned, err
		}
		if userID == 0 {
			break // nobody eligible, no point continuing
		}
		if err := s.store.PatchEntity(ctx, models.EntityTypeLead, lead.ID, map[string]interface{}{
			"assigned_user_id": userID,
		}); err != nil {
			s.logger.Warnf("assignment: balance lead %d failed: %v", lead.ID, err)
			continue
		}
		assigned++
	}
	return assigned, nil
}
