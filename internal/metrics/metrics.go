// Package metrics keeps process-local counters for the engine.
// 进程内计数器，/metrics 接口直接读快照，不依赖外部采集端。
package metrics

import (
	"sync"
	"time"
)

var (
	mu       sync.RWMutex
	started  = time.Now()
	counters = map[string]int64{}
)

func inc(key string) {
	mu.Lock()
	counters[key]++
	mu.Unlock()
}

// IncExecution 记录一次执行状态迁移（started/paused/completed/failed/cancelled）
func IncExecution(outcome string) { inc("executions_" + outcome) }

// IncTrigger 记录一次触发匹配
func IncTrigger(triggerType string) { inc("triggers_" + triggerType) }

// IncJob 记录一次任务结果（done/failed/requeued）
func IncJob(outcome string) { inc("jobs_" + outcome) }

// IncAction 记录一次动作执行结果
func IncAction(actionType, outcome string) { inc("actions_" + actionType + "_" + outcome) }

// IncSLA 记录 SLA 状态变化（at_risk/breached/completed）
func IncSLA(state string) { inc("sla_" + state) }

// Snapshot 返回当前所有计数器的副本加上进程运行时长（秒）
func Snapshot() map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(counters)+1)
	for k, v := range counters {
		out[k] = v
	}
	out["uptime_seconds"] = int64(time.Since(started).Seconds())
	return out
}

// Reset 仅供测试使用
func Reset() {
	mu.Lock()
	counters = map[string]int64{}
	mu.Unlock()
}
