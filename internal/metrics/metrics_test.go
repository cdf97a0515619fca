package metrics

import "testing"

func TestSnapshotCounters(t *testing.T) {
	Reset()
	IncExecution("started")
	IncExecution("started")
	IncExecution("completed")
	IncJob("done")
	IncSLA("breached")
	IncAction("SEND_EMAIL", "success")

	snap := Snapshot()
	if snap["executions_started"] != 2 {
		t.Errorf("executions_started = %d, want 2", snap["executions_started"])
	}
	if snap["executions_completed"] != 1 {
		t.Errorf("executions_completed = %d, want 1", snap["executions_completed"])
	}
	if snap["jobs_done"] != 1 || snap["sla_breached"] != 1 {
		t.Errorf("jobs_done=%d sla_breached=%d, want 1/1", snap["jobs_done"], snap["sla_breached"])
	}
	if snap["actions_SEND_EMAIL_success"] != 1 {
		t.Errorf("action counter = %d, want 1", snap["actions_SEND_EMAIL_success"])
	}
	if _, ok := snap["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}

	// 快照是副本，改它不影响内部状态
	snap["jobs_done"] = 99
	if Snapshot()["jobs_done"] != 1 {
		t.Error("snapshot mutation leaked into counters")
	}

	Reset()
	if Snapshot()["executions_started"] != 0 {
		t.Error("Reset did not clear counters")
	}
}
