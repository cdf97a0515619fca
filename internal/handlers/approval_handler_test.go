package handlers

import (
	"context"
	"net/http"
	"testing"

	"crmflow/internal/models"
	"crmflow/internal/services"
)

func seedApprovalRequest(t *testing.T, env *handlerTestEnv, approverIDs []uint) *models.ApprovalRequest {
	t.Helper()
	request, err := env.approvals.CreateRequest(context.Background(), 1, "exec-http-1", &services.ApprovalConfig{
		Title:       "Discount over 20%",
		ApproverIDs: approverIDs,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	return request
}

func TestApprovalEndpoints_ListPending(t *testing.T) {
	env := newHandlerTestEnv(t)
	seedApprovalRequest(t, env, []uint{7, 9})

	// 没有 X-User-ID 拒绝
	if w := env.requestAs(t, "GET", "/api/approvals", nil, "1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing user status = %d, want 400", w.Code)
	}

	w := env.request(t, "GET", "/api/approvals", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var resp struct {
		Data []models.ApprovalRequest `json:"data"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Data) != 1 {
		t.Fatalf("pending for user 7 = %d, want 1", len(resp.Data))
	}

	// 不在审批人名单里的用户看不到
	w = env.requestAs(t, "GET", "/api/approvals", nil, "1", "8")
	decodeJSON(t, w, &resp)
	if len(resp.Data) != 0 {
		t.Fatalf("pending for user 8 = %d, want 0", len(resp.Data))
	}
}

func TestApprovalEndpoints_Decide(t *testing.T) {
	env := newHandlerTestEnv(t)
	request := seedApprovalRequest(t, env, []uint{7})

	w := env.request(t, "POST", "/api/approvals/"+request.ID+"/decide",
		map[string]interface{}{"approved": true, "comment": "fine by me"})
	if w.Code != http.StatusOK {
		t.Fatalf("decide status = %d, body %s", w.Code, w.Body.String())
	}
	var decided models.ApprovalRequest
	decodeJSON(t, w, &decided)
	if decided.Status != models.ApprovalApproved {
		t.Fatalf("request status = %s, want APPROVED", decided.Status)
	}

	// 已终结的请求再决不行
	w = env.request(t, "POST", "/api/approvals/"+request.ID+"/decide",
		map[string]interface{}{"approved": false})
	if w.Code != http.StatusConflict {
		t.Fatalf("decide resolved status = %d, want 409", w.Code)
	}
}

func TestApprovalEndpoints_DecideGuards(t *testing.T) {
	env := newHandlerTestEnv(t)
	request := seedApprovalRequest(t, env, []uint{9})

	// 非审批人
	if w := env.request(t, "POST", "/api/approvals/"+request.ID+"/decide",
		map[string]interface{}{"approved": true}); w.Code != http.StatusConflict {
		t.Fatalf("non-approver status = %d, want 409", w.Code)
	}

	// 没有 X-User-ID
	if w := env.requestAs(t, "POST", "/api/approvals/"+request.ID+"/decide",
		map[string]interface{}{"approved": true}, "1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("missing user status = %d, want 400", w.Code)
	}

	// 不存在的请求
	if w := env.request(t, "POST", "/api/approvals/nope/decide",
		map[string]interface{}{"approved": true}); w.Code != http.StatusConflict {
		t.Fatalf("missing request status = %d, want 409", w.Code)
	}
}
