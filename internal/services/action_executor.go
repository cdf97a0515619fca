package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
)

// Action error codes surfaced in ActionResult.Error.
const (
	ErrUnknownActionType = "UNKNOWN_ACTION_TYPE"
	ErrNoAssigneeFound   = "NO_ASSIGNEE_FOUND"
	ErrInvalidWaitConfig = "INVALID_WAIT_CONFIG"
	ErrInvalidEntityType = "INVALID_ENTITY_TYPE"
)

// ActionResult 单个动作的执行结果
type ActionResult struct {
	Success           bool                   `json:"success"`
	Message           string                 `json:"message,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Error             string                 `json:"error,omitempty"`
	ShouldPause       bool                   `json:"should_pause,omitempty"`
	ResumeAt          *time.Time             `json:"resume_at,omitempty"`
	ApprovalRequestID string                 `json:"approval_request_id,omitempty"`
}

func failedResult(code, message string) ActionResult {
	return ActionResult{Success: false, Error: code, Message: message}
}

// Typed action configs, one per action kind.

type SendEmailConfig struct {
	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type AssignUserConfig struct {
	UserID   string             `json:"userId,omitempty"` // direct, template-resolved
	Strategy string             `json:"strategy,omitempty"`
	Filters  *AssignmentFilters `json:"filters,omitempty"`
	Fallback string             `json:"fallback,omitempty"`
}

type UpdateFieldConfig struct {
	Field string      `json:"field"`
	Value interface{} `json:"value"`
}

type CreateTaskConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"` // template-resolved
	DueDate     string `json:"dueDate,omitempty"`    // absolute date or "[+-]<N> <unit>"
}

type WebhookActionConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
	Auth    *WebhookAuth      `json:"auth,omitempty"`
}

type WaitConfig struct {
	Duration *int   `json:"duration,omitempty"` // minutes from now
	Until    string `json:"until,omitempty"`    // template-resolved absolute date
}

type ApprovalConfig struct {
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	ApproverIDs      []uint `json:"approverIds"`
	ApprovalType     string `json:"approvalType,omitempty"` // ANY, ALL, MAJORITY
	ExpiresInMinutes *int   `json:"expiresInMinutes,omitempty"`
}

type EscalateConfig struct {
	EscalateTo    string `json:"escalateTo"` // template-resolved user id
	Reason        string `json:"reason,omitempty"`
	BumpPriority  bool   `json:"bumpPriority,omitempty"`
	NotifyManager bool   `json:"notifyManager,omitempty"`
}

// ActionDeps 所有动作共享的依赖
type ActionDeps struct {
	Store      EntityStore
	Notifier   NotificationSender
	Webhooks   WebhookSender
	Assignment *AssignmentService
	Scoring    *LeadScoringService
	Approvals  *ApprovalService
	Activities *ActivityRecorder
	Logger     *logrus.Logger
}

// ActionExecutor 每次执行构造一个，绑定当前上下文与实体
type ActionExecutor struct {
	deps        *ActionDeps
	evalCtx     *ExecutionContext
	tenantID    uint
	entityType  string
	entityID    uint
	executionID string
}

func NewActionExecutor(deps *ActionDeps, evalCtx *ExecutionContext, tenantID uint, entityType string, entityID uint, executionID string) *ActionExecutor {
	return &ActionExecutor{
		deps:        deps,
		evalCtx:     evalCtx,
		tenantID:    tenantID,
		entityType:  entityType,
		entityID:    entityID,
		executionID: executionID,
	}
}

// Execute 执行一个动作。实现错误一律转成失败结果，不向上抛：
// 由调用方决定序列是否中止。
func (e *ActionExecutor) Execute(ctx context.Context, actionType, rawConfig string) ActionResult {
	result := e.dispatch(ctx, actionType, rawConfig)
	outcome := "success"
	switch {
	case result.ShouldPause:
		outcome = "paused"
	case !result.Success:
		outcome = "failed"
	}
	metrics.IncAction(actionType, outcome)
	return result
}

func (e *ActionExecutor) dispatch(ctx context.Context, actionType, rawConfig string) (result ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.deps.Logger.Errorf("action %s panicked: %v", actionType, r)
			result = failedResult("ACTION_PANIC", fmt.Sprintf("%v", r))
		}
	}()

	switch actionType {
	case models.ActionSendEmail:
		return e.sendEmail(ctx, rawConfig)
	case models.ActionAssignUser:
		return e.assignUser(ctx, rawConfig)
	case models.ActionUpdateField:
		return e.updateField(ctx, rawConfig)
	case models.ActionCreateTask:
		return e.createTask(ctx, rawConfig)
	case models.ActionWebhook:
		return e.callWebhook(ctx, rawConfig)
	case models.ActionWait:
		return e.wait(rawConfig)
	case models.ActionApproval:
		return e.requestApproval(ctx, rawConfig)
	case models.ActionUpdateLeadScore:
		return e.updateLeadScore(ctx)
	case models.ActionEscalate:
		return e.escalate(ctx, rawConfig)
	default:
		return failedResult(ErrUnknownActionType, fmt.Sprintf("unknown action type: %s", actionType))
	}
}

// ActionSpec 序列里的一个动作
type ActionSpec struct {
	Type   string
	Config string
}

// ExecuteSequence 顺序执行，遇到第一个暂停或失败即停。已执行动作的
// 副作用保留，不做跨动作回滚。
func (e *ActionExecutor) ExecuteSequence(ctx context.Context, actions []ActionSpec) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result := e.Execute(ctx, action.Type, action.Config)
		results = append(results, result)
		if result.ShouldPause || !result.Success {
			break
		}
	}
	return results
}

func (e *ActionExecutor) sendEmail(ctx context.Context, rawConfig string) ActionResult {
	var cfg SendEmailConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}

	to := ResolveTemplate(cfg.To, e.evalCtx)
	subject := ResolveTemplate(cfg.Subject, e.evalCtx)
	body := ResolveTemplate(cfg.Body, e.evalCtx)
	cc := resolveAll(cfg.CC, e.evalCtx)
	bcc := resolveAll(cfg.BCC, e.evalCtx)

	if err := e.deps.Notifier.SendEmail(ctx, to, subject, body, cc, bcc); err != nil {
		return failedResult("EMAIL_SEND_FAILED", err.Error())
	}
	e.logActivity(ctx, "email", "Email sent", fmt.Sprintf("To: %s, Subject: %s", to, subject), nil)
	return ActionResult{Success: true, Message: fmt.Sprintf("email sent to %s", to)}
}

func (e *ActionExecutor) assignUser(ctx context.Context, rawConfig string) ActionResult {
	var cfg AssignUserConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}

	userID := parseUserID(ResolveTemplate(cfg.UserID, e.evalCtx))
	if userID == 0 && cfg.Strategy != "" {
		found, err := e.deps.Assignment.FindBestUser(ctx, e.tenantID, cfg.Strategy, cfg.Filters, e.evalCtx.Current)
		if err != nil {
			return failedResult("ASSIGNMENT_FAILED", err.Error())
		}
		userID = found
	}
	if userID == 0 {
		userID = parseUserID(ResolveTemplate(cfg.Fallback, e.evalCtx))
	}
	if userID == 0 {
		return failedResult(ErrNoAssigneeFound, "no user could be assigned")
	}

	if err := e.deps.Store.PatchEntity(ctx, e.entityType, e.entityID, map[string]interface{}{
		"assigned_user_id": userID,
	}); err != nil {
		return failedResult("ASSIGNMENT_FAILED", err.Error())
	}

	e.logActivity(ctx, "system", "Assigned", fmt.Sprintf("Assigned to user %d", userID), nil)
	if err := e.deps.Notifier.SendMessage(ctx, userID,
		fmt.Sprintf("New %s assigned", strings.ToLower(e.entityType)),
		fmt.Sprintf("%s #%d has been assigned to you.", e.entityType, e.entityID)); err != nil {
		e.deps.Logger.Warnf("action: assignee notification failed: %v", err)
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("assigned to user %d", userID),
		Data:    map[string]interface{}{"userId": userID},
	}
}

func (e *ActionExecutor) updateField(ctx context.Context, rawConfig string) ActionResult {
	var cfg UpdateFieldConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}
	if cfg.Field == "" {
		return failedResult("INVALID_CONFIG", "field is required")
	}

	value := cfg.Value
	if s, ok := value.(string); ok {
		value = ResolveTemplate(s, e.evalCtx)
	}

	if err := e.deps.Store.PatchEntity(ctx, e.entityType, e.entityID, map[string]interface{}{
		cfg.Field: value,
	}); err != nil {
		return failedResult("UPDATE_FAILED", err.Error())
	}
	e.logActivity(ctx, "system", "Field updated", fmt.Sprintf("%s = %v", cfg.Field, value), nil)
	return ActionResult{Success: true, Message: fmt.Sprintf("updated %s", cfg.Field)}
}

var relativeDueDateRe = regexp.MustCompile(`^([+-])(\d+)\s*(day|hour|minute)s?$`)

func (e *ActionExecutor) createTask(ctx context.Context, rawConfig string) ActionResult {
	var cfg CreateTaskConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}

	title := ResolveTemplate(cfg.Title, e.evalCtx)
	description := ResolveTemplate(cfg.Description, e.evalCtx)
	assigneeID := parseUserID(ResolveTemplate(cfg.AssigneeID, e.evalCtx))
	dueDate := resolveDueDate(cfg.DueDate, e.evalCtx)

	metadata := map[string]interface{}{"source": "workflow", "execution_id": e.executionID}
	if assigneeID != 0 {
		metadata["assignee_id"] = assigneeID
	}
	if err := e.logActivityWithDue(ctx, "task", title, description, metadata, dueDate); err != nil {
		return failedResult("TASK_CREATE_FAILED", err.Error())
	}

	if assigneeID != 0 {
		if err := e.deps.Notifier.SendMessage(ctx, assigneeID, "New task: "+title, description); err != nil {
			e.deps.Logger.Warnf("action: task notification failed: %v", err)
		}
	}
	return ActionResult{Success: true, Message: "task created: " + title}
}

func (e *ActionExecutor) callWebhook(ctx context.Context, rawConfig string) ActionResult {
	var cfg WebhookActionConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}
	if cfg.URL == "" {
		return failedResult("INVALID_CONFIG", "webhook url is required")
	}

	req := &WebhookRequest{
		URL:     ResolveTemplate(cfg.URL, e.evalCtx),
		Method:  cfg.Method,
		Headers: cfg.Headers,
		Auth:    cfg.Auth,
	}
	if cfg.Body != nil {
		req.Body = ResolveObjectTemplates(cfg.Body, e.evalCtx)
	}

	resp, err := e.deps.Webhooks.Send(ctx, req)
	data := map[string]interface{}{}
	if resp != nil {
		data["statusCode"] = resp.StatusCode
		data["body"] = resp.Body
		data["attempts"] = resp.Attempts
	}
	if err != nil {
		result := failedResult("WEBHOOK_FAILED", err.Error())
		result.Data = data
		return result
	}
	return ActionResult{Success: true, Message: fmt.Sprintf("webhook returned %d", resp.StatusCode), Data: data}
}

// wait 需要 duration/until 二选一；返回 shouldPause 让执行器落库暂停
func (e *ActionExecutor) wait(rawConfig string) ActionResult {
	var cfg WaitConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}

	hasDuration := cfg.Duration != nil
	hasUntil := cfg.Until != ""
	if hasDuration == hasUntil {
		return failedResult(ErrInvalidWaitConfig, "exactly one of duration/until is required")
	}

	var resumeAt time.Time
	if hasDuration {
		resumeAt = time.Now().Add(time.Duration(*cfg.Duration) * time.Minute)
	} else {
		resolved := ResolveTemplate(cfg.Until, e.evalCtx)
		parsed, ok := asTime(resolved)
		if !ok {
			return failedResult(ErrInvalidWaitConfig, fmt.Sprintf("cannot parse until date: %q", resolved))
		}
		resumeAt = parsed
	}

	return ActionResult{
		Success:     true,
		Message:     "waiting until " + resumeAt.Format(time.RFC3339),
		ShouldPause: true,
		ResumeAt:    &resumeAt,
	}
}

func (e *ActionExecutor) requestApproval(ctx context.Context, rawConfig string) ActionResult {
	var cfg ApprovalConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}
	if len(cfg.ApproverIDs) == 0 {
		return failedResult("INVALID_CONFIG", "approverIds is required")
	}

	cfg.Title = ResolveTemplate(cfg.Title, e.evalCtx)
	cfg.Description = ResolveTemplate(cfg.Description, e.evalCtx)

	request, err := e.deps.Approvals.CreateRequest(ctx, e.tenantID, e.executionID, &cfg)
	if err != nil {
		return failedResult("APPROVAL_CREATE_FAILED", err.Error())
	}
	return ActionResult{
		Success:           true,
		Message:           "approval requested",
		ShouldPause:       true,
		ApprovalRequestID: request.ID,
	}
}

func (e *ActionExecutor) updateLeadScore(ctx context.Context) ActionResult {
	if e.entityType != models.EntityTypeLead {
		return failedResult(ErrInvalidEntityType, "UPDATE_LEAD_SCORE only applies to leads")
	}
	result, err := e.deps.Scoring.CalculateScore(ctx, e.entityID, e.tenantID)
	if err != nil {
		return failedResult("SCORING_FAILED", err.Error())
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("lead score: %d (%s)", result.Score, result.Priority),
		Data:    map[string]interface{}{"score": result.Score, "priority": result.Priority},
	}
}

var priorityLadder = []string{"LOW", "MEDIUM", "HIGH", "URGENT"}

func (e *ActionExecutor) escalate(ctx context.Context, rawConfig string) ActionResult {
	var cfg EscalateConfig
	if err := json.Unmarshal([]byte(rawConfig), &cfg); err != nil {
		return failedResult("INVALID_CONFIG", err.Error())
	}

	target := parseUserID(ResolveTemplate(cfg.EscalateTo, e.evalCtx))
	if target == 0 {
		return failedResult(ErrNoAssigneeFound, "escalation target not resolved")
	}
	reason := ResolveTemplate(cfg.Reason, e.evalCtx)

	patch := map[string]interface{}{"assigned_user_id": target}
	if cfg.BumpPriority {
		if current, ok := e.evalCtx.Current["priority"].(string); ok {
			patch["priority"] = bumpPriority(current)
		}
	}
	if err := e.deps.Store.PatchEntity(ctx, e.entityType, e.entityID, patch); err != nil {
		return failedResult("ESCALATION_FAILED", err.Error())
	}

	e.logActivity(ctx, "system", "Escalated", fmt.Sprintf("Escalated to user %d: %s", target, reason), nil)
	subject := fmt.Sprintf("Escalation: %s #%d", e.entityType, e.entityID)
	if err := e.deps.Notifier.SendMessage(ctx, target, subject, reason); err != nil {
		e.deps.Logger.Warnf("action: escalation notification failed: %v", err)
	}
	if cfg.NotifyManager {
		if managerID := e.deps.Activities.ManagerOf(ctx, target); managerID != 0 {
			if err := e.deps.Notifier.SendMessage(ctx, managerID, subject, reason); err != nil {
				e.deps.Logger.Warnf("action: manager notification failed: %v", err)
			}
		}
	}
	return ActionResult{
		Success: true,
		Message: fmt.Sprintf("escalated to user %d", target),
		Data:    map[string]interface{}{"userId": target},
	}
}

func (e *ActionExecutor) logActivity(ctx context.Context, actType, title, content string, metadata map[string]interface{}) {
	if err := e.logActivityWithDue(ctx, actType, title, content, metadata, nil); err != nil {
		e.deps.Logger.Warnf("action: activity log failed: %v", err)
	}
}

func (e *ActionExecutor) logActivityWithDue(ctx context.Context, actType, title, content string, metadata map[string]interface{}, dueDate *time.Time) error {
	return e.deps.Activities.Record(ctx, &models.Activity{
		TenantID:   e.tenantID,
		EntityType: e.entityType,
		EntityID:   e.entityID,
		Type:       actType,
		Title:      title,
		Content:    content,
		Metadata:   marshalMetadata(metadata),
		DueDate:    dueDate,
		CreatedAt:  time.Now(),
	})
}

func marshalMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(raw)
}

func resolveAll(values []string, ctx *ExecutionContext) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if resolved := ResolveTemplate(v, ctx); resolved != "" {
			out = append(out, resolved)
		}
	}
	return out
}

func parseUserID(s string) uint {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

// resolveDueDate 绝对日期直接解析；相对偏移形如 "+3 days"、"-2 hours"
func resolveDueDate(spec string, ctx *ExecutionContext) *time.Time {
	spec = strings.TrimSpace(ResolveTemplate(spec, ctx))
	if spec == "" {
		return nil
	}
	if m := relativeDueDateRe.FindStringSubmatch(strings.ToLower(spec)); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return nil
		}
		if m[1] == "-" {
			n = -n
		}
		var due time.Time
		switch m[3] {
		case "day":
			due = time.Now().AddDate(0, 0, n)
		case "hour":
			due = time.Now().Add(time.Duration(n) * time.Hour)
		case "minute":
			due = time.Now().Add(time.Duration(n) * time.Minute)
		}
		return &due
	}
	if parsed, ok := asTime(spec); ok {
		return &parsed
	}
	return nil
}

func bumpPriority(current string) string {
	for i, p := range priorityLadder {
		if strings.EqualFold(current, p) && i < len(priorityLadder)-1 {
			return priorityLadder[i+1]
		}
	}
	return current
}
