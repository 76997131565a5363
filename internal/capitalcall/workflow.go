package capitalcall

import (
	"fmt"

	"ALE-backend/internal/platform/auth"
)

// Action は案件に対する操作
type Action string

const (
	ActionSubmit      Action = "SUBMIT"
	ActionApprove     Action = "APPROVE"
	ActionReject      Action = "REJECT"
	ActionEdit        Action = "EDIT"
	ActionForceUnlock Action = "FORCE_UNLOCK"
)

var actionRules = map[Action]auth.Rule{
	ActionSubmit:      auth.RuleSubmit,
	ActionApprove:     auth.RuleApprove,
	ActionReject:      auth.RuleApprove,
	ActionEdit:        auth.RuleEdit,
	ActionForceUnlock: auth.RuleUnlockWorkItem,
}

type edge struct {
	from WorkflowStatus
	act  Action
}

// WorkflowEngine は状態遷移表と遷移前ガードを持つ。状態を直接書き換える口は無い。
type WorkflowEngine struct {
	table        map[edge]WorkflowStatus
	rejectTarget WorkflowStatus
}

// NewWorkflowEngine: rejectTarget は REJECTED か DRAFT
func NewWorkflowEngine(rejectTarget WorkflowStatus) (*WorkflowEngine, error) {
	if rejectTarget != StatusRejected && rejectTarget != StatusDraft {
		return nil, fmt.Errorf("reject target must be %s or %s, got %q", StatusRejected, StatusDraft, rejectTarget)
	}
	return &WorkflowEngine{
		table: map[edge]WorkflowStatus{
			{StatusDraft, ActionSubmit}:      StatusSubmitted,
			{StatusRejected, ActionSubmit}:   StatusSubmitted,
			{StatusSubmitted, ActionApprove}: StatusApproved,
			{StatusSubmitted, ActionReject}:  rejectTarget,
		},
		rejectTarget: rejectTarget,
	}, nil
}

func (e *WorkflowEngine) RejectTarget() WorkflowStatus { return e.rejectTarget }

// Next は遷移表だけを見る
func (e *WorkflowEngine) Next(from WorkflowStatus, act Action) (WorkflowStatus, error) {
	to, ok := e.table[edge{from, act}]
	if !ok {
		return "", ErrInvalidTransition(from, act)
	}
	return to, nil
}

// Check は書き込み前のガードを順に評価する:
// 権限 → 他者ロック → バージョン → 遷移表
func (e *WorkflowEngine) Check(cc *CapitalCall, actor auth.Actor, act Action, expectedVersion int64) (WorkflowStatus, error) {
	if !actor.Has(actionRules[act]) {
		return "", ErrForbidden(fmt.Sprintf("%s requires %s", act, actionRules[act]))
	}
	if cc.LockedBy != nil && *cc.LockedBy != actor.ID {
		return "", ErrAlreadyLocked(*cc.LockedBy, lockedSince(cc))
	}
	if cc.Version != expectedVersion {
		return "", ErrStaleVersion(expectedVersion, cc.Version)
	}
	return e.Next(cc.WorkflowStatus, act)
}

// AllowedActions は actor が今この案件に対して実行できる操作を返す
func (e *WorkflowEngine) AllowedActions(cc *CapitalCall, actor auth.Actor) []Action {
	lockedByOther := cc.LockedBy != nil && *cc.LockedBy != actor.ID

	var out []Action
	if actor.Has(auth.RuleEdit) && !lockedByOther && cc.WorkflowStatus != StatusApproved {
		out = append(out, ActionEdit)
	}
	for _, act := range []Action{ActionSubmit, ActionApprove, ActionReject} {
		if lockedByOther || !actor.Has(actionRules[act]) {
			continue
		}
		if _, ok := e.table[edge{cc.WorkflowStatus, act}]; ok {
			out = append(out, act)
		}
	}
	if cc.LockedBy != nil && actor.Has(auth.RuleUnlockWorkItem) {
		out = append(out, ActionForceUnlock)
	}
	return out
}

func auditActionOf(act Action) AuditAction {
	switch act {
	case ActionSubmit:
		return AuditSubmit
	case ActionApprove:
		return AuditApprove
	case ActionReject:
		return AuditReject
	}
	return AuditUpdate
}
