package auth

import "slices"

// Rule は操作権限（capability）
type Rule string

const (
	RuleView           Rule = "VIEW"
	RuleEdit           Rule = "EDIT"
	RuleSubmit         Rule = "SUBMIT"
	RuleApprove        Rule = "APPROVE"
	RuleExport         Rule = "EXPORT"
	RuleUnlockWorkItem Rule = "UNLOCK_WORK_ITEM"
	RuleManageAccounts Rule = "MANAGE_ACCOUNTS"
)

const (
	RoleOperator = "operator"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
	RoleViewer   = "viewer"
)

var roleRules = map[string][]Rule{
	RoleViewer:   {RuleView},
	RoleOperator: {RuleView, RuleEdit, RuleSubmit, RuleExport},
	RoleApprover: {RuleView, RuleApprove, RuleExport},
	RoleAdmin: {
		RuleView, RuleEdit, RuleSubmit, RuleApprove, RuleExport,
		RuleUnlockWorkItem, RuleManageAccounts,
	},
}

// RulesFor は role に紐づく権限一覧を返す。未知の role は空。
func RulesFor(role string) []Rule {
	return slices.Clone(roleRules[role])
}

func KnownRole(role string) bool {
	_, ok := roleRules[role]
	return ok
}

// Actor は認証済みの操作者
type Actor struct {
	ID    string
	Role  string
	Rules []Rule
}

func NewActor(id, role string) Actor {
	return Actor{ID: id, Role: role, Rules: RulesFor(role)}
}

func (a Actor) Has(r Rule) bool {
	return slices.Contains(a.Rules, r)
}
