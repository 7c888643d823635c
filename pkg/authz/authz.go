package authz

import (
	"fmt"

	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("authz", fx.Provide(New))

type Action string

const (
	ActionRead             Action = "read"
	ActionLinkSelf         Action = "link"
	ActionLinkAny          Action = "link:any"
	ActionAssignTier       Action = "tier:assign"
	ActionManageTierRules  Action = "tier:manage"
	ActionSubmit           Action = "submit"
	ActionWithdrawAny      Action = "withdraw:any"
	ActionAdjustPoints     Action = "points:adjust"
	ActionAuditLedger      Action = "ledger:audit"
	ActionRunBatch         Action = "batch:run"
	ActionReadMaintenance  Action = "maintenance:read"
	ActionApplyMaintenance Action = "maintenance:run"
)

const (
	RoleAdmin  = "admin"
	RoleCore   = "core"
	RoleMaster = "master"
	RoleMember = "member"
	RoleViewer = "viewer"
	RoleSystem = "system"
)

const rbacModel = `
[request_definition]
r = sub, act

[policy_definition]
p = sub, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (r.act == p.act || p.act == "*")
`

// Principal is the authenticated caller of an operation.
type Principal struct {
	Subject string `json:"subject"`
	Role    string `json:"role"`
}

// System is the principal used by scheduled and maintenance work.
var System = Principal{Subject: "system", Role: RoleSystem}

type Policy interface {
	CanPerform(role string, action Action) bool
	Authorize(p Principal, action Action) error
}

type policy struct {
	enforcer *casbin.Enforcer
}

func New(cfg *config.Config) (Policy, error) {
	if cfg != nil && cfg.AccessControl.Model != "" && cfg.AccessControl.Policy != "" {
		e, err := casbin.NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
		if err != nil {
			return nil, fmt.Errorf("load access control policy: %w", err)
		}
		zap.L().Info("[authz] loaded access control from files",
			zap.String("model", cfg.AccessControl.Model),
			zap.String("policy", cfg.AccessControl.Policy),
		)
		return &policy{enforcer: e}, nil
	}
	return NewDefault()
}

// NewDefault builds the built-in role policy: admin, core, master and system
// may do everything, members may link themselves and submit content, and
// viewers may only read.
func NewDefault() (Policy, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}

	policies := [][]string{
		{RoleAdmin, "*"},
		{RoleViewer, string(ActionRead)},
		{RoleMember, string(ActionLinkSelf)},
		{RoleMember, string(ActionSubmit)},
	}
	if _, err := e.AddPolicies(policies); err != nil {
		return nil, err
	}

	groups := [][]string{
		{RoleCore, RoleAdmin},
		{RoleMaster, RoleAdmin},
		{RoleSystem, RoleAdmin},
		{RoleMember, RoleViewer},
	}
	if _, err := e.AddGroupingPolicies(groups); err != nil {
		return nil, err
	}

	return &policy{enforcer: e}, nil
}

func (p *policy) CanPerform(role string, action Action) bool {
	if role == "" {
		return false
	}
	ok, err := p.enforcer.Enforce(role, string(action))
	if err != nil {
		zap.L().Error("[authz] enforce failed", zap.String("role", role), zap.String("action", string(action)), zap.Error(err))
		return false
	}
	return ok
}

func (p *policy) Authorize(principal Principal, action Action) error {
	if p.CanPerform(principal.Role, action) {
		return nil
	}
	return errutil.Kind(errutil.ErrForbidden, errutil.WithDetails(errutil.Detail{
		Field:   string(action),
		Message: fmt.Sprintf("role %q may not perform %s", principal.Role, action),
	}))
}
