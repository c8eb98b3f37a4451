package trust

// Binding is who a case currently belongs to. Empty fields are unbound.
type Binding struct {
	AgentID     string
	BuyerUserID string
}

// Authorize checks that p may act on caseID in one of the allowed roles.
//
// System principals pass whenever RoleSystem is allowed. Agents always carry
// an agent id. A case-scoped credential must name caseID and, when the case
// already has a bound party for its role, carry that party's subject; only an
// anonymous buyer link may carry none. A credential without case scope is only
// accepted from the bound party itself.
func (p Principal) Authorize(caseID string, b Binding, allowed ...Role) error {
	permitted := false
	for _, r := range allowed {
		if p.Role == r {
			permitted = true
			break
		}
	}
	if !permitted {
		return Errorf(CodeForbidden, "role %s may not perform this action", p.Role)
	}
	if p.IsSystem() {
		return nil
	}
	if !p.ScopedTo(caseID) {
		return NewError(CodeForbidden, "credential is scoped to another case")
	}

	if p.Role == RoleAgent && p.Subject == "" {
		return NewError(CodeForbidden, "agent credential carries no agent id")
	}

	bound := b.AgentID
	if p.Role == RoleBuyer {
		bound = b.BuyerUserID
	}

	if p.CaseID == caseID {
		// Only an anonymous buyer link may act without a subject.
		if bound != "" && p.Subject != bound && (p.Role != RoleBuyer || p.Subject != "") {
			return NewError(CodeForbidden, "case is bound to another party")
		}
		return nil
	}
	if bound == "" || p.Subject != bound {
		return NewError(CodeForbidden, "not a party to this case")
	}
	return nil
}
