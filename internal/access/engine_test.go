package access

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/waterfall-project/guardian/internal/audit"
	"github.com/waterfall-project/guardian/internal/observability"
	"github.com/waterfall-project/guardian/internal/rbac"
	"github.com/waterfall-project/guardian/internal/shared"
)

// memoryCatalog resolves the RBAC graph from plain maps, applying the same
// filters the SQL queries apply.
type memoryCatalog struct {
	permissions  map[string]rbac.Permission
	assignments  []rbac.Assignment
	roles        map[uuid.UUID]rbac.Role
	rolePolicies map[uuid.UUID][]uuid.UUID
	policies     map[uuid.UUID]rbac.Policy
	policyPerms  map[uuid.UUID][]uuid.UUID
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{
		permissions:  make(map[string]rbac.Permission),
		roles:        make(map[uuid.UUID]rbac.Role),
		rolePolicies: make(map[uuid.UUID][]uuid.UUID),
		policies:     make(map[uuid.UUID]rbac.Policy),
		policyPerms:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (c *memoryCatalog) PermissionByName(ctx context.Context, name string) (rbac.Permission, error) {
	perm, ok := c.permissions[name]
	if !ok {
		return rbac.Permission{}, rbac.ErrNotFound
	}
	return perm, nil
}

func (c *memoryCatalog) EligibleAssignments(ctx context.Context, userID, companyID uuid.UUID, projectID *uuid.UUID, now time.Time) ([]rbac.Assignment, error) {
	var eligible []rbac.Assignment
	for _, a := range c.assignments {
		if a.UserID != userID || a.CompanyID != companyID {
			continue
		}
		if !a.EligibleAt(now, projectID) {
			continue
		}
		eligible = append(eligible, a)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].GrantedAt.Before(eligible[j].GrantedAt)
	})
	return eligible, nil
}

func (c *memoryCatalog) ActiveRoles(ctx context.Context, companyID uuid.UUID, roleIDs []uuid.UUID) ([]rbac.Role, error) {
	var roles []rbac.Role
	for _, id := range roleIDs {
		role, ok := c.roles[id]
		if !ok || !role.IsActive || role.CompanyID != companyID {
			continue
		}
		roles = append(roles, role)
	}
	return roles, nil
}

func (c *memoryCatalog) GrantingRoleIDs(ctx context.Context, roleIDs []uuid.UUID, permissionID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, roleID := range roleIDs {
		for _, policyID := range c.rolePolicies[roleID] {
			policy, ok := c.policies[policyID]
			if !ok || !policy.IsActive {
				continue
			}
			for _, permID := range c.policyPerms[policyID] {
				if permID == permissionID {
					ids = append(ids, roleID)
				}
			}
		}
	}
	return ids, nil
}

func (c *memoryCatalog) ActivePoliciesForRoles(ctx context.Context, roleIDs []uuid.UUID) ([]rbac.Policy, error) {
	seen := make(map[uuid.UUID]struct{})
	var policies []rbac.Policy
	for _, roleID := range roleIDs {
		for _, policyID := range c.rolePolicies[roleID] {
			policy, ok := c.policies[policyID]
			if !ok || !policy.IsActive {
				continue
			}
			if _, dup := seen[policyID]; dup {
				continue
			}
			seen[policyID] = struct{}{}
			policies = append(policies, policy)
		}
	}
	return policies, nil
}

func (c *memoryCatalog) PermissionsForPolicies(ctx context.Context, policyIDs []uuid.UUID) ([]rbac.Permission, error) {
	seen := make(map[uuid.UUID]struct{})
	var perms []rbac.Permission
	for _, policyID := range policyIDs {
		for _, permID := range c.policyPerms[policyID] {
			if _, dup := seen[permID]; dup {
				continue
			}
			for _, perm := range c.permissions {
				if perm.ID == permID {
					seen[permID] = struct{}{}
					perms = append(perms, perm)
				}
			}
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

// addPermission registers a catalog entry and returns it.
func (c *memoryCatalog) addPermission(service, resource, operation string) rbac.Permission {
	perm := rbac.Permission{
		ID:           uuid.New(),
		Name:         rbac.PermissionName(service, resource, operation),
		Service:      service,
		ResourceName: resource,
		Operation:    operation,
	}
	c.permissions[perm.Name] = perm
	return perm
}

// addRoleChain wires role -> policy -> permissions in one step.
func (c *memoryCatalog) addRoleChain(companyID uuid.UUID, roleName string, perms ...rbac.Permission) rbac.Role {
	role := rbac.Role{ID: uuid.New(), Name: roleName, DisplayName: roleName, CompanyID: companyID, IsActive: true}
	policy := rbac.Policy{ID: uuid.New(), Name: roleName + "-policy", DisplayName: roleName + " policy", CompanyID: companyID, IsActive: true}
	c.roles[role.ID] = role
	c.policies[policy.ID] = policy
	c.rolePolicies[role.ID] = append(c.rolePolicies[role.ID], policy.ID)
	for _, perm := range perms {
		c.policyPerms[policy.ID] = append(c.policyPerms[policy.ID], perm.ID)
	}
	return role
}

func (c *memoryCatalog) assign(userID, companyID, roleID uuid.UUID, grantedAt time.Time, mutate ...func(*rbac.Assignment)) rbac.Assignment {
	a := rbac.Assignment{
		ID:        uuid.New(),
		UserID:    userID,
		RoleID:    roleID,
		CompanyID: companyID,
		ScopeType: rbac.ScopeDirect,
		GrantedAt: grantedAt,
		IsActive:  true,
	}
	for _, fn := range mutate {
		fn(&a)
	}
	c.assignments = append(c.assignments, a)
	return a
}

type captureRecorder struct {
	entries []audit.Entry
	err     error
}

func (r *captureRecorder) Record(ctx context.Context, e audit.Entry) (audit.Entry, error) {
	if r.err != nil {
		return audit.Entry{}, r.err
	}
	r.entries = append(r.entries, e)
	return e, nil
}

func newTestEngine(catalog *memoryCatalog, recorder *captureRecorder) *Engine {
	return NewEngine(catalog, recorder, observability.NewMetrics(), nil)
}

func testIdentity() shared.Identity {
	return shared.Identity{UserID: uuid.New(), CompanyID: uuid.New()}
}

func TestDecideGranted(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", perm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
	require.Equal(t, ReasonGranted, decision.Reason)
	require.NotNil(t, decision.MatchedRole)
	require.Equal(t, role.ID, decision.MatchedRole.RoleID)
	require.Equal(t, "viewer", decision.MatchedRole.RoleName)

	require.Len(t, recorder.entries, 1)
	require.True(t, recorder.entries[0].AccessGranted)
	require.Equal(t, string(ReasonGranted), recorder.entries[0].Reason)
}

func TestDecideUnknownPermission(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "nonexistent", ResourceName: "resource", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.False(t, decision.AccessGranted)
	require.Equal(t, ReasonNoPermission, decision.Reason)
	require.Nil(t, decision.MatchedRole)

	// The denial is still audited.
	require.Len(t, recorder.entries, 1)
	require.False(t, recorder.entries[0].AccessGranted)
}

func TestDecidePermissionNotReachable(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	readPerm := catalog.addPermission("storage", "files", rbac.OpRead)
	catalog.addPermission("storage", "files", rbac.OpDelete)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", readPerm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpDelete,
	})
	require.NoError(t, err)
	require.False(t, decision.AccessGranted)
	require.Equal(t, ReasonNoPermission, decision.Reason)
}

func TestDecideNoAssignments(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	catalog.addPermission("storage", "files", rbac.OpRead)

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.False(t, decision.AccessGranted)
	require.Equal(t, ReasonNoMatchingRole, decision.Reason)
}

func TestDecideProjectScoping(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()
	projectA := uuid.New()
	projectB := uuid.New()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "project-viewer", perm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour), func(a *rbac.Assignment) {
		a.ProjectID = &projectA
	})

	engine := newTestEngine(catalog, recorder)

	// Request for the other project sees no matching role.
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead, ProjectID: &projectB,
	})
	require.NoError(t, err)
	require.Equal(t, ReasonNoMatchingRole, decision.Reason)

	// The assignment's own project grants.
	decision, err = engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead, ProjectID: &projectA,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)

	// No project filter keeps project-scoped assignments too.
	decision, err = engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
}

func TestDecideCompanyWideMatchesAnyProject(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()
	project := uuid.New()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "company-viewer", perm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead, ProjectID: &project,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
	require.Equal(t, ReasonGranted, decision.Reason)
}

func TestDecideExpiryIsReadAtCallTime(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", perm)
	expired := time.Now().Add(-time.Minute)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour), func(a *rbac.Assignment) {
		a.ExpiresAt = &expired
	})

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.Equal(t, ReasonNoMatchingRole, decision.Reason)

	// Extending the expiry restores eligibility on the next call.
	future := time.Now().Add(time.Hour)
	catalog.assignments[0].ExpiresAt = &future
	decision, err = engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
}

func TestDecideInactiveAssignmentExcluded(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", perm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour), func(a *rbac.Assignment) {
		a.IsActive = false
	})

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.Equal(t, ReasonNoMatchingRole, decision.Reason)
}

func TestDecideInactiveRoleCannotGrant(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", perm)
	inactive := role
	inactive.IsActive = false
	catalog.roles[role.ID] = inactive
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.False(t, decision.AccessGranted)
	require.Equal(t, ReasonNoPermission, decision.Reason)
}

func TestDecideEarliestGrantWinsTies(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("storage", "files", rbac.OpRead)
	newer := catalog.addRoleChain(identity.CompanyID, "newer", perm)
	older := catalog.addRoleChain(identity.CompanyID, "older", perm)
	catalog.assign(identity.UserID, identity.CompanyID, newer.ID, time.Now().Add(-time.Hour))
	catalog.assign(identity.UserID, identity.CompanyID, older.ID, time.Now().Add(-48*time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
	require.Equal(t, "older", decision.MatchedRole.RoleName)
}

func TestDecideValidation(t *testing.T) {
	engine := newTestEngine(newMemoryCatalog(), &captureRecorder{})
	identity := testIdentity()

	cases := []CheckRequest{
		{Service: "", ResourceName: "files", Operation: rbac.OpRead},
		{Service: "storage", ResourceName: "", Operation: rbac.OpRead},
		{Service: "sto:rage", ResourceName: "files", Operation: rbac.OpRead},
		{Service: "storage", ResourceName: "files", Operation: "read"},
		{Service: "storage", ResourceName: "files", Operation: "9READ"},
	}
	for _, req := range cases {
		_, err := engine.Decide(context.Background(), identity, req)
		require.ErrorIs(t, err, rbac.ErrValidation)
	}

	_, err := engine.Decide(context.Background(), shared.Identity{}, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.ErrorIs(t, err, rbac.ErrValidation)
}

func TestDecideExtendedOperationToken(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	perm := catalog.addPermission("compute", "deployments", "APPROVE")
	role := catalog.addRoleChain(identity.CompanyID, "release-manager", perm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decision, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "compute", ResourceName: "deployments", Operation: "APPROVE",
	})
	require.NoError(t, err)
	require.True(t, decision.AccessGranted)
}

func TestDecideBatchPreservesOrder(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()

	readPerm := catalog.addPermission("storage", "files", rbac.OpRead)
	listPerm := catalog.addPermission("storage", "files", rbac.OpList)
	catalog.addPermission("storage", "files", rbac.OpDelete)
	role := catalog.addRoleChain(identity.CompanyID, "viewer", readPerm, listPerm)
	catalog.assign(identity.UserID, identity.CompanyID, role.ID, time.Now().Add(-time.Hour))

	engine := newTestEngine(catalog, recorder)
	decisions, err := engine.DecideBatch(context.Background(), identity, []CheckRequest{
		{Service: "storage", ResourceName: "files", Operation: rbac.OpRead},
		{Service: "storage", ResourceName: "files", Operation: rbac.OpDelete},
		{Service: "storage", ResourceName: "files", Operation: rbac.OpList},
		{Service: "storage", ResourceName: "files", Operation: rbac.OpRead},
	})
	require.NoError(t, err)
	require.Len(t, decisions, 4)
	require.True(t, decisions[0].AccessGranted)
	require.False(t, decisions[1].AccessGranted)
	require.True(t, decisions[2].AccessGranted)
	require.True(t, decisions[3].AccessGranted)

	// Every element is audited individually.
	require.Len(t, recorder.entries, 4)
}

func TestDecideBatchSizeBounds(t *testing.T) {
	recorder := &captureRecorder{}
	engine := newTestEngine(newMemoryCatalog(), recorder)
	identity := testIdentity()

	_, err := engine.DecideBatch(context.Background(), identity, nil)
	require.ErrorIs(t, err, rbac.ErrValidation)

	oversized := make([]CheckRequest, MaxBatchSize+1)
	for i := range oversized {
		oversized[i] = CheckRequest{Service: "storage", ResourceName: "files", Operation: rbac.OpRead}
	}
	_, err = engine.DecideBatch(context.Background(), identity, oversized)
	require.ErrorIs(t, err, rbac.ErrValidation)

	// Rejected batches never reach the audit trail.
	require.Empty(t, recorder.entries)
}

func TestDecideBatchRejectsWholesaleOnBadElement(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{}
	identity := testIdentity()
	catalog.addPermission("storage", "files", rbac.OpRead)

	engine := newTestEngine(catalog, recorder)
	_, err := engine.DecideBatch(context.Background(), identity, []CheckRequest{
		{Service: "storage", ResourceName: "files", Operation: rbac.OpRead},
		{Service: "storage", ResourceName: "files", Operation: "bad-token"},
	})
	require.ErrorIs(t, err, rbac.ErrValidation)
	require.Empty(t, recorder.entries)
}

func TestDecideAuditFailureFailsDecision(t *testing.T) {
	catalog := newMemoryCatalog()
	recorder := &captureRecorder{err: errors.New("pg down")}
	identity := testIdentity()
	catalog.addPermission("storage", "files", rbac.OpRead)

	engine := newTestEngine(catalog, recorder)
	_, err := engine.Decide(context.Background(), identity, CheckRequest{
		Service: "storage", ResourceName: "files", Operation: rbac.OpRead,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "record decision")
}
