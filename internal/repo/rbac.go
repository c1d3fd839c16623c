package repo

import (
	"context"

	"actionqueue/internal/db"
	"actionqueue/internal/domain"
)

func (r Repo) GrantRole(ctx context.Context, q db.Querier, g domain.RoleGrant) error {
	_, err := r.querier(q).ExecContext(ctx, r.q(`INSERT INTO role_grants(actor_id, role, granted_by, created_at) VALUES (?,?,?,?)
ON CONFLICT(actor_id, role) DO NOTHING`), g.ActorID, string(g.Role), g.GrantedBy, g.CreatedAt)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, q db.Querier, actorID string, role domain.Role) error {
	res, err := r.querier(q).ExecContext(ctx, r.q(`DELETE FROM role_grants WHERE actor_id=? AND role=?`), actorID, string(role))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActorRoles lists the roles granted to actorID.
func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]domain.Role, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT role FROM role_grants WHERE actor_id=? ORDER BY role`), actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, domain.Role(role))
	}
	return roles, rows.Err()
}

func (r Repo) ListRoleGrants(ctx context.Context) ([]domain.RoleGrant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role, granted_by, created_at FROM role_grants ORDER BY actor_id, role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []domain.RoleGrant
	for rows.Next() {
		var (
			g    domain.RoleGrant
			role string
		)
		if err := rows.Scan(&g.ActorID, &role, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		g.Role = domain.Role(role)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
