package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user: %w", ErrConstraint)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// =============================================================================
// Refresh sessions (fallback when Redis is not configured)
// =============================================================================

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// =============================================================================
// Projects
// =============================================================================

// CreateProjectWithOwner inserts the project and its owner membership as one
// transaction. A project can never exist ownerless, even briefly.
func (s *PostgresStore) CreateProjectWithOwner(ctx context.Context, project Project, membershipID string) (Membership, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Membership{}, fmt.Errorf("begin create project tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tasks := project.Tasks
	if len(tasks) == 0 {
		tasks = []byte("[]")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, title, goal, target_date, tasks, chart_data, created_by, version)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7, 1)
	`, project.ID, project.Title, project.Goal, project.TargetDate, string(tasks), nullableJSON(project.ChartData), project.CreatedBy); err != nil {
		return Membership{}, fmt.Errorf("insert project: %w", err)
	}

	member := Membership{
		ID:        membershipID,
		ProjectID: project.ID,
		UserID:    project.CreatedBy,
		Role:      "owner",
		Status:    "accepted",
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO memberships (id, project_id, user_id, role, status, joined_at)
		VALUES ($1, $2, $3, 'owner', 'accepted', NOW())
		RETURNING joined_at, created_at
	`, member.ID, member.ProjectID, member.UserID).Scan(&member.JoinedAt, &member.CreatedAt)
	if isUniqueViolation(err) {
		return Membership{}, fmt.Errorf("insert owner membership: %w", ErrConstraint)
	}
	if err != nil {
		return Membership{}, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Membership{}, fmt.Errorf("commit create project tx: %w", err)
	}
	return member, nil
}

const projectColumns = `id, title, goal, target_date, tasks, chart_data, created_by, last_modified_by, version, created_at, updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var item Project
	var tasks, chart sql.NullString
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Goal,
		&item.TargetDate,
		&tasks,
		&chart,
		&item.CreatedBy,
		&item.LastModifiedBy,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Project{}, err
	}
	if tasks.Valid {
		item.Tasks = []byte(tasks.String)
	}
	if chart.Valid {
		item.ChartData = []byte(chart.String)
	}
	return item, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=$1`, projectID)
	return scanProject(row)
}

func (s *PostgresStore) ListProjectsForUser(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.goal, p.target_date, p.tasks, p.chart_data, p.created_by, p.last_modified_by, p.version, p.created_at, p.updated_at
		FROM projects p
		JOIN memberships m ON m.project_id = p.id
		WHERE m.user_id = $1 AND m.status = 'accepted'
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		item, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// UpdateProject applies a patch under optimistic locking. The version check
// and the increment happen in a single conditional UPDATE; there is no window
// between read and write. expectedVersion == nil skips the check (internal
// callers) but still increments. Returns ErrVersionConflict or sql.ErrNoRows.
func (s *PostgresStore) UpdateProject(ctx context.Context, projectID string, patch ProjectPatch, expectedVersion *int64, modifiedBy string) (Project, error) {
	set := []string{"last_modified_by=$2", "version=version+1", "updated_at=NOW()"}
	args := []any{projectID, modifiedBy}

	add := func(clause string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(clause, len(args)))
	}
	if patch.Title != nil {
		add("title=$%d", *patch.Title)
	}
	if patch.Goal != nil {
		add("goal=$%d", *patch.Goal)
	}
	if patch.TargetDate != nil {
		add("target_date=$%d", *patch.TargetDate)
	}
	if patch.Tasks != nil {
		add("tasks=$%d::jsonb", string(patch.Tasks))
	}
	if patch.ChartData != nil {
		add("chart_data=$%d::jsonb", string(patch.ChartData))
	}

	where := "id=$1"
	if expectedVersion != nil {
		args = append(args, *expectedVersion)
		where += fmt.Sprintf(" AND version=$%d", len(args))
	}

	query := fmt.Sprintf(`UPDATE projects SET %s WHERE %s RETURNING %s`,
		strings.Join(set, ", "), where, projectColumns)

	item, err := scanProject(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		// Zero rows: either the project is gone or the version was stale.
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM projects WHERE id=$1)`, projectID).Scan(&exists); checkErr != nil {
			return Project{}, fmt.Errorf("check project exists: %w", checkErr)
		}
		if exists {
			return Project{}, ErrVersionConflict
		}
		return Project{}, sql.ErrNoRows
	}
	if err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}
	return item, nil
}

// DeleteProject removes the project; memberships and invitations cascade.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete project rows: %w", err)
	}
	return affected > 0, nil
}

// =============================================================================
// Memberships
// =============================================================================

func (s *PostgresStore) GetMembership(ctx context.Context, projectID, userID string) (Membership, error) {
	var item Membership
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, user_id, role, status, invited_by, invited_at, joined_at, created_at
		FROM memberships
		WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(
		&item.ID, &item.ProjectID, &item.UserID, &item.Role, &item.Status,
		&item.InvitedBy, &item.InvitedAt, &item.JoinedAt, &item.CreatedAt,
	)
	if err != nil {
		return Membership{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, projectID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.project_id, m.user_id, m.role, m.status, m.invited_by, m.invited_at, m.joined_at, m.created_at,
			u.email, u.display_name
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.project_id=$1
		ORDER BY m.created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.UserID, &item.Role, &item.Status,
			&item.InvitedBy, &item.InvitedAt, &item.JoinedAt, &item.CreatedAt,
			&item.UserEmail, &item.UserName,
		); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

// UpdateMembershipRole changes a non-owner member's role. The role <> 'owner'
// guard keeps the one-owner invariant even if two admins race.
func (s *PostgresStore) UpdateMembershipRole(ctx context.Context, projectID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET role=$3
		WHERE project_id=$1 AND user_id=$2 AND role <> 'owner'
	`, projectID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update membership role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update membership rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, projectID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memberships
		WHERE project_id=$1 AND user_id=$2 AND role <> 'owner'
	`, projectID, userID)
	if err != nil {
		return false, fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete membership rows: %w", err)
	}
	return affected > 0, nil
}

// =============================================================================
// Invitations
// =============================================================================

func (s *PostgresStore) HasAcceptedMemberByEmail(ctx context.Context, projectID, email string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM memberships m
			JOIN users u ON u.id = m.user_id
			WHERE m.project_id=$1 AND u.email=LOWER($2) AND m.status='accepted'
		)
	`, projectID, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check member by email: %w", err)
	}
	return exists, nil
}

// CreateInvitation inserts a new invitation. At most one unredeemed
// invitation per (project, email) exists at a time: the partial unique index
// on invitations rejects the duplicate at insert, which also holds when two
// invites for the same email race. Expired unredeemed rows are retired first
// so they release the uniqueness slot and a re-invite goes through.
func (s *PostgresStore) CreateInvitation(ctx context.Context, inv Invitation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invitation tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE invitations SET used_at=NOW()
		WHERE project_id=$1 AND email=LOWER($2) AND used_at IS NULL AND expires_at <= NOW()
	`, inv.ProjectID, inv.Email); err != nil {
		return fmt.Errorf("retire expired invitations: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invitations (id, project_id, email, role, token_hash, invited_by, expires_at)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, inv.ID, inv.ProjectID, inv.Email, inv.Role, inv.TokenHash, inv.InvitedBy, inv.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrAlreadyInvited
	}
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit invitation tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPendingInvitations(ctx context.Context, projectID string) ([]Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, email, role, token_hash, invited_by, expires_at, used_at, created_at
		FROM invitations
		WHERE project_id=$1 AND used_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	items := make([]Invitation, 0)
	for rows.Next() {
		var item Invitation
		if err := rows.Scan(
			&item.ID, &item.ProjectID, &item.Email, &item.Role, &item.TokenHash,
			&item.InvitedBy, &item.ExpiresAt, &item.UsedAt, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan invitation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invitations: %w", err)
	}
	return items, nil
}

// RedeemInvitation atomically consumes an invitation and creates the
// membership. The SELECT ... FOR UPDATE serializes concurrent redemptions of
// the same token; the conditional used_at update is a second guard. A caller
// who is already a member fails with ErrAlreadyMember and the token is left
// untouched.
func (s *PostgresStore) RedeemInvitation(ctx context.Context, tokenHash, userID, membershipID string) (Membership, ProjectSummary, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inv Invitation
	err = tx.QueryRowContext(ctx, `
		SELECT id, project_id, email, role, invited_by, expires_at, created_at
		FROM invitations
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
		FOR UPDATE
	`, tokenHash).Scan(&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.InvitedBy, &inv.ExpiresAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, ProjectSummary{}, ErrInviteInvalid
	}
	if err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("lookup invitation: %w", err)
	}

	var alreadyMember bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM memberships WHERE project_id=$1 AND user_id=$2)
	`, inv.ProjectID, userID).Scan(&alreadyMember); err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("check membership: %w", err)
	}
	if alreadyMember {
		// Roll back without touching used_at: the invite stays live for its
		// natural lifetime.
		return Membership{}, ProjectSummary{}, ErrAlreadyMember
	}

	member := Membership{
		ID:        membershipID,
		ProjectID: inv.ProjectID,
		UserID:    userID,
		Role:      inv.Role,
		Status:    "accepted",
		InvitedBy: &inv.InvitedBy,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO memberships (id, project_id, user_id, role, status, invited_by, invited_at, joined_at)
		VALUES ($1, $2, $3, $4, 'accepted', $5, $6, NOW())
		RETURNING invited_at, joined_at, created_at
	`, member.ID, member.ProjectID, member.UserID, member.Role, inv.InvitedBy, inv.CreatedAt).
		Scan(&member.InvitedAt, &member.JoinedAt, &member.CreatedAt)
	if isUniqueViolation(err) {
		return Membership{}, ProjectSummary{}, ErrAlreadyMember
	}
	if err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("insert membership: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE invitations SET used_at=NOW() WHERE id=$1 AND used_at IS NULL
	`, inv.ID)
	if err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("mark invitation used: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("mark invitation rows: %w", err)
	} else if affected == 0 {
		return Membership{}, ProjectSummary{}, ErrInviteInvalid
	}

	var summary ProjectSummary
	if err := tx.QueryRowContext(ctx, `
		SELECT id, title, goal FROM projects WHERE id=$1
	`, inv.ProjectID).Scan(&summary.ID, &summary.Title, &summary.Goal); err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("load project summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Membership{}, ProjectSummary{}, fmt.Errorf("commit redeem tx: %w", err)
	}
	return member, summary, nil
}

// =============================================================================
// Helpers
// =============================================================================

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
