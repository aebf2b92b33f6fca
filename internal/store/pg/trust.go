package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crisp.org/internal/anonymize"
	"crisp.org/internal/ids"
	"crisp.org/internal/trust"
)

type pgTrust Store

var _ trust.Store = (*pgTrust)(nil)

func (s *pgTrust) Levels() trust.LevelStore               { return (*pgLevels)(s) }
func (s *pgTrust) Relationships() trust.RelationshipStore { return (*pgRelationships)(s) }
func (s *pgTrust) Groups() trust.GroupStore               { return (*pgGroups)(s) }
func (s *pgTrust) Log() trust.LogStore                    { return (*pgTrustLog)(s) }

const levelColumns = `id, name, level, numerical_value, default_anonymization, default_access,
	is_system_default, is_active, created_by, created_at, updated_at`

type pgLevels Store

func (s *pgLevels) Create(ctx context.Context, level *trust.TrustLevel) error {
	if err := level.Validate(); err != nil {
		return err
	}
	if level.ID == "" {
		level.ID = ids.New()
	}
	now := time.Now().UTC()
	level.CreatedAt = now
	level.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into trust_levels (id, name, level, numerical_value, default_anonymization,
			default_access, is_system_default, is_active, created_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, level.ID, level.Name, level.Level, level.NumericalValue, string(level.DefaultAnonymization),
		string(level.DefaultAccess), level.IsSystemDefault, level.IsActive,
		nullString(level.CreatedBy), level.CreatedAt, level.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("trust level %q already exists: %w", level.Name, err)
	}
	return err
}

func (s *pgLevels) Find(ctx context.Context, id string) (*trust.TrustLevel, error) {
	row := s.db.QueryRowContext(ctx, `select `+levelColumns+` from trust_levels where id=$1`, id)
	return scanLevel(row)
}

func (s *pgLevels) FindByName(ctx context.Context, name string) (*trust.TrustLevel, error) {
	row := s.db.QueryRowContext(ctx, `select `+levelColumns+` from trust_levels where name=$1`, name)
	return scanLevel(row)
}

func (s *pgLevels) List(ctx context.Context) ([]*trust.TrustLevel, error) {
	rows, err := s.db.QueryContext(ctx, `select `+levelColumns+` from trust_levels order by numerical_value desc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*trust.TrustLevel
	for rows.Next() {
		level, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, level)
	}
	return out, rows.Err()
}

func (s *pgLevels) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update trust_levels set is_active=false, updated_at=now() where id=$1
	`, id)
	if err != nil {
		return err
	}
	return requireTrustRow(res)
}

// SetSystemDefault swaps the default flag in one transaction so there is
// never a moment with two defaults.
func (s *pgLevels) SetSystemDefault(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `update trust_levels set is_system_default=false, updated_at=now() where is_system_default`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `update trust_levels set is_system_default=true, updated_at=now() where id=$1`, id)
	if err != nil {
		return err
	}
	if err := requireTrustRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgLevels) SystemDefault(ctx context.Context) (*trust.TrustLevel, error) {
	row := s.db.QueryRowContext(ctx, `select `+levelColumns+` from trust_levels where is_system_default limit 1`)
	return scanLevel(row)
}

func scanLevel(row rowScanner) (*trust.TrustLevel, error) {
	var (
		level     trust.TrustLevel
		anonym    string
		access    string
		createdBy sql.NullString
	)
	err := row.Scan(&level.ID, &level.Name, &level.Level, &level.NumericalValue, &anonym,
		&access, &level.IsSystemDefault, &level.IsActive, &createdBy,
		&level.CreatedAt, &level.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	level.DefaultAnonymization = anonymize.ParseLevel(anonym)
	level.DefaultAccess = trust.AccessLevel(access)
	level.CreatedBy = createdBy.String
	return &level, nil
}

const relationshipColumns = `id, source_org, target_org, trust_level_id, status,
	approved_by_source, approved_by_target, is_bilateral, valid_from, valid_until,
	anonymization, access, created_by, last_modified_by, revoked_by, revoked_at,
	created_at, updated_at`

type pgRelationships Store

func (s *pgRelationships) Create(ctx context.Context, rel *trust.TrustRelationship) error {
	if err := rel.Validate(); err != nil {
		return err
	}
	if rel.ID == "" {
		rel.ID = ids.New()
	}
	if rel.Status == "" {
		rel.Status = trust.StatusPending
	}
	now := time.Now().UTC()
	rel.CreatedAt = now
	rel.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into trust_relationships (id, source_org, target_org, trust_level_id, status,
			approved_by_source, approved_by_target, is_bilateral, valid_from, valid_until,
			anonymization, access, created_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, rel.ID, rel.SourceOrg, rel.TargetOrg, rel.TrustLevelID, string(rel.Status),
		rel.ApprovedBySource, rel.ApprovedByTarget, rel.IsBilateral, rel.ValidFrom, rel.ValidUntil,
		string(rel.Anonymization), string(rel.Access), nullString(rel.CreatedBy),
		rel.CreatedAt, rel.UpdatedAt)
	return err
}

func (s *pgRelationships) Find(ctx context.Context, id string) (*trust.TrustRelationship, error) {
	row := s.db.QueryRowContext(ctx, `select `+relationshipColumns+` from trust_relationships where id=$1`, id)
	return scanRelationship(row)
}

// FindBetween prefers the directed edge; a bilateral edge in the opposite
// direction also qualifies.
func (s *pgRelationships) FindBetween(ctx context.Context, sourceOrg, targetOrg string) (*trust.TrustRelationship, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+relationshipColumns+`
		from trust_relationships
		where (source_org=$1 and target_org=$2)
		   or (is_bilateral and source_org=$2 and target_org=$1)
		order by (source_org=$1) desc, created_at desc
		limit 1
	`, sourceOrg, targetOrg)
	return scanRelationship(row)
}

func (s *pgRelationships) Update(ctx context.Context, rel *trust.TrustRelationship) error {
	rel.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update trust_relationships
		set trust_level_id=$2, status=$3, approved_by_source=$4, approved_by_target=$5,
			is_bilateral=$6, valid_from=$7, valid_until=$8, anonymization=$9, access=$10,
			last_modified_by=$11, revoked_by=$12, revoked_at=$13, updated_at=$14
		where id=$1
	`, rel.ID, rel.TrustLevelID, string(rel.Status), rel.ApprovedBySource, rel.ApprovedByTarget,
		rel.IsBilateral, rel.ValidFrom, rel.ValidUntil, string(rel.Anonymization), string(rel.Access),
		nullString(rel.LastModifiedBy), nullString(rel.RevokedBy), rel.RevokedAt, rel.UpdatedAt)
	if err != nil {
		return err
	}
	return requireTrustRow(res)
}

func (s *pgRelationships) ListByOrg(ctx context.Context, org string) ([]*trust.TrustRelationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+relationshipColumns+`
		from trust_relationships
		where source_org=$1 or target_org=$1
		order by created_at
	`, org)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*trust.TrustRelationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

func scanRelationship(row rowScanner) (*trust.TrustRelationship, error) {
	var (
		rel        trust.TrustRelationship
		status     string
		validUntil sql.NullTime
		anonym     string
		access     string
		createdBy  sql.NullString
		modifiedBy sql.NullString
		revokedBy  sql.NullString
		revokedAt  sql.NullTime
	)
	err := row.Scan(&rel.ID, &rel.SourceOrg, &rel.TargetOrg, &rel.TrustLevelID, &status,
		&rel.ApprovedBySource, &rel.ApprovedByTarget, &rel.IsBilateral, &rel.ValidFrom, &validUntil,
		&anonym, &access, &createdBy, &modifiedBy, &revokedBy, &revokedAt,
		&rel.CreatedAt, &rel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rel.Status = trust.RelationshipStatus(status)
	if validUntil.Valid {
		t := validUntil.Time.UTC()
		rel.ValidUntil = &t
	}
	rel.Anonymization = anonymize.ParseLevel(anonym)
	rel.Access = trust.AccessLevel(access)
	rel.CreatedBy = createdBy.String
	rel.LastModifiedBy = modifiedBy.String
	rel.RevokedBy = revokedBy.String
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		rel.RevokedAt = &t
	}
	return &rel, nil
}

const groupColumns = `id, name, description, default_trust_level_id, group_policies,
	is_public, created_by, created_at, updated_at`

type pgGroups Store

func (s *pgGroups) Create(ctx context.Context, group *trust.TrustGroup) error {
	if group.Name == "" {
		return trust.ErrNameRequired
	}
	if group.ID == "" {
		group.ID = ids.New()
	}
	policies := []byte("{}")
	if len(group.GroupPolicies) > 0 {
		raw, err := json.Marshal(group.GroupPolicies)
		if err != nil {
			return fmt.Errorf("marshal group policies: %w", err)
		}
		policies = raw
	}
	now := time.Now().UTC()
	group.CreatedAt = now
	group.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into trust_groups (id, name, description, default_trust_level_id,
			group_policies, is_public, created_by, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, group.ID, group.Name, group.Description, group.DefaultTrustLevelID,
		policies, group.IsPublic, nullString(group.CreatedBy), group.CreatedAt, group.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("trust group %q already exists: %w", group.Name, err)
	}
	return err
}

func (s *pgGroups) Find(ctx context.Context, id string) (*trust.TrustGroup, error) {
	row := s.db.QueryRowContext(ctx, `select `+groupColumns+` from trust_groups where id=$1`, id)
	return scanGroup(row)
}

func (s *pgGroups) ListPublic(ctx context.Context) ([]*trust.TrustGroup, error) {
	rows, err := s.db.QueryContext(ctx, `select `+groupColumns+` from trust_groups where is_public order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*trust.TrustGroup
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (s *pgGroups) AddMember(ctx context.Context, m trust.TrustGroupMembership) error {
	if m.MembershipType == "" {
		m.MembershipType = trust.MemberRegular
	}
	joined := m.JoinedAt
	if joined.IsZero() {
		joined = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into trust_group_members (group_id, organization, membership_type, joined_at)
		values ($1,$2,$3,$4)
		on conflict (group_id, organization) do update set membership_type = excluded.membership_type
	`, m.GroupID, m.Organization, string(m.MembershipType), joined)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return trust.ErrNotFound
	}
	return err
}

func (s *pgGroups) Members(ctx context.Context, groupID string) ([]trust.TrustGroupMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select group_id, organization, membership_type, joined_at
		from trust_group_members
		where group_id=$1
		order by joined_at
	`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []trust.TrustGroupMembership
	for rows.Next() {
		var (
			m   trust.TrustGroupMembership
			typ string
		)
		if err := rows.Scan(&m.GroupID, &m.Organization, &typ, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.MembershipType = trust.MembershipType(typ)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *pgGroups) Membership(ctx context.Context, groupID, org string) (*trust.TrustGroupMembership, error) {
	var (
		m   trust.TrustGroupMembership
		typ string
	)
	err := s.db.QueryRowContext(ctx, `
		select group_id, organization, membership_type, joined_at
		from trust_group_members
		where group_id=$1 and organization=$2
	`, groupID, org).Scan(&m.GroupID, &m.Organization, &typ, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.MembershipType = trust.MembershipType(typ)
	return &m, nil
}

func scanGroup(row rowScanner) (*trust.TrustGroup, error) {
	var (
		group       trust.TrustGroup
		description sql.NullString
		policiesRaw []byte
		createdBy   sql.NullString
	)
	err := row.Scan(&group.ID, &group.Name, &description, &group.DefaultTrustLevelID,
		&policiesRaw, &group.IsPublic, &createdBy, &group.CreatedAt, &group.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	group.Description = description.String
	group.CreatedBy = createdBy.String
	if len(policiesRaw) > 0 {
		if err := json.Unmarshal(policiesRaw, &group.GroupPolicies); err != nil {
			return nil, fmt.Errorf("decode group policies: %w", err)
		}
	}
	return &group, nil
}

type pgTrustLog Store

func (s *pgTrustLog) Append(ctx context.Context, entry *trust.TrustLog) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := []byte("{}")
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into trust_log (id, action, source_org, actor, success, failure_reason, details, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.Action, entry.SourceOrg, nullString(entry.User), entry.Success,
		nullString(entry.FailureReason), details, entry.CreatedAt)
	return err
}

func (s *pgTrustLog) Find(ctx context.Context, id string) (*trust.TrustLog, error) {
	var (
		entry      trust.TrustLog
		actor      sql.NullString
		reason     sql.NullString
		detailsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, action, source_org, actor, success, failure_reason, details, created_at
		from trust_log
		where id=$1
	`, id).Scan(&entry.ID, &entry.Action, &entry.SourceOrg, &actor, &entry.Success,
		&reason, &detailsRaw, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trust.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entry.User = actor.String
	entry.FailureReason = reason.String
	if len(detailsRaw) > 0 {
		if err := json.Unmarshal(detailsRaw, &entry.Details); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

func (s *pgTrustLog) List(ctx context.Context, org string, since time.Time) ([]*trust.TrustLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, action, source_org, actor, success, failure_reason, details, created_at
		from trust_log
		where ($1 = '' or source_org = $1) and created_at >= $2
		order by created_at
	`, org, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*trust.TrustLog
	for rows.Next() {
		var (
			entry      trust.TrustLog
			actor      sql.NullString
			reason     sql.NullString
			detailsRaw []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.SourceOrg, &actor, &entry.Success,
			&reason, &detailsRaw, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.User = actor.String
		entry.FailureReason = reason.String
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &entry.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// Update always fails: the trust log is append-only.
func (s *pgTrustLog) Update(ctx context.Context, entry *trust.TrustLog) error {
	return trust.ErrImmutable
}

// Delete always fails: the trust log is append-only.
func (s *pgTrustLog) Delete(ctx context.Context, id string) error {
	return trust.ErrImmutable
}

func requireTrustRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return trust.ErrNotFound
	}
	return nil
}
