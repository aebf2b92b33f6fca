package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crisp.org/internal/ids"
	"crisp.org/internal/intel"
)

const indicatorColumns = `id, value, type, description, confidence, stix_id,
	first_seen, last_seen, is_anonymized, original_data,
	feed_id, organization, run_id, created_at, updated_at`

type pgIndicators Store

var _ intel.IndicatorRepository = (*pgIndicators)(nil)

func (s *pgIndicators) GetByStixID(ctx context.Context, stixID string) (*intel.Indicator, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+indicatorColumns+`
		from indicators
		where stix_id = $1
	`, stixID)
	return scanIndicator(row)
}

func (s *pgIndicators) Create(ctx context.Context, ind *intel.Indicator) error {
	if ind.ID == "" {
		ind.ID = ids.New()
	}
	now := time.Now().UTC()
	ind.CreatedAt = now
	ind.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into indicators (id, value, type, description, confidence, stix_id,
			first_seen, last_seen, is_anonymized, original_data,
			feed_id, organization, run_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, ind.ID, ind.Value, ind.Type, ind.Description, ind.Confidence, ind.StixID,
		ind.FirstSeen, ind.LastSeen, ind.IsAnonymized, nullString(ind.OriginalData),
		nullString(ind.FeedID), nullString(ind.Organization), nullString(ind.RunID),
		ind.CreatedAt, ind.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("indicator %s: %w", ind.StixID, err)
	}
	return err
}

func (s *pgIndicators) Update(ctx context.Context, ind *intel.Indicator) error {
	ind.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update indicators
		set value=$2, type=$3, description=$4, confidence=$5,
			last_seen=$6, is_anonymized=$7, original_data=$8, updated_at=$9
		where id=$1
	`, ind.ID, ind.Value, ind.Type, ind.Description, ind.Confidence,
		ind.LastSeen, ind.IsAnonymized, nullString(ind.OriginalData), ind.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgIndicators) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from indicators where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgIndicators) DeleteByRun(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from indicators where run_id=$1`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *pgIndicators) ListByFeed(ctx context.Context, feedID string, limit int) ([]*intel.Indicator, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+indicatorColumns+`
		from indicators
		where ($1 = '' or feed_id = $1)
		order by created_at
		limit $2
	`, feedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*intel.Indicator
	for rows.Next() {
		ind, err := scanIndicator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIndicator(row rowScanner) (*intel.Indicator, error) {
	var (
		ind      intel.Indicator
		original sql.NullString
		feedID   sql.NullString
		org      sql.NullString
		runID    sql.NullString
	)
	err := row.Scan(&ind.ID, &ind.Value, &ind.Type, &ind.Description, &ind.Confidence,
		&ind.StixID, &ind.FirstSeen, &ind.LastSeen, &ind.IsAnonymized, &original,
		&feedID, &org, &runID, &ind.CreatedAt, &ind.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ind.OriginalData = original.String
	ind.FeedID = feedID.String
	ind.Organization = org.String
	ind.RunID = runID.String
	return &ind, nil
}

const ttpColumns = `id, name, description, mitre_technique, mitre_tactic, stix_id,
	is_anonymized, original_data, feed_id, organization, run_id, created_at, updated_at`

type pgTTPs Store

var _ intel.TTPRepository = (*pgTTPs)(nil)

func (s *pgTTPs) GetByStixID(ctx context.Context, stixID string) (*intel.TTP, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+ttpColumns+`
		from ttps
		where stix_id = $1
	`, stixID)
	return scanTTP(row)
}

func (s *pgTTPs) Create(ctx context.Context, ttp *intel.TTP) error {
	if ttp.ID == "" {
		ttp.ID = ids.New()
	}
	now := time.Now().UTC()
	ttp.CreatedAt = now
	ttp.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into ttps (id, name, description, mitre_technique, mitre_tactic, stix_id,
			is_anonymized, original_data, feed_id, organization, run_id, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, ttp.ID, ttp.Name, ttp.Description, nullString(ttp.MitreTechnique), nullString(ttp.MitreTactic),
		ttp.StixID, ttp.IsAnonymized, nullString(ttp.OriginalData),
		nullString(ttp.FeedID), nullString(ttp.Organization), nullString(ttp.RunID),
		ttp.CreatedAt, ttp.UpdatedAt)
	return err
}

func (s *pgTTPs) Update(ctx context.Context, ttp *intel.TTP) error {
	ttp.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update ttps
		set name=$2, description=$3, mitre_technique=$4, mitre_tactic=$5,
			is_anonymized=$6, updated_at=$7
		where id=$1
	`, ttp.ID, ttp.Name, ttp.Description, nullString(ttp.MitreTechnique),
		nullString(ttp.MitreTactic), ttp.IsAnonymized, ttp.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgTTPs) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from ttps where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgTTPs) DeleteByRun(ctx context.Context, runID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from ttps where run_id=$1`, runID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *pgTTPs) ListByFeed(ctx context.Context, feedID string, limit int) ([]*intel.TTP, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+ttpColumns+`
		from ttps
		where ($1 = '' or feed_id = $1)
		order by created_at
		limit $2
	`, feedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*intel.TTP
	for rows.Next() {
		ttp, err := scanTTP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ttp)
	}
	return out, rows.Err()
}

func scanTTP(row rowScanner) (*intel.TTP, error) {
	var (
		ttp       intel.TTP
		technique sql.NullString
		tactic    sql.NullString
		original  sql.NullString
		feedID    sql.NullString
		org       sql.NullString
		runID     sql.NullString
	)
	err := row.Scan(&ttp.ID, &ttp.Name, &ttp.Description, &technique, &tactic,
		&ttp.StixID, &ttp.IsAnonymized, &original, &feedID, &org, &runID,
		&ttp.CreatedAt, &ttp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ttp.MitreTechnique = technique.String
	ttp.MitreTactic = tactic.String
	ttp.OriginalData = original.String
	ttp.FeedID = feedID.String
	ttp.Organization = org.String
	ttp.RunID = runID.String
	return &ttp, nil
}

const feedColumns = `id, name, server_url, api_root, collection_id, username, password,
	organization, is_active, status, current_task_id, paused_at, pause_metadata,
	last_sync, sync_count, last_error, created_at, updated_at`

const maxErrorLen = 500

type pgFeeds Store

var _ intel.FeedRepository = (*pgFeeds)(nil)

func (s *pgFeeds) Find(ctx context.Context, id string) (*intel.Feed, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+feedColumns+`
		from feeds
		where id = $1
	`, id)
	return scanFeed(row)
}

func (s *pgFeeds) Create(ctx context.Context, feed *intel.Feed) error {
	if feed.ID == "" {
		feed.ID = ids.New()
	}
	if feed.Status == "" {
		feed.Status = intel.StatusIdle
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into feeds (id, name, server_url, api_root, collection_id, username, password,
			organization, is_active, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, feed.ID, feed.Name, feed.ServerURL, feed.APIRoot, feed.CollectionID,
		nullString(feed.Username), nullString(feed.Password), nullString(feed.Organization),
		feed.IsActive, string(feed.Status), feed.CreatedAt, feed.UpdatedAt)
	return err
}

func (s *pgFeeds) Update(ctx context.Context, feed *intel.Feed) error {
	feed.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		update feeds
		set name=$2, server_url=$3, api_root=$4, collection_id=$5, username=$6,
			password=$7, organization=$8, is_active=$9, updated_at=$10
		where id=$1
	`, feed.ID, feed.Name, feed.ServerURL, feed.APIRoot, feed.CollectionID,
		nullString(feed.Username), nullString(feed.Password), nullString(feed.Organization),
		feed.IsActive, feed.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgFeeds) List(ctx context.Context) ([]*intel.Feed, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+feedColumns+`
		from feeds
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*intel.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, feed)
	}
	return out, rows.Err()
}

// BeginConsumption is the single guard against double starts: a conditional
// update that only fires when no consumption is active.
func (s *pgFeeds) BeginConsumption(ctx context.Context, feedID, taskID string) (*intel.Feed, error) {
	row := s.db.QueryRowContext(ctx, `
		update feeds
		set status='starting', current_task_id=$2, updated_at=now()
		where id=$1 and status not in ('running','starting')
		returning `+feedColumns+`
	`, feedID, taskID)
	feed, err := scanFeed(row)
	if errors.Is(err, intel.ErrNotFound) {
		// Either the feed does not exist or it lost the race.
		if _, findErr := s.Find(ctx, feedID); findErr != nil {
			return nil, findErr
		}
		return nil, intel.ErrConsumptionActive
	}
	return feed, err
}

func (s *pgFeeds) MarkRunning(ctx context.Context, feedID string) error {
	res, err := s.db.ExecContext(ctx, `
		update feeds set status='running', updated_at=now() where id=$1
	`, feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgFeeds) FinishConsumption(ctx context.Context, feedID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update feeds
		set status='idle', current_task_id=null, last_sync=$2, sync_count=sync_count+1,
			last_error=null, paused_at=null, pause_metadata=null, updated_at=now()
		where id=$1
	`, feedID, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgFeeds) MarkPaused(ctx context.Context, feedID string, at time.Time, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal pause metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update feeds
		set status='paused', paused_at=$2, pause_metadata=$3, updated_at=now()
		where id=$1
	`, feedID, at.UTC(), meta)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AbandonConsumption leaves last_sync and sync_count untouched so the
// cancelled window is re-fetched on the next incremental poll.
func (s *pgFeeds) AbandonConsumption(ctx context.Context, feedID string) error {
	res, err := s.db.ExecContext(ctx, `
		update feeds
		set status='idle', current_task_id=null, paused_at=null, pause_metadata=null, updated_at=now()
		where id=$1
	`, feedID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgFeeds) MarkError(ctx context.Context, feedID, message string) error {
	if len(message) > maxErrorLen {
		message = message[:maxErrorLen]
	}
	res, err := s.db.ExecContext(ctx, `
		update feeds
		set status='idle', current_task_id=null, last_error=$2, updated_at=now()
		where id=$1
	`, feedID, message)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanFeed(row rowScanner) (*intel.Feed, error) {
	var (
		feed     intel.Feed
		username sql.NullString
		password sql.NullString
		org      sql.NullString
		taskID   sql.NullString
		pausedAt sql.NullTime
		pauseRaw []byte
		lastSync sql.NullTime
		lastErr  sql.NullString
		status   string
	)
	err := row.Scan(&feed.ID, &feed.Name, &feed.ServerURL, &feed.APIRoot, &feed.CollectionID,
		&username, &password, &org, &feed.IsActive, &status, &taskID, &pausedAt, &pauseRaw,
		&lastSync, &feed.SyncCount, &lastErr, &feed.CreatedAt, &feed.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, intel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	feed.Username = username.String
	feed.Password = password.String
	feed.Organization = org.String
	feed.Status = intel.ConsumptionStatus(status)
	feed.CurrentTaskID = taskID.String
	if pausedAt.Valid {
		t := pausedAt.Time.UTC()
		feed.PausedAt = &t
	}
	if len(pauseRaw) > 0 {
		if err := json.Unmarshal(pauseRaw, &feed.PauseMetadata); err != nil {
			return nil, fmt.Errorf("decode pause metadata: %w", err)
		}
	}
	if lastSync.Valid {
		t := lastSync.Time.UTC()
		feed.LastSync = &t
	}
	feed.LastError = lastErr.String
	return &feed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return intel.ErrNotFound
	}
	return nil
}
