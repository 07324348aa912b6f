package repo

import (
	"context"
	"database/sql"

	"sitewarden/internal/domain"
)

const changelogColumns = `id,site_id,env,run_at,payload_json,received_at`

func scanChangelog(scan func(dest ...any) error) (domain.Changelog, error) {
	var c domain.Changelog
	err := scan(&c.ID, &c.SiteID, &c.Env, &c.RunAt, &c.Payload, &c.ReceivedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// UpsertChangelogTx stores one build-run record, replacing the payload when a
// record with the same (site_id, env, run_at) already exists.
func (r Repo) UpsertChangelogTx(ctx context.Context, tx *sql.Tx, c domain.Changelog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO changelogs(site_id,env,run_at,payload_json,received_at) VALUES (?,?,?,?,?)
ON CONFLICT(site_id,env,run_at) DO UPDATE SET payload_json=excluded.payload_json, received_at=excluded.received_at`,
		c.SiteID, c.Env, c.RunAt, c.Payload, c.ReceivedAt)
	return err
}

// LatestChangelog returns the most recent build-run record for (siteID, env).
func (r Repo) LatestChangelog(ctx context.Context, siteID, env string) (domain.Changelog, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+changelogColumns+` FROM changelogs WHERE site_id=? AND env=? ORDER BY run_at DESC LIMIT 1`,
		siteID, env)
	return scanChangelog(row.Scan)
}

// ChangelogsInRange lists records with run_at in [from, to], newest first.
func (r Repo) ChangelogsInRange(ctx context.Context, siteID, env, from, to string) ([]domain.Changelog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+changelogColumns+` FROM changelogs WHERE site_id=? AND env=? AND run_at>=? AND run_at<=? ORDER BY run_at DESC`,
		siteID, env, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Changelog
	for rows.Next() {
		c, err := scanChangelog(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteChangelogsForSiteTx(ctx context.Context, tx *sql.Tx, siteID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM changelogs WHERE site_id=?`, siteID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
