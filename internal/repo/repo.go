package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sitewarden/internal/cadence"
	"sitewarden/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const siteColumns = `id,name,env,renew_month,website_url,git_url,group_email,contact_name,contact_email,contact_phone,created_at,updated_at`

func scanSite(scan func(dest ...any) error) (domain.Site, error) {
	var s domain.Site
	var websiteURL, gitURL, groupEmail, cName, cEmail, cPhone sql.NullString
	err := scan(&s.ID, &s.Name, &s.Env, &s.RenewMonth, &websiteURL, &gitURL, &groupEmail, &cName, &cEmail, &cPhone, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.WebsiteURL = websiteURL.String
	s.GitURL = gitURL.String
	s.GroupEmail = groupEmail.String
	if cName.Valid || cEmail.Valid || cPhone.Valid {
		s.Contact = &domain.Contact{Name: cName.String, Email: cEmail.String, Phone: cPhone.String}
	}
	return s, nil
}

// UpsertSiteTx inserts or replaces a site keyed by id. Metadata fields set to
// the empty string clear the stored value; created_at survives conflicts.
func (r Repo) UpsertSiteTx(ctx context.Context, tx *sql.Tx, s domain.Site) error {
	var cName, cEmail, cPhone string
	if s.Contact != nil {
		cName, cEmail, cPhone = s.Contact.Name, s.Contact.Email, s.Contact.Phone
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sites(`+siteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, env=excluded.env, renew_month=excluded.renew_month,
website_url=excluded.website_url, git_url=excluded.git_url, group_email=excluded.group_email,
contact_name=excluded.contact_name, contact_email=excluded.contact_email, contact_phone=excluded.contact_phone,
updated_at=excluded.updated_at`,
		s.ID, s.Name, s.Env, s.RenewMonth, nullable(s.WebsiteURL), nullable(s.GitURL), nullable(s.GroupEmail),
		nullable(cName), nullable(cEmail), nullable(cPhone), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id=?`, id)
	return scanSite(row.Scan)
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Site
	for rows.Next() {
		s, err := scanSite(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSiteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM sites WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const itemColumns = `id,site_id,env,date,kind,pre_renewal,report_due,mid_year,status,completed_at,completed_by,created_at,updated_at`

func scanItem(scan func(dest ...any) error) (domain.MaintenanceItem, error) {
	var it domain.MaintenanceItem
	var pre, report, mid int
	var completedAt, completedBy sql.NullString
	err := scan(&it.ID, &it.SiteID, &it.Env, &it.Date, &it.Kind, &pre, &report, &mid, &it.Status, &completedAt, &completedBy, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	it.Labels = cadence.Labels{PreRenewal: pre != 0, ReportDue: report != 0, MidYear: mid != 0}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		it.CompletedBy = &completedBy.String
	}
	return it, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertItemIfAbsentTx writes the item only when no item exists at its
// (site_id, env, date) key. Reports whether a row was inserted.
func (r Repo) InsertItemIfAbsentTx(ctx context.Context, tx *sql.Tx, it domain.MaintenanceItem) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO maintenance(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(site_id,env,date) DO NOTHING`,
		it.ID, it.SiteID, it.Env, it.Date, it.Kind, boolInt(it.Labels.PreRenewal), boolInt(it.Labels.ReportDue), boolInt(it.Labels.MidYear),
		it.Status, nullableStringPtr(it.CompletedAt), nullableStringPtr(it.CompletedBy), it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteItemsForEnvTx removes every item for (siteID, env) and returns the count.
func (r Repo) DeleteItemsForEnvTx(ctx context.Context, tx *sql.Tx, siteID, env string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM maintenance WHERE site_id=? AND env=?`, siteID, env)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteItemsForSiteTx removes every item for a site across all environments.
func (r Repo) DeleteItemsForSiteTx(ctx context.Context, tx *sql.Tx, siteID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM maintenance WHERE site_id=?`, siteID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) GetItem(ctx context.Context, siteID, env, date string) (domain.MaintenanceItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM maintenance WHERE site_id=? AND env=? AND date=?`, siteID, env, date)
	it, err := scanItem(row.Scan)
	if err != nil {
		return it, err
	}
	it.StatusHistory, err = r.ListStatusHistory(ctx, it.ID)
	return it, err
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, siteID, env, date string) (domain.MaintenanceItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM maintenance WHERE site_id=? AND env=? AND date=?`, siteID, env, date)
	return scanItem(row.Scan)
}

func (r Repo) UpdateItemStatusTx(ctx context.Context, tx *sql.Tx, it domain.MaintenanceItem) error {
	_, err := tx.ExecContext(ctx, `UPDATE maintenance SET status=?, completed_at=?, completed_by=?, updated_at=? WHERE id=?`,
		it.Status, nullableStringPtr(it.CompletedAt), nullableStringPtr(it.CompletedBy), it.UpdatedAt, it.ID)
	return err
}

// AppendStatusHistoryTx records one workflow transition for an item.
func (r Repo) AppendStatusHistoryTx(ctx context.Context, tx *sql.Tx, itemID string, entry domain.StatusEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO status_history(item_id,at,by_actor,from_status,to_status) VALUES (?,?,?,?,?)`,
		itemID, entry.At, nullableStringPtr(entry.By), nullableStringPtr(entry.From), entry.To)
	return err
}

func (r Repo) ListStatusHistory(ctx context.Context, itemID string) ([]domain.StatusEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT at,by_actor,from_status,to_status FROM status_history WHERE item_id=? ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusEntry
	for rows.Next() {
		var e domain.StatusEntry
		var by, from sql.NullString
		if err := rows.Scan(&e.At, &by, &from, &e.To); err != nil {
			return nil, err
		}
		if by.Valid {
			e.By = &by.String
		}
		if from.Valid {
			e.From = &from.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

type MaintenanceFilters struct {
	SiteID string
	Env    string
	From   string
	To     string
	Limit  int
}

// ListMaintenance returns items matching the filters in ascending date order.
func (r Repo) ListMaintenance(ctx context.Context, f MaintenanceFilters) ([]domain.MaintenanceItem, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Env != "" {
		clauses = append(clauses, "env=?")
		args = append(args, f.Env)
	}
	if f.From != "" {
		clauses = append(clauses, "date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "date<=?")
		args = append(args, f.To)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM maintenance ` + where + ` ORDER BY date ASC, site_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaintenanceItem
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// NextItem returns the earliest item for (siteID, env) dated today or later.
func (r Repo) NextItem(ctx context.Context, siteID, env, todayISO string) (domain.MaintenanceItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM maintenance WHERE site_id=? AND env=? AND date>=? ORDER BY date ASC LIMIT 1`,
		siteID, env, todayISO)
	return scanItem(row.Scan)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
