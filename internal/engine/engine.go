package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitewarden/internal/cadence"
	"sitewarden/internal/config"
	"sitewarden/internal/dates"
	"sitewarden/internal/domain"
	"sitewarden/internal/events"
	"sitewarden/internal/notify"
	"sitewarden/internal/repo"
)

// RebuildAllConfirmation is the exact phrase required to run a portfolio-wide
// rebuild.
const RebuildAllConfirmation = "REBUILD ALL SITES"

var (
	ErrConfirmationRequired = errors.New("confirmation phrase required")
	ErrInvalidStatus        = errors.New("invalid status")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Mailer notify.Mailer
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Mailer: notify.LogMailer{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) window() cadence.Window {
	w := cadence.Window{BackfillMonths: 12, ForwardMonths: 14}
	if e.Config != nil {
		w.BackfillMonths = e.Config.Scheduler.BackfillMonths
		w.ForwardMonths = e.Config.Scheduler.ForwardMonths
	}
	return w.Clamp()
}

func (e Engine) businessDay() bool {
	return e.Config != nil && e.Config.Scheduler.BusinessDay
}

// SaveScheduleOptions are parameters for saving a site and materializing its
// schedule.
type SaveScheduleOptions struct {
	SiteID     string
	Name       string
	Env        string
	RenewMonth int
	WebsiteURL string
	GitURL     string
	GroupEmail string
	Contact    *domain.Contact
	// Rebuild deletes every existing item for (site, env) before
	// materializing, discarding statuses and history.
	Rebuild bool
	// BackfillMonths and ForwardMonths override the configured window when
	// set.
	BackfillMonths *int
	ForwardMonths  *int
	ActorID        string
}

// SaveResult reports what a save materialized.
type SaveResult struct {
	Site    domain.Site     `json:"site"`
	Window  cadence.Window  `json:"window"`
	Entries []cadence.Entry `json:"entries"`
	Created int             `json:"created"`
	Deleted int             `json:"deleted"`
}

// SaveSchedule upserts the site and materializes its maintenance schedule
// over the configured window. Without Rebuild the operation is idempotent:
// existing items keep their status and history and only missing dates are
// inserted.
func (e Engine) SaveSchedule(ctx context.Context, opts SaveScheduleOptions) (SaveResult, error) {
	opts.SiteID = strings.TrimSpace(opts.SiteID)
	if opts.SiteID == "" {
		return SaveResult{}, errors.New("site id is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = opts.SiteID
	}
	if opts.Env == "" {
		opts.Env = "production"
	}

	now := e.now().UTC()
	nowRFC := now.Format(time.RFC3339)
	renewMonth := cadence.CoerceRenewMonth(opts.RenewMonth, now)

	w := e.window()
	if opts.BackfillMonths != nil {
		w.BackfillMonths = *opts.BackfillMonths
	}
	if opts.ForwardMonths != nil {
		w.ForwardMonths = *opts.ForwardMonths
	}
	w = w.Clamp()
	entries := cadence.Generate(renewMonth, w, now, e.businessDay())

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, err
	}
	defer tx.Rollback()

	site := domain.Site{
		ID:         opts.SiteID,
		Name:       strings.TrimSpace(opts.Name),
		Env:        opts.Env,
		RenewMonth: renewMonth,
		WebsiteURL: normalizeURL(opts.WebsiteURL),
		GitURL:     normalizeURL(opts.GitURL),
		GroupEmail: strings.TrimSpace(opts.GroupEmail),
		Contact:    opts.Contact,
		CreatedAt:  nowRFC,
		UpdatedAt:  nowRFC,
	}
	if existing, err := e.Repo.GetSite(ctx, opts.SiteID); err == nil {
		site.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, repo.ErrNotFound) {
		return SaveResult{}, err
	}
	if err := e.Repo.UpsertSiteTx(ctx, tx, site); err != nil {
		return SaveResult{}, fmt.Errorf("upsert site: %w", err)
	}

	res := SaveResult{Site: site, Window: w, Entries: entries}
	if opts.Rebuild {
		deleted, err := e.Repo.DeleteItemsForEnvTx(ctx, tx, site.ID, site.Env)
		if err != nil {
			return SaveResult{}, fmt.Errorf("delete items: %w", err)
		}
		res.Deleted = int(deleted)
	}
	for _, entry := range entries {
		it := domain.MaintenanceItem{
			ID:        uuid.NewString(),
			SiteID:    site.ID,
			Env:       site.Env,
			Date:      entry.ISO,
			Kind:      entry.Kind,
			Labels:    entry.Labels,
			Status:    domain.StatusToDo,
			CreatedAt: nowRFC,
			UpdatedAt: nowRFC,
		}
		inserted, err := e.Repo.InsertItemIfAbsentTx(ctx, tx, it)
		if err != nil {
			return SaveResult{}, fmt.Errorf("insert item %s: %w", entry.ISO, err)
		}
		if inserted {
			res.Created++
			seed := domain.StatusEntry{At: nowRFC, To: domain.StatusToDo}
			if err := e.Repo.AppendStatusHistoryTx(ctx, tx, it.ID, seed); err != nil {
				return SaveResult{}, err
			}
		}
	}

	payload := events.EventPayload{
		"env":         site.Env,
		"renew_month": renewMonth,
		"rebuild":     opts.Rebuild,
		"created":     res.Created,
		"deleted":     res.Deleted,
	}
	if err := e.Events.Append(ctx, tx, "schedule.save", site.ID, "site", site.ID, opts.ActorID, payload); err != nil {
		return SaveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// SiteRebuildResult is the outcome of one site in a portfolio rebuild.
type SiteRebuildResult struct {
	SiteID  string `json:"site_id"`
	Env     string `json:"env"`
	Deleted int    `json:"deleted"`
	Created int    `json:"created"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RebuildAllResult aggregates a portfolio rebuild.
type RebuildAllResult struct {
	Sites        []SiteRebuildResult `json:"sites"`
	TotalDeleted int                 `json:"total_deleted"`
	TotalCreated int                 `json:"total_created"`
	Failed       int                 `json:"failed"`
}

// RebuildAllOptions guard and scope a portfolio rebuild.
type RebuildAllOptions struct {
	ConfirmText    string
	BackfillMonths *int
	ForwardMonths  *int
	ActorID        string
}

// RebuildAll regenerates every site's schedule from scratch. The confirmation
// phrase must match RebuildAllConfirmation exactly. Sites are processed
// sequentially; one site's failure is recorded and does not abort the rest.
func (e Engine) RebuildAll(ctx context.Context, opts RebuildAllOptions) (RebuildAllResult, error) {
	if opts.ConfirmText != RebuildAllConfirmation {
		return RebuildAllResult{}, ErrConfirmationRequired
	}
	sites, err := e.Repo.ListSites(ctx)
	if err != nil {
		return RebuildAllResult{}, err
	}
	var out RebuildAllResult
	for _, site := range sites {
		res, err := e.SaveSchedule(ctx, SaveScheduleOptions{
			SiteID:         site.ID,
			Name:           site.Name,
			Env:            site.Env,
			RenewMonth:     site.RenewMonth,
			WebsiteURL:     site.WebsiteURL,
			GitURL:         site.GitURL,
			GroupEmail:     site.GroupEmail,
			Contact:        site.Contact,
			Rebuild:        true,
			BackfillMonths: opts.BackfillMonths,
			ForwardMonths:  opts.ForwardMonths,
			ActorID:        opts.ActorID,
		})
		sr := SiteRebuildResult{SiteID: site.ID, Env: site.Env}
		if err != nil {
			sr.Error = err.Error()
			out.Failed++
		} else {
			sr.Deleted = res.Deleted
			sr.Created = res.Created
			sr.Success = true
			out.TotalDeleted += res.Deleted
			out.TotalCreated += res.Created
		}
		out.Sites = append(out.Sites, sr)
	}
	return out, nil
}

// SetStatusOptions identify an item and the transition to apply.
type SetStatusOptions struct {
	SiteID string
	Env    string
	Date   string
	Status string
	// PrevStatus, when set, overrides the stored status in the recorded
	// history entry. The completion side-effect still keys off the stored
	// status.
	PrevStatus string
	ActorID    string
}

// SetStatus applies a workflow transition. Any status can move to any other.
// Reaching Completed from a non-Completed status stamps completion fields and
// sends the completion email; mail delivery is best effort and never fails
// the transition.
func (e Engine) SetStatus(ctx context.Context, opts SetStatusOptions) (domain.MaintenanceItem, error) {
	if !domain.ValidStatus(opts.Status) {
		return domain.MaintenanceItem{}, fmt.Errorf("%w: %q", ErrInvalidStatus, opts.Status)
	}
	if opts.PrevStatus != "" && !domain.ValidStatus(opts.PrevStatus) {
		return domain.MaintenanceItem{}, fmt.Errorf("%w: %q", ErrInvalidStatus, opts.PrevStatus)
	}
	if opts.Env == "" {
		opts.Env = "production"
	}
	now := e.now().UTC()
	nowRFC := now.Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MaintenanceItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, opts.SiteID, opts.Env, opts.Date)
	if err != nil {
		return domain.MaintenanceItem{}, err
	}
	prev := it.Status
	if prev == "" {
		prev = domain.StatusToDo
	}

	it.Status = opts.Status
	it.UpdatedAt = nowRFC
	completedNow := opts.Status == domain.StatusCompleted && prev != domain.StatusCompleted
	if completedNow {
		it.CompletedAt = &nowRFC
		if opts.ActorID != "" {
			actor := opts.ActorID
			it.CompletedBy = &actor
		}
	}
	if err := e.Repo.UpdateItemStatusTx(ctx, tx, it); err != nil {
		return domain.MaintenanceItem{}, fmt.Errorf("update status: %w", err)
	}

	histFrom := prev
	if opts.PrevStatus != "" {
		histFrom = opts.PrevStatus
	}
	entry := domain.StatusEntry{At: nowRFC, From: &histFrom, To: opts.Status}
	if opts.ActorID != "" {
		actor := opts.ActorID
		entry.By = &actor
	}
	if err := e.Repo.AppendStatusHistoryTx(ctx, tx, it.ID, entry); err != nil {
		return domain.MaintenanceItem{}, err
	}

	evtType := "maintenance.status"
	if completedNow {
		evtType = "maintenance.completed"
	}
	payload := events.EventPayload{"env": it.Env, "date": it.Date, "from": prev, "to": opts.Status}
	if err := e.Events.Append(ctx, tx, evtType, it.SiteID, "maintenance", it.ID, opts.ActorID, payload); err != nil {
		return domain.MaintenanceItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MaintenanceItem{}, err
	}

	it.StatusHistory, err = e.Repo.ListStatusHistory(ctx, it.ID)
	if err != nil {
		return domain.MaintenanceItem{}, err
	}

	if completedNow {
		e.sendCompletionMail(ctx, it)
	} else if e.Config != nil && e.Config.Mail.StatusChanges {
		e.sendStatusChangeMail(ctx, it, prev)
	}
	return it, nil
}

func (e Engine) mailRecipient(site domain.Site) string {
	if site.GroupEmail != "" {
		return site.GroupEmail
	}
	if site.Contact != nil && site.Contact.Email != "" {
		return site.Contact.Email
	}
	if e.Config != nil {
		return e.Config.Mail.FallbackTo
	}
	return ""
}

func (e Engine) sendCompletionMail(ctx context.Context, it domain.MaintenanceItem) {
	if e.Mailer == nil {
		return
	}
	site, err := e.Repo.GetSite(ctx, it.SiteID)
	if err != nil {
		log.Printf("completion mail: load site %s: %v", it.SiteID, err)
		return
	}
	to := e.mailRecipient(site)
	if to == "" {
		log.Printf("completion mail: no recipient for site %s", site.ID)
		return
	}
	in := notify.CompletionInput{
		Site:    site,
		Item:    it,
		Rows:    e.changelogRows(ctx, it),
		History: it.StatusHistory,
	}
	if latest, err := e.Repo.LatestChangelog(ctx, it.SiteID, it.Env); err == nil {
		if flat, err := notify.FlattenChanges(latest.Payload); err == nil {
			in.Latest = flat
			in.LatestRunAt = latest.RunAt
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		log.Printf("completion mail: load latest changelog: %v", err)
	}
	msg := notify.ComposeCompletion(in)
	msg.To = to
	if err := e.Mailer.Send(ctx, msg); err != nil {
		log.Printf("completion mail: send to %s: %v", to, err)
	}
}

func (e Engine) sendStatusChangeMail(ctx context.Context, it domain.MaintenanceItem, prev string) {
	if e.Mailer == nil {
		return
	}
	site, err := e.Repo.GetSite(ctx, it.SiteID)
	if err != nil {
		return
	}
	to := e.mailRecipient(site)
	if to == "" {
		return
	}
	msg := notify.ComposeStatusChange(site, it, prev)
	msg.To = to
	if err := e.Mailer.Send(ctx, msg); err != nil {
		log.Printf("status mail: send to %s: %v", to, err)
	}
}

// changelogRows collects package changes recorded between 30 days before the
// item's date and 7 days after it.
func (e Engine) changelogRows(ctx context.Context, it domain.MaintenanceItem) []domain.PackageRow {
	day, err := dates.ParseISODate(it.Date)
	if err != nil {
		return nil
	}
	from := day.AddDate(0, 0, -30).Format(time.RFC3339)
	to := day.AddDate(0, 0, 7).Format(time.RFC3339)
	logs, err := e.Repo.ChangelogsInRange(ctx, it.SiteID, it.Env, from, to)
	if err != nil {
		log.Printf("completion mail: load changelogs: %v", err)
		return nil
	}
	var rows []domain.PackageRow
	for _, cl := range logs {
		flat, err := notify.FlattenChanges(cl.Payload)
		if err != nil {
			log.Printf("completion mail: changelog %d: %v", cl.ID, err)
			continue
		}
		rows = append(rows, flat...)
	}
	return rows
}

// RecordChangelogOptions carry one ingested build-run record.
type RecordChangelogOptions struct {
	SiteID      string
	Env         string
	RunAt       string
	PayloadJSON string
	ActorID     string
}

// RecordChangelog stores a build-run package report. Reposting the same
// (site, env, run timestamp) replaces the stored payload.
func (e Engine) RecordChangelog(ctx context.Context, opts RecordChangelogOptions) (domain.Changelog, error) {
	if opts.Env == "" {
		opts.Env = "production"
	}
	if !json.Valid([]byte(opts.PayloadJSON)) {
		return domain.Changelog{}, errors.New("changelog payload must be valid JSON")
	}
	runAt, err := time.Parse(time.RFC3339, opts.RunAt)
	if err != nil {
		return domain.Changelog{}, fmt.Errorf("invalid run_at: %w", err)
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.Changelog{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Changelog{}, err
	}
	defer tx.Rollback()

	cl := domain.Changelog{
		SiteID:     opts.SiteID,
		Env:        opts.Env,
		RunAt:      runAt.UTC().Format(time.RFC3339),
		Payload:    opts.PayloadJSON,
		ReceivedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertChangelogTx(ctx, tx, cl); err != nil {
		return domain.Changelog{}, fmt.Errorf("upsert changelog: %w", err)
	}
	payload := events.EventPayload{"env": cl.Env, "run_at": cl.RunAt}
	if err := e.Events.Append(ctx, tx, "changelog.received", cl.SiteID, "changelog", cl.RunAt, opts.ActorID, payload); err != nil {
		return domain.Changelog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Changelog{}, err
	}
	return cl, nil
}

// DeleteResult reports what a site deletion removed.
type DeleteResult struct {
	SiteID            string `json:"site_id"`
	ItemsDeleted      int64  `json:"items_deleted"`
	ChangelogsDeleted int64  `json:"changelogs_deleted"`
}

// DeleteSite removes a site with its maintenance items, history and
// changelogs.
func (e Engine) DeleteSite(ctx context.Context, siteID, actorID string) (DeleteResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, err
	}
	defer tx.Rollback()

	items, err := e.Repo.DeleteItemsForSiteTx(ctx, tx, siteID)
	if err != nil {
		return DeleteResult{}, err
	}
	logs, err := e.Repo.DeleteChangelogsForSiteTx(ctx, tx, siteID)
	if err != nil {
		return DeleteResult{}, err
	}
	if err := e.Repo.DeleteSiteTx(ctx, tx, siteID); err != nil {
		return DeleteResult{}, err
	}
	payload := events.EventPayload{"items_deleted": items, "changelogs_deleted": logs}
	if err := e.Events.Append(ctx, tx, "site.delete", siteID, "site", siteID, actorID, payload); err != nil {
		return DeleteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeleteResult{}, err
	}
	return DeleteResult{SiteID: siteID, ItemsDeleted: items, ChangelogsDeleted: logs}, nil
}

// SiteSchedule returns a site with its full materialized schedule.
func (e Engine) SiteSchedule(ctx context.Context, siteID, env string) (domain.Site, []domain.MaintenanceItem, error) {
	site, err := e.Repo.GetSite(ctx, siteID)
	if err != nil {
		return domain.Site{}, nil, err
	}
	items, err := e.Repo.ListMaintenance(ctx, repo.MaintenanceFilters{SiteID: siteID, Env: env})
	if err != nil {
		return domain.Site{}, nil, err
	}
	return site, items, nil
}

// OverviewRow summarizes one site's schedule position.
type OverviewRow struct {
	Site      domain.Site             `json:"site"`
	Next      *domain.MaintenanceItem `json:"next,omitempty"`
	Open      int                     `json:"open"`
	Overdue   int                     `json:"overdue"`
	Completed int                     `json:"completed"`
}

// Overview projects the whole portfolio: per site, the next upcoming item
// plus open, overdue and completed counts.
func (e Engine) Overview(ctx context.Context) ([]OverviewRow, error) {
	sites, err := e.Repo.ListSites(ctx)
	if err != nil {
		return nil, err
	}
	today := dates.ISODate(e.now())
	var out []OverviewRow
	for _, site := range sites {
		row := OverviewRow{Site: site}
		items, err := e.Repo.ListMaintenance(ctx, repo.MaintenanceFilters{SiteID: site.ID, Env: site.Env})
		if err != nil {
			return nil, err
		}
		for i, it := range items {
			switch {
			case it.Status == domain.StatusCompleted:
				row.Completed++
			case it.Date < today:
				row.Open++
				row.Overdue++
			default:
				row.Open++
			}
			if row.Next == nil && it.Date >= today {
				row.Next = &items[i]
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return "https://" + raw
	}
	return raw
}
