package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sitewarden/internal/config"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
	"sitewarden/internal/notify"
	"sitewarden/internal/repo"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) messages() []notify.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notify.Message(nil), m.sent...)
}

type testEnv struct {
	Engine engine.Engine
	Mailer *fakeMailer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	mailer := &fakeMailer{}
	eng := engine.New(conn, cfg)
	eng.Mailer = mailer
	eng.Now = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Mailer: mailer, Ctx: context.Background()}
}

func saveAcme(t *testing.T, env testEnv) engine.SaveResult {
	t.Helper()
	res, err := env.Engine.SaveSchedule(env.Ctx, engine.SaveScheduleOptions{
		SiteID:     "acme",
		Name:       "Acme Shop",
		RenewMonth: 6,
		GroupEmail: "ops@acme.example",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	return res
}

func TestSaveScheduleMaterializes(t *testing.T) {
	env := newTestEnv(t)
	res := saveAcme(t, env)

	if res.Created == 0 || res.Created != len(res.Entries) {
		t.Fatalf("expected all %d entries created, got %d", len(res.Entries), res.Created)
	}
	// renewal month 6: pre-renewal April, report May, mid-year October
	wantKinds := map[string]string{"04": "maintenance", "05": "report", "10": "maintenance"}
	for _, entry := range res.Entries {
		month := entry.ISO[5:7]
		kind, ok := wantKinds[month]
		if !ok {
			t.Fatalf("unexpected month in %s", entry.ISO)
		}
		if entry.Kind != kind {
			t.Fatalf("entry %s kind %q, want %q", entry.ISO, entry.Kind, kind)
		}
	}

	items, err := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != res.Created {
		t.Fatalf("stored %d items, created %d", len(items), res.Created)
	}
	for _, it := range items {
		if it.Status != domain.StatusToDo {
			t.Fatalf("new item %s status %q", it.Date, it.Status)
		}
	}
}

func TestSaveScheduleIdempotent(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)

	// move one item, then save again without rebuild
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]
	if _, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusInProgress, ActorID: "tester",
	}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	res := saveAcme(t, env)
	if res.Created != 0 || res.Deleted != 0 {
		t.Fatalf("resave should be a no-op, created=%d deleted=%d", res.Created, res.Deleted)
	}
	it, err := env.Engine.Repo.GetItem(env.Ctx, "acme", target.Env, target.Date)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Status != domain.StatusInProgress {
		t.Fatalf("resave clobbered status: %q", it.Status)
	}
	if len(it.StatusHistory) != 2 {
		t.Fatalf("expected seed + transition history, got %d entries", len(it.StatusHistory))
	}
}

func TestSaveScheduleRebuildReplaces(t *testing.T) {
	env := newTestEnv(t)
	first := saveAcme(t, env)

	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]
	env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "tester",
	})

	res, err := env.Engine.SaveSchedule(env.Ctx, engine.SaveScheduleOptions{
		SiteID: "acme", Name: "Acme Shop", RenewMonth: 6, Rebuild: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if res.Deleted != first.Created || res.Created != first.Created {
		t.Fatalf("rebuild deleted=%d created=%d, want both %d", res.Deleted, res.Created, first.Created)
	}
	it, err := env.Engine.Repo.GetItem(env.Ctx, "acme", target.Env, target.Date)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Status != domain.StatusToDo {
		t.Fatalf("rebuild should reset status, got %q", it.Status)
	}
	if len(it.StatusHistory) != 1 {
		t.Fatalf("rebuild should reset history, got %d entries", len(it.StatusHistory))
	}
}

func TestRenewMonthCoercion(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.SaveSchedule(env.Ctx, engine.SaveScheduleOptions{
		SiteID: "odd", Name: "Odd", RenewMonth: 27, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	// Now is January 2026; out-of-range renew month falls back to January.
	if res.Site.RenewMonth != 1 {
		t.Fatalf("coerced renew month = %d, want 1", res.Site.RenewMonth)
	}
}

func TestSetStatusHistoryAppends(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]

	steps := []string{domain.StatusInProgress, domain.StatusChasedViaEmail, domain.StatusInProgress}
	for _, status := range steps {
		if _, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
			SiteID: "acme", Env: target.Env, Date: target.Date, Status: status, ActorID: "tester",
		}); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}
	it, _ := env.Engine.Repo.GetItem(env.Ctx, "acme", target.Env, target.Date)
	if len(it.StatusHistory) != 1+len(steps) {
		t.Fatalf("history entries = %d, want %d", len(it.StatusHistory), 1+len(steps))
	}
	last := it.StatusHistory[len(it.StatusHistory)-1]
	if last.To != domain.StatusInProgress || last.From == nil || *last.From != domain.StatusChasedViaEmail {
		t.Fatalf("unexpected last entry %+v", last)
	}
}

func TestSetStatusUnknownItem(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	_, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: "production", Date: "1999-01-01", Status: domain.StatusCompleted,
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	_, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: "production", Date: "2026-04-01", Status: "Done-ish",
	})
	if !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
}

func TestSetStatusPrevStatusHint(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]

	it, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID:     "acme",
		Env:        target.Env,
		Date:       target.Date,
		Status:     domain.StatusInProgress,
		PrevStatus: domain.StatusChasedViaEmail,
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	last := it.StatusHistory[len(it.StatusHistory)-1]
	if last.From == nil || *last.From != domain.StatusChasedViaEmail {
		t.Fatalf("history should record the hinted previous status, got %+v", last)
	}
	if last.To != domain.StatusInProgress {
		t.Fatalf("history to %q", last.To)
	}

	_, err = env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusToDo, PrevStatus: "Nope",
	})
	if !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status for bad hint, got %v", err)
	}
}

func TestCompletionFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]

	it, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "ops@acme.example",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if it.CompletedAt == nil || it.CompletedBy == nil || *it.CompletedBy != "ops@acme.example" {
		t.Fatalf("completion fields not stamped: %+v", it)
	}
	if got := env.Mailer.messages(); len(got) != 1 {
		t.Fatalf("expected one completion mail, got %d", len(got))
	} else if got[0].To != "ops@acme.example" {
		t.Fatalf("mail to %q", got[0].To)
	}

	// completed-to-completed must not resend
	if _, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "tester",
	}); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if got := env.Mailer.messages(); len(got) != 1 {
		t.Fatalf("re-completion resent mail, got %d", len(got))
	}

	// leaving and re-entering Completed fires again
	env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusInProgress, ActorID: "tester",
	})
	env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "tester",
	})
	if got := env.Mailer.messages(); len(got) != 2 {
		t.Fatalf("expected second completion mail, got %d", len(got))
	}
}

func TestCompletionMailFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	env.Mailer.err = errors.New("postmark down")
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]

	it, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("transition failed with mailer down: %v", err)
	}
	if it.Status != domain.StatusCompleted {
		t.Fatalf("status = %q", it.Status)
	}
}

func TestCompletionMailIncludesChangelog(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	target := items[0]

	payload := `{"changes":{"updated":[{"name":"left-pad","old":"1.0.0","new":"1.3.0"}]}}`
	runAt, _ := time.Parse("2006-01-02", target.Date)
	if _, err := env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID:      "acme",
		Env:         target.Env,
		RunAt:       runAt.AddDate(0, 0, -3).Format(time.RFC3339),
		PayloadJSON: payload,
		ActorID:     "ci",
	}); err != nil {
		t.Fatalf("record changelog: %v", err)
	}

	env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: target.Env, Date: target.Date, Status: domain.StatusCompleted, ActorID: "tester",
	})
	msgs := env.Mailer.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one mail, got %d", len(msgs))
	}
	if want := "updated left-pad 1.0.0 -> 1.3.0"; !strings.Contains(msgs[0].Text, want) {
		t.Fatalf("mail missing %q:\n%s", want, msgs[0].Text)
	}
	// the most recent run's diff also appears as its own section
	if !strings.Contains(msgs[0].Text, "Latest build run (") {
		t.Fatalf("mail missing latest-run section:\n%s", msgs[0].Text)
	}
}

func TestRebuildAllRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	for _, phrase := range []string{"", "rebuild all sites", "REBUILD ALL SITES "} {
		if _, err := env.Engine.RebuildAll(env.Ctx, engine.RebuildAllOptions{ConfirmText: phrase, ActorID: "tester"}); !errors.Is(err, engine.ErrConfirmationRequired) {
			t.Fatalf("phrase %q: expected confirmation error, got %v", phrase, err)
		}
	}
}

func TestRebuildAll(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	if _, err := env.Engine.SaveSchedule(env.Ctx, engine.SaveScheduleOptions{
		SiteID: "beta", Name: "Beta Site", RenewMonth: 1, ActorID: "tester",
	}); err != nil {
		t.Fatalf("save beta: %v", err)
	}

	res, err := env.Engine.RebuildAll(env.Ctx, engine.RebuildAllOptions{ConfirmText: engine.RebuildAllConfirmation, ActorID: "tester"})
	if err != nil {
		t.Fatalf("rebuild all: %v", err)
	}
	if len(res.Sites) != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.TotalCreated == 0 || res.TotalDeleted != res.TotalCreated {
		t.Fatalf("expected full replacement, deleted=%d created=%d", res.TotalDeleted, res.TotalCreated)
	}
	for _, sr := range res.Sites {
		if !sr.Success {
			t.Fatalf("site %s failed: %s", sr.SiteID, sr.Error)
		}
	}
}

func TestRecordChangelogUpsert(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	runAt := "2026-01-10T03:00:00Z"
	first := `{"changes":{"added":[{"name":"a","new":"1.0.0"}]}}`
	second := `{"changes":{"added":[{"name":"b","new":"2.0.0"}]}}`
	if _, err := env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID: "acme", Env: "production", RunAt: runAt, PayloadJSON: first, ActorID: "ci",
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID: "acme", Env: "production", RunAt: runAt, PayloadJSON: second, ActorID: "ci",
	}); err != nil {
		t.Fatalf("second: %v", err)
	}
	latest, err := env.Engine.Repo.LatestChangelog(env.Ctx, "acme", "production")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Payload != second {
		t.Fatalf("repost did not replace payload: %s", latest.Payload)
	}
}

func TestRecordChangelogValidation(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	if _, err := env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID: "acme", RunAt: "2026-01-10T03:00:00Z", PayloadJSON: "not json",
	}); err == nil {
		t.Fatal("expected payload validation error")
	}
	if _, err := env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID: "ghost", RunAt: "2026-01-10T03:00:00Z", PayloadJSON: "{}",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unknown site, got %v", err)
	}
}

func TestDeleteSiteCascades(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	env.Engine.RecordChangelog(env.Ctx, engine.RecordChangelogOptions{
		SiteID: "acme", Env: "production", RunAt: "2026-01-10T03:00:00Z", PayloadJSON: "{}", ActorID: "ci",
	})

	res, err := env.Engine.DeleteSite(env.Ctx, "acme", "tester")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.ItemsDeleted == 0 || res.ChangelogsDeleted != 1 {
		t.Fatalf("unexpected delete result %+v", res)
	}
	if _, err := env.Engine.Repo.GetSite(env.Ctx, "acme"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("site still present: %v", err)
	}
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})
	if len(items) != 0 {
		t.Fatalf("%d items left behind", len(items))
	}
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})

	// complete the first past item so counts split
	var past string
	for _, it := range items {
		if it.Date < "2026-01-15" {
			past = it.Date
			break
		}
	}
	if past != "" {
		env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
			SiteID: "acme", Env: "production", Date: past, Status: domain.StatusCompleted, ActorID: "tester",
		})
	}

	rows, err := env.Engine.Overview(env.Ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	row := rows[0]
	if row.Site.ID != "acme" {
		t.Fatalf("row for %q", row.Site.ID)
	}
	if row.Next == nil || row.Next.Date < "2026-01-15" {
		t.Fatalf("next not upcoming: %+v", row.Next)
	}
	if row.Completed+row.Open != len(items) {
		t.Fatalf("counts do not add up: %+v over %d items", row, len(items))
	}
}

func TestOverviewNextKeepsCompletedItem(t *testing.T) {
	env := newTestEnv(t)
	saveAcme(t, env)
	items, _ := env.Engine.Repo.ListMaintenance(env.Ctx, repo.MaintenanceFilters{SiteID: "acme"})

	var upcoming string
	for _, it := range items {
		if it.Date >= "2026-01-15" {
			upcoming = it.Date
			break
		}
	}
	if upcoming == "" {
		t.Fatal("no upcoming item materialized")
	}
	if _, err := env.Engine.SetStatus(env.Ctx, engine.SetStatusOptions{
		SiteID: "acme", Env: "production", Date: upcoming, Status: domain.StatusCompleted, ActorID: "tester",
	}); err != nil {
		t.Fatalf("set status: %v", err)
	}

	rows, err := env.Engine.Overview(env.Ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	// the earliest dated-today-or-later item stays Next even once completed
	if rows[0].Next == nil || rows[0].Next.Date != upcoming {
		t.Fatalf("next should be %s, got %+v", upcoming, rows[0].Next)
	}
	if rows[0].Next.Status != domain.StatusCompleted {
		t.Fatalf("next status %q", rows[0].Next.Status)
	}
}

