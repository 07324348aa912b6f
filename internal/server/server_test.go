package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"sitewarden/internal/config"
	"sitewarden/internal/db"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
	"sitewarden/internal/migrate"
)

const (
	testAPIKey       = "test-key"
	testIngestKey    = "ingest-key"
	testIngestSecret = "ingest-secret"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }
	handler, err := New(Config{
		Engine: e,
		Auth: AuthConfig{
			APIKeys:      map[string]string{testAPIKey: "tester"},
			IngestKey:    testIngestKey,
			IngestSecret: testIngestSecret,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authed() map[string]string {
	return map[string]string{"X-Api-Key": testAPIKey}
}

func saveSite(t *testing.T, ts *testServer, id string, renewMonth int) SaveScheduleResponse {
	t.Helper()
	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sites", SaveSiteRequest{
		ID: id, Name: id, RenewMonth: renewMonth, GroupEmail: "ops@example.com",
	}, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save site: status %d: %s", res.StatusCode, data)
	}
	var out SaveScheduleResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestHealthOpen(t *testing.T) {
	ts := newTestServer(t)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d: %s", res.StatusCode, data)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t)
	res, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sites", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sites", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
}

func TestSaveAndGetSchedule(t *testing.T) {
	ts := newTestServer(t)
	saved := saveSite(t, ts, "acme", 6)
	if saved.Created == 0 || len(saved.Entries) != saved.Created {
		t.Fatalf("unexpected save result %+v", saved)
	}

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sites/acme", nil, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get site: status %d: %s", res.StatusCode, data)
	}
	var out SiteScheduleResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Site.ID != "acme" || len(out.Items) != saved.Created {
		t.Fatalf("unexpected schedule %+v", out)
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sites/ghost", nil, authed())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown site, got %d", res.StatusCode)
	}
}

func TestSetStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)
	saved := saveSite(t, ts, "acme", 6)
	date := saved.Entries[0].ISO

	url := fmt.Sprintf("%s/v0/sites/acme/maintenance/%s/status", ts.URL, date)
	res, data := doJSON(t, ts.Client(), http.MethodPut, url, SetStatusRequest{Status: domain.StatusInProgress}, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d: %s", res.StatusCode, data)
	}
	var it domain.MaintenanceItem
	if err := json.Unmarshal(data, &it); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if it.Status != domain.StatusInProgress {
		t.Fatalf("status %q", it.Status)
	}
	if len(it.StatusHistory) != 2 {
		t.Fatalf("history %d entries", len(it.StatusHistory))
	}

	res, _ = doJSON(t, ts.Client(), http.MethodPut, url, SetStatusRequest{Status: "Bogus"}, authed())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", res.StatusCode)
	}
}

func TestMaintenanceListLimitBounds(t *testing.T) {
	ts := newTestServer(t)
	saveSite(t, ts, "acme", 6)

	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/maintenance?site_id=acme", nil, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d: %s", res.StatusCode, data)
	}
	var items []domain.MaintenanceItem
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("expected items without an explicit limit")
	}

	res, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/maintenance?limit=501", nil, authed())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit over 500, got %d", res.StatusCode)
	}

	res, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/maintenance?site_id=acme&limit=1", nil, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list limit=1: %d: %s", res.StatusCode, data)
	}
	items = nil
	if err := json.Unmarshal(data, &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}
}

func TestRebuildAllEndpoint(t *testing.T) {
	ts := newTestServer(t)
	saveSite(t, ts, "acme", 6)

	res, _ := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/scheduler/rebuild-all", RebuildAllRequest{Confirm: "nope"}, authed())
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without phrase, got %d", res.StatusCode)
	}

	res, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/scheduler/rebuild-all", RebuildAllRequest{Confirm: engine.RebuildAllConfirmation}, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rebuild: %d: %s", res.StatusCode, data)
	}
	var out engine.RebuildAllResult
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Sites) != 1 || out.Failed != 0 || out.TotalCreated == 0 {
		t.Fatalf("unexpected result %+v", out)
	}
}

func signIngest(secret, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestChangelogIngest(t *testing.T) {
	ts := newTestServer(t)
	saveSite(t, ts, "acme", 6)

	body, _ := json.Marshal(IngestChangelogRequest{
		SiteID: "acme",
		RunAt:  "2026-01-10T03:00:00Z",
		Changes: map[string]any{
			"updated": []map[string]string{{"name": "left-pad", "old": "1.0.0", "new": "1.3.0"}},
		},
	})
	nonce := "nonce-1"
	headers := map[string]string{
		"Authorization": "Bearer " + testIngestKey,
		"X-Nonce":       nonce,
		"X-Signature":   signIngest(testIngestSecret, nonce, body),
	}
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/changelogs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingest: %d: %s", res.StatusCode, data)
	}

	// tampered signature must be rejected
	req2, _ := http.NewRequest(http.MethodPost, ts.URL+"/v0/changelogs", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Authorization", "Bearer "+testIngestKey)
	req2.Header.Set("X-Nonce", nonce)
	req2.Header.Set("X-Signature", "bm90LXRoZS1zaWduYXR1cmU=")
	res2, err := ts.Client().Do(req2)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	io.Copy(io.Discard, res2.Body)
	res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", res2.StatusCode)
	}

	res3, data3 := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sites/acme/changelogs/latest", nil, authed())
	if res3.StatusCode != http.StatusOK {
		t.Fatalf("latest: %d: %s", res3.StatusCode, data3)
	}
	var cl domain.Changelog
	if err := json.Unmarshal(data3, &cl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cl.RunAt != "2026-01-10T03:00:00Z" {
		t.Fatalf("unexpected changelog %+v", cl)
	}
}

func TestOverviewEndpoint(t *testing.T) {
	ts := newTestServer(t)
	saveSite(t, ts, "acme", 6)
	res, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/overview", nil, authed())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("overview: %d: %s", res.StatusCode, data)
	}
	var rows []engine.OverviewRow
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].Site.ID != "acme" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].Next == nil {
		t.Fatal("expected a next item")
	}
}
