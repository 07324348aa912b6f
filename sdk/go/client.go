package sitewardensdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sitewarden HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// IngestSecret signs changelog payloads; only PostChangelog uses it.
	IngestSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Site represents the API site model.
type Site struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Env        string `json:"env"`
	RenewMonth int    `json:"renew_month"`
	WebsiteURL string `json:"website_url,omitempty"`
	GitURL     string `json:"git_url,omitempty"`
	GroupEmail string `json:"group_email,omitempty"`
}

// MaintenanceItem represents one dated unit of scheduled work.
type MaintenanceItem struct {
	ID     string `json:"id"`
	SiteID string `json:"site_id"`
	Env    string `json:"env"`
	Date   string `json:"date"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
}

// SaveResult reports what a save materialized.
type SaveResult struct {
	Site    Site `json:"site"`
	Created int  `json:"created"`
	Deleted int  `json:"deleted"`
}

// OverviewRow summarizes one site's schedule position.
type OverviewRow struct {
	Site      Site             `json:"site"`
	Next      *MaintenanceItem `json:"next,omitempty"`
	Open      int              `json:"open"`
	Overdue   int              `json:"overdue"`
	Completed int              `json:"completed"`
}

// RebuildAllResult aggregates a portfolio rebuild.
type RebuildAllResult struct {
	TotalDeleted int `json:"total_deleted"`
	TotalCreated int `json:"total_created"`
	Failed       int `json:"failed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SaveSiteRequest mirrors the save endpoint's body.
type SaveSiteRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Env        string `json:"env,omitempty"`
	RenewMonth int    `json:"renew_month"`
	WebsiteURL string `json:"website_url,omitempty"`
	GitURL     string `json:"git_url,omitempty"`
	GroupEmail string `json:"group_email,omitempty"`
	Rebuild    bool   `json:"rebuild,omitempty"`
}

// SaveSite upserts a site and materializes its schedule.
func (c *Client) SaveSite(ctx context.Context, req SaveSiteRequest) (SaveResult, error) {
	var resp SaveResult
	err := c.do(ctx, http.MethodPost, "v0/sites", req, &resp)
	return resp, err
}

// DeleteSite removes a site and everything attached to it.
func (c *Client) DeleteSite(ctx context.Context, siteID string) error {
	return c.do(ctx, http.MethodDelete, "v0/sites/"+url.PathEscape(siteID), nil, nil)
}

// SetStatus applies a workflow transition to an item.
func (c *Client) SetStatus(ctx context.Context, siteID, env, date, status string) (MaintenanceItem, error) {
	body := map[string]any{"env": env, "status": status}
	var resp MaintenanceItem
	endpoint := fmt.Sprintf("v0/sites/%s/maintenance/%s/status", url.PathEscape(siteID), url.PathEscape(date))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Overview returns the portfolio projection.
func (c *Client) Overview(ctx context.Context) ([]OverviewRow, error) {
	var resp []OverviewRow
	err := c.do(ctx, http.MethodGet, "v0/overview", nil, &resp)
	return resp, err
}

// RebuildAll regenerates every site's schedule. confirm must be the server's
// exact confirmation phrase.
func (c *Client) RebuildAll(ctx context.Context, confirm string) (RebuildAllResult, error) {
	var resp RebuildAllResult
	err := c.do(ctx, http.MethodPost, "v0/scheduler/rebuild-all", map[string]string{"confirm": confirm}, &resp)
	return resp, err
}

// PostChangelog ships a build run's package changes, signing the payload with
// IngestSecret when set. The bearer token should be the server's ingest key.
func (c *Client) PostChangelog(ctx context.Context, siteID, env, runAt string, changes map[string]any) error {
	body := map[string]any{
		"site_id": siteID,
		"env":     env,
		"run_at":  runAt,
		"changes": changes,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	headers := map[string]string{}
	if c.IngestSecret != "" {
		nonce, err := newNonce()
		if err != nil {
			return err
		}
		mac := hmac.New(sha256.New, []byte(c.IngestSecret))
		mac.Write([]byte(nonce))
		mac.Write([]byte("."))
		mac.Write(data)
		headers["X-Nonce"] = nonce
		headers["X-Signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	}
	return c.doRaw(ctx, http.MethodPost, "v0/changelogs", data, headers, nil)
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, data, nil, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, data []byte, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
