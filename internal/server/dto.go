package server

import (
	"sitewarden/internal/cadence"
	"sitewarden/internal/domain"
	"sitewarden/internal/engine"
)

// Request payloads

type ContactRequest struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty" format:"email"`
	Phone string `json:"phone,omitempty"`
}

type SaveSiteRequest struct {
	ID         string          `json:"id" minLength:"1"`
	Name       string          `json:"name,omitempty"`
	Env        string          `json:"env,omitempty" enum:"production,staging,dev,test"`
	RenewMonth int             `json:"renew_month"`
	WebsiteURL string          `json:"website_url,omitempty"`
	GitURL     string          `json:"git_url,omitempty"`
	GroupEmail string          `json:"group_email,omitempty"`
	Contact    *ContactRequest `json:"primary_contact,omitempty"`
	// Rebuild discards existing items and their history before
	// materializing.
	Rebuild        bool `json:"rebuild,omitempty"`
	BackfillMonths *int `json:"backfill_months,omitempty" minimum:"0" maximum:"60"`
	ForwardMonths  *int `json:"forward_months,omitempty" minimum:"0" maximum:"60"`
}

type SetStatusRequest struct {
	Env    string `json:"env,omitempty"`
	Status string `json:"status" enum:"To-Do,In Progress,Awaiting Form Conf,Chased Via Email,Chased Via Phone,Completed"`
	// From optionally overrides the previous status recorded in history.
	From string `json:"from,omitempty"`
}

type RebuildAllRequest struct {
	Confirm        string `json:"confirm"`
	BackfillMonths *int   `json:"backfill_months,omitempty" minimum:"0" maximum:"60"`
	ForwardMonths  *int   `json:"forward_months,omitempty" minimum:"0" maximum:"60"`
}

type IngestChangelogRequest struct {
	SiteID  string         `json:"site_id" minLength:"1"`
	Env     string         `json:"env,omitempty"`
	RunAt   string         `json:"run_at" format:"date-time"`
	Changes map[string]any `json:"changes,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// Response payloads

type SaveScheduleResponse struct {
	Site    domain.Site     `json:"site"`
	Window  WindowResponse  `json:"window"`
	Entries []cadence.Entry `json:"entries"`
	Created int             `json:"created"`
	Deleted int             `json:"deleted"`
}

type WindowResponse struct {
	BackfillMonths int `json:"backfill_months"`
	ForwardMonths  int `json:"forward_months"`
}

type SiteScheduleResponse struct {
	Site  domain.Site              `json:"site"`
	Items []domain.MaintenanceItem `json:"items"`
}

func saveScheduleResponse(res engine.SaveResult) SaveScheduleResponse {
	entries := res.Entries
	if entries == nil {
		entries = []cadence.Entry{}
	}
	return SaveScheduleResponse{
		Site:    res.Site,
		Window:  WindowResponse{BackfillMonths: res.Window.BackfillMonths, ForwardMonths: res.Window.ForwardMonths},
		Entries: entries,
		Created: res.Created,
		Deleted: res.Deleted,
	}
}

func contactFromRequest(c *ContactRequest) *domain.Contact {
	if c == nil {
		return nil
	}
	return &domain.Contact{Name: c.Name, Email: c.Email, Phone: c.Phone}
}
