package domain

import "sitewarden/internal/cadence"

const (
	StatusToDo             = "To-Do"
	StatusInProgress       = "In Progress"
	StatusAwaitingFormConf = "Awaiting Form Conf"
	StatusChasedViaEmail   = "Chased Via Email"
	StatusChasedViaPhone   = "Chased Via Phone"
	StatusCompleted        = "Completed"
)

// Statuses lists every workflow status a maintenance item can hold. The
// workflow accepts any-to-any transitions; Completed is terminal only by
// convention.
var Statuses = []string{
	StatusToDo,
	StatusInProgress,
	StatusAwaitingFormConf,
	StatusChasedViaEmail,
	StatusChasedViaPhone,
	StatusCompleted,
}

// ValidStatus reports whether s is one of the six workflow statuses.
func ValidStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

type Contact struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Site struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Env        string   `json:"env" enum:"production,staging,dev,test"`
	RenewMonth int      `json:"renew_month" minimum:"1" maximum:"12"`
	WebsiteURL string   `json:"website_url,omitempty"`
	GitURL     string   `json:"git_url,omitempty"`
	GroupEmail string   `json:"group_email,omitempty"`
	Contact    *Contact `json:"primary_contact,omitempty"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

// MaintenanceItem is one dated unit of scheduled work. The natural key is
// (SiteID, Env, Date); exactly one live item exists per key.
type MaintenanceItem struct {
	ID            string         `json:"id"`
	SiteID        string         `json:"site_id"`
	Env           string         `json:"env"`
	Date          string         `json:"date" format:"date"`
	Kind          string         `json:"kind" enum:"maintenance,report"`
	Labels        cadence.Labels `json:"labels"`
	Status        string         `json:"status" enum:"To-Do,In Progress,Awaiting Form Conf,Chased Via Email,Chased Via Phone,Completed"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy   *string        `json:"completed_by,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	StatusHistory []StatusEntry  `json:"status_history,omitempty"`
}

// StatusEntry is one append-only record of a workflow transition.
type StatusEntry struct {
	At   string  `json:"at" format:"date-time"`
	By   *string `json:"by,omitempty"`
	From *string `json:"from,omitempty"`
	To   string  `json:"to"`
}

// Changelog is a package-change record ingested from a site's build run.
type Changelog struct {
	ID         int64  `json:"id"`
	SiteID     string `json:"site_id"`
	Env        string `json:"env"`
	RunAt      string `json:"run_at" format:"date-time"`
	Payload    string `json:"payload_json"`
	ReceivedAt string `json:"received_at" format:"date-time"`
}

// PackageChanges is the shape of a changelog payload's changes section.
type PackageChanges struct {
	Updated []PackageVersion `json:"updated,omitempty"`
	Added   []PackageVersion `json:"added,omitempty"`
	Removed []PackageVersion `json:"removed,omitempty"`
}

type PackageVersion struct {
	Name string `json:"name"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// PackageRow is one flattened package change used in completion emails.
type PackageRow struct {
	Type string `json:"type" enum:"updated,added,removed"`
	Name string `json:"name"`
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
