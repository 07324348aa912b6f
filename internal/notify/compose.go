package notify

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"sitewarden/internal/domain"
)

// FlattenChanges turns a changelog payload's changes section into flat rows,
// updated first, then added, then removed.
func FlattenChanges(payloadJSON string) ([]domain.PackageRow, error) {
	var payload struct {
		Changes domain.PackageChanges `json:"changes"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return nil, fmt.Errorf("parse changelog payload: %w", err)
	}
	var rows []domain.PackageRow
	for _, p := range payload.Changes.Updated {
		rows = append(rows, domain.PackageRow{Type: "updated", Name: p.Name, Old: p.Old, New: p.New})
	}
	for _, p := range payload.Changes.Added {
		rows = append(rows, domain.PackageRow{Type: "added", Name: p.Name, New: p.New})
	}
	for _, p := range payload.Changes.Removed {
		rows = append(rows, domain.PackageRow{Type: "removed", Name: p.Name, Old: p.Old})
	}
	return rows, nil
}

// CompletionInput carries everything the completion email shows. Rows hold
// the package changes recorded around the item's date; Latest is the most
// recent build run's own diff, shown as its own section.
type CompletionInput struct {
	Site        domain.Site
	Item        domain.MaintenanceItem
	Rows        []domain.PackageRow
	Latest      []domain.PackageRow
	LatestRunAt string
	History     []domain.StatusEntry
}

// ComposeCompletion builds the email sent when an item reaches Completed.
func ComposeCompletion(in CompletionInput) Message {
	subject := fmt.Sprintf("Maintenance completed: %s (%s) on %s", in.Site.Name, in.Item.Env, in.Item.Date)

	var text strings.Builder
	fmt.Fprintf(&text, "Maintenance for %s (%s) scheduled %s is complete.\n", in.Site.Name, in.Item.Env, in.Item.Date)
	if by := in.Item.CompletedBy; by != nil && *by != "" {
		fmt.Fprintf(&text, "Completed by %s.\n", *by)
	}
	text.WriteString("\n")
	if in.Site.WebsiteURL != "" {
		fmt.Fprintf(&text, "Website: %s\n", in.Site.WebsiteURL)
	}
	if in.Site.GitURL != "" {
		fmt.Fprintf(&text, "Repository: %s\n", in.Site.GitURL)
	}
	if len(in.Rows) > 0 {
		text.WriteString("\nPackage changes:\n")
		for _, row := range in.Rows {
			text.WriteString("  " + packageLine(row) + "\n")
		}
	} else {
		text.WriteString("\nNo package changes recorded for this window.\n")
	}
	if len(in.Latest) > 0 {
		fmt.Fprintf(&text, "\nLatest build run (%s):\n", in.LatestRunAt)
		for _, row := range in.Latest {
			text.WriteString("  " + packageLine(row) + "\n")
		}
	}
	if len(in.History) > 0 {
		text.WriteString("\nStatus history:\n")
		for _, e := range in.History {
			text.WriteString("  " + historyLine(e) + "\n")
		}
	}

	var htmlBody strings.Builder
	fmt.Fprintf(&htmlBody, "<p>Maintenance for <strong>%s</strong> (%s) scheduled %s is complete.</p>",
		html.EscapeString(in.Site.Name), html.EscapeString(in.Item.Env), in.Item.Date)
	if in.Site.WebsiteURL != "" || in.Site.GitURL != "" {
		htmlBody.WriteString("<p>")
		if in.Site.WebsiteURL != "" {
			fmt.Fprintf(&htmlBody, `<a href="%s">Website</a> `, html.EscapeString(in.Site.WebsiteURL))
		}
		if in.Site.GitURL != "" {
			fmt.Fprintf(&htmlBody, `<a href="%s">Repository</a>`, html.EscapeString(in.Site.GitURL))
		}
		htmlBody.WriteString("</p>")
	}
	if len(in.Rows) > 0 {
		htmlBody.WriteString("<table><tr><th>Change</th><th>Package</th><th>From</th><th>To</th></tr>")
		for _, row := range in.Rows {
			fmt.Fprintf(&htmlBody, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
				row.Type, html.EscapeString(row.Name), html.EscapeString(row.Old), html.EscapeString(row.New))
		}
		htmlBody.WriteString("</table>")
	} else {
		htmlBody.WriteString("<p>No package changes recorded for this window.</p>")
	}
	if len(in.Latest) > 0 {
		fmt.Fprintf(&htmlBody, "<p>Latest build run (%s):</p><ul>", html.EscapeString(in.LatestRunAt))
		for _, row := range in.Latest {
			fmt.Fprintf(&htmlBody, "<li>%s</li>", html.EscapeString(packageLine(row)))
		}
		htmlBody.WriteString("</ul>")
	}
	if len(in.History) > 0 {
		htmlBody.WriteString("<p>Status history:</p><ul>")
		for _, e := range in.History {
			fmt.Fprintf(&htmlBody, "<li>%s</li>", html.EscapeString(historyLine(e)))
		}
		htmlBody.WriteString("</ul>")
	}

	return Message{Subject: subject, Text: text.String(), HTML: htmlBody.String()}
}

// ComposeStatusChange builds the short notification sent on any workflow
// transition when status-change mail is enabled.
func ComposeStatusChange(site domain.Site, item domain.MaintenanceItem, from string) Message {
	subject := fmt.Sprintf("%s (%s) %s: %s", site.Name, item.Env, item.Date, item.Status)
	text := fmt.Sprintf("Maintenance item %s for %s (%s) moved from %q to %q.\n", item.Date, site.Name, item.Env, from, item.Status)
	return Message{Subject: subject, Text: text}
}

func packageLine(row domain.PackageRow) string {
	switch row.Type {
	case "updated":
		return fmt.Sprintf("updated %s %s -> %s", row.Name, row.Old, row.New)
	case "added":
		return fmt.Sprintf("added %s %s", row.Name, row.New)
	case "removed":
		return fmt.Sprintf("removed %s %s", row.Name, row.Old)
	}
	return fmt.Sprintf("%s %s", row.Type, row.Name)
}

func historyLine(e domain.StatusEntry) string {
	from := "(none)"
	if e.From != nil && *e.From != "" {
		from = *e.From
	}
	by := ""
	if e.By != nil && *e.By != "" {
		by = " by " + *e.By
	}
	return fmt.Sprintf("%s  %s -> %s%s", e.At, from, e.To, by)
}
