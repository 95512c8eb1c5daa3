package httpapi

import (
	"html/template"
	"net/http"
	"time"

	"github.com/Imhermes1/familyhub/internal/pulse"
)

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"ago": func(now, ts time.Time) string {
		d := now.Sub(ts).Round(time.Minute)
		switch {
		case d < time.Minute:
			return "just now"
		case d < time.Hour:
			return d.String() + " ago"
		default:
			return ts.Local().Format("Mon 15:04")
		}
	},
}).Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <meta http-equiv="refresh" content="30" />
  <title>{{.Group}} · Pulse</title>
  <style>
    :root { --ink: #102223; --paper: #f8f4ea; --card: #fffdf9; --line: #d7cbb3; --accent: #1f9d88; --muted: #6f7d7d; }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    .shell { max-width: 720px; margin: 0 auto; display: grid; gap: 10px; }
    h1 { margin: 0 0 4px; font-size: 1.5rem; }
    .stats { color: var(--muted); font-size: 0.9rem; }
    .item { background: var(--card); border: 1px solid var(--line); border-radius: 14px; padding: 12px 14px; display: flex; gap: 12px; }
    .item.pending { border-style: dashed; }
    .who { font-weight: 600; }
    .when { color: var(--muted); font-size: 0.8rem; margin-left: auto; white-space: nowrap; }
    .kind { color: var(--accent); font-size: 0.75rem; text-transform: uppercase; letter-spacing: 0.05em; }
  </style>
</head>
<body>
  <div class="shell">
    <div>
      <h1>{{.Group}}</h1>
      <div class="stats">{{.Stats.Total}} items · {{.Stats.Today}} today{{if .Stats.MostActiveName}} · most active: {{.Stats.MostActiveName}}{{end}}</div>
    </div>
    {{range .Items}}
    <div class="item{{if .Pending}} pending{{end}}">
      <div>{{.AuthorEmoji}}</div>
      <div>
        <div class="kind">{{.Kind}}</div>
        <div><span class="who">{{.AuthorName}}</span> {{.Summary}}</div>
      </div>
      <div class="when">{{ago $.Now .Timestamp}}</div>
    </div>
    {{else}}
    <div class="item">Nothing here yet.</div>
    {{end}}
  </div>
</body>
</html>`))

type dashboardView struct {
	Group string
	Now   time.Time
	Items []pulse.FeedItem
	Stats pulse.FeedStats
}

// handleDashboard renders the active group's feed as a read-only page. It is
// served without a token and is meant for the loopback listener only.
func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	group, ok := s.client.Session.Group()
	if !ok {
		writeError(w, http.StatusUnauthorized, "not_authenticated", "no active group", "")
		return
	}
	items := pulse.Apply(s.aggregate(), pulse.FeedFilter{GroupID: group.ID})
	now := s.cfg.Now()
	view := dashboardView{
		Group: group.Name,
		Now:   now,
		Items: items,
		Stats: pulse.ComputeStats(items, now, s.client.Directory),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, view); err != nil {
		s.cfg.Logger.Warn("render dashboard", "err", err)
	}
}
