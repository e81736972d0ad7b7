package eventbus

import (
	"html/template"
	"log/slog"
	"net/http"
)

// dashboardTmpl renders the admin root page. No compiled frontend asset
// ships with this repository (the teacher's dashboard.go embeds a React
// SPA build, which has no equivalent here), so the index route is a
// small server-rendered page instead, built from the same data /status
// and /peers expose.
var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>eventbus: {{.Node}}</title></head>
<body>
<h1>{{.Node}}</h1>
<p>mode: {{if .Clustered}}clustered{{else}}standalone{{end}}</p>
<p>registered addresses: {{.RegisteredAddresses}}</p>
<p>default reply timeout: {{.DefaultReplyTimeout}}</p>

<h2>Peers</h2>
<table border="1" cellpadding="4">
<tr><th>Node</th><th>State</th></tr>
{{range .Peers}}<tr><td>{{.Node}}</td><td>{{.State}}</td></tr>{{end}}
</table>

<p><a href="/status">/status</a> | <a href="/addresses">/addresses</a> | <a href="/peers">/peers</a> | <a href="/debug/vars">/debug/vars</a></p>
</body>
</html>
`))

type dashboardData struct {
	statusResponse
	Peers []peerEntry
}

func (as *AdminServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	b := as.bus
	data := dashboardData{
		statusResponse: statusResponse{
			Node:                b.self.String(),
			Clustered:           b.Clustered(),
			PeerCount:           len(b.pool.Snapshot()),
			RegisteredAddresses: len(b.registry.Addresses()),
			DefaultReplyTimeout: b.DefaultReplyTimeout().String(),
		},
	}
	for node, state := range b.pool.Snapshot() {
		data.Peers = append(data.Peers, peerEntry{Node: node.String(), State: state})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		slog.Error("eventbus: dashboard render error", "error", err)
	}
}
