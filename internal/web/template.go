package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/led-fixture/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"pairClass": func(red, green []bool, i int) string {
		if i < len(red) && red[i] {
			return "red"
		}
		if i < len(green) && green[i] {
			return "green"
		}
		return "off"
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>LED Fixture</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.connected { color: green; }
.disconnected { color: red; }
.grid { display: grid; grid-template-columns: repeat(12, 1fr); gap: 4px; margin: 1em 0; }
.pair { aspect-ratio: 1; border-radius: 50%; border: 1px solid #bbb; font-size: 0.6em; display: flex; align-items: center; justify-content: center; }
.pair.red { background: #e33; color: white; }
.pair.green { background: #2a2; color: white; }
.pair.off { background: #f4f4f4; color: #999; }
</style>
</head>
<body>
<h1>LED Fixture</h1>

<h2>Pairs</h2>
<div class="grid">
{{range $i, $_ := .LedsRed}}<div class="pair {{pairClass $.LedsRed $.LedsGreen $i}}">{{$i}}</div>
{{end}}</div>

<h2>Sequence</h2>
<table>
<tr><th>State</th><td>{{.SequenceState}}</td></tr>
<tr><th>Progress</th><td>{{.Progress}}%</td></tr>
<tr><th>Current pair</th><td>{{if lt .CurrentPair 0}}none{{else}}{{.CurrentPair}} ({{.CurrentColor}}){{end}}</td></tr>
</table>

<h2>Link</h2>
<table>
<tr><th>Peer</th><td class="{{if .Connected}}connected{{else}}disconnected{{end}}">{{if .Connected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Active</th><td>{{if .ConnectionActive}}yes{{else}}no{{end}}</td></tr>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
</table>

<h2>Protocol</h2>
<table>
<tr><th>Sent / Received</th><td>{{.Stats.TotalSent}} / {{.Stats.TotalReceived}}</td></tr>
<tr><th>Acked / Nacked</th><td>{{.Stats.TotalAcked}} / {{.Stats.TotalNacked}}</td></tr>
<tr><th>Retries / Timeouts</th><td>{{.Stats.TotalRetries}} / {{.Stats.TotalTimeouts}}</td></tr>
<tr><th>Avg response</th><td>{{printf "%.1f" .Stats.AverageResponseMs}}ms</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{.Config.HeartbeatMs}}ms</td></tr>
{{if .Config.Device}}<tr><th>Device</th><td>{{.Config.Device}}</td></tr>{{end}}
{{if .Config.WSAddr}}<tr><th>WS</th><td>{{.Config.WSAddr}}</td></tr>{{end}}
{{if .Config.Broker}}<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but the template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	indexTmpl.Execute(w, data)
}
