package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>msggate</title>
  <style>
    :root {
      --ink: #14231f;
      --paper: #f6f7f4;
      --card: #ffffff;
      --line: #d8ded6;
      --accent: #246e59;
      --muted: #6d7a74;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 24px;
    }
    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.88rem; margin-top: 4px; }
    .cards { display: grid; gap: 12px; grid-template-columns: repeat(4, 1fr); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 14px;
    }
    .card .label { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; }
    .card .value { font-size: 1.5rem; margin-top: 6px; font-variant-numeric: tabular-nums; }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 7px 9px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .mono { font-family: "SF Mono", "Consolas", monospace; font-size: 0.82rem; }
    .err { color: #a33; }
    @media (max-width: 720px) { .cards { grid-template-columns: repeat(2, 1fr); } }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>msggate</h1>
      <div class="sub">inbound message gateway &mdash; refreshes every 5s</div>
    </div>
    <div class="cards">
      <div class="card"><div class="label">Messages</div><div class="value" id="total">&ndash;</div></div>
      <div class="card"><div class="label">Senders</div><div class="value" id="senders">&ndash;</div></div>
      <div class="card"><div class="label">First</div><div class="value mono" id="first">&ndash;</div></div>
      <div class="card"><div class="label">Last</div><div class="value mono" id="last">&ndash;</div></div>
    </div>
    <div class="card">
      <div class="label">Top senders</div>
      <table><thead><tr><th>Sender</th><th>Count</th></tr></thead><tbody id="top"></tbody></table>
    </div>
    <div class="card">
      <div class="label">Recent messages</div>
      <table>
        <thead><tr><th>ID</th><th>From</th><th>To</th><th>Timestamp</th><th>Text</th></tr></thead>
        <tbody id="recent"></tbody>
      </table>
      <div class="sub err" id="error"></div>
    </div>
  </div>
  <script>
    const fmt = (ts) => ts ? ts.replace("T", " ").replace(/\.\d+Z$/, "Z") : "-";
    const esc = (v) => String(v).replace(/&/g, "&amp;").replace(/</g, "&lt;");
    async function refresh() {
      const errBox = document.getElementById("error");
      try {
        const stats = await (await fetch("/stats")).json();
        document.getElementById("total").textContent = stats.total_messages;
        document.getElementById("senders").textContent = stats.senders_count;
        document.getElementById("first").textContent = fmt(stats.first_message_ts);
        document.getElementById("last").textContent = fmt(stats.last_message_ts);
        document.getElementById("top").innerHTML = Object.entries(stats.messages_per_sender || {})
          .sort((a, b) => b[1] - a[1] || (a[0] < b[0] ? -1 : 1))
          .map(([sender, count]) => "<tr><td class=mono>" + esc(sender) + "</td><td>" + count + "</td></tr>")
          .join("");
        const page = await (await fetch("/messages?limit=20")).json();
        document.getElementById("recent").innerHTML = (page.data || []).slice().reverse()
          .map((m) => "<tr><td class=mono>" + esc(m.message_id) + "</td><td class=mono>" + esc(m.from) +
            "</td><td class=mono>" + esc(m.to) + "</td><td class=mono>" + fmt(m.ts) +
            "</td><td>" + (m.text === null ? "" : esc(m.text)) + "</td></tr>")
          .join("");
        errBox.textContent = "";
      } catch (err) {
        errBox.textContent = "refresh failed: " + err;
      }
    }
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, dashboardHTML)
}
