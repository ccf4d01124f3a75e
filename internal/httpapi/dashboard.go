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
  <title>DocWatch Control Surface</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background:
        radial-gradient(1200px 500px at -5% -10%, rgba(232, 138, 61, 0.18), transparent 60%),
        radial-gradient(900px 500px at 110% -10%, rgba(31, 157, 136, 0.2), transparent 65%),
        linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.75rem); letter-spacing: 0.02em; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1.3fr 0.8fr 0.5fr; margin-top: 12px; }
    .controls input {
      width: 100%;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      color: var(--ink);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }
    .controls input:focus { border-color: var(--accent); box-shadow: 0 0 0 3px rgba(31, 157, 136, 0.15); }

    button {
      border: 0;
      border-radius: 10px;
      padding: 10px 12px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
    }
    .btn-primary { background: linear-gradient(125deg, var(--accent), #2ab399); color: #ffffff; }

    .cards { display: grid; gap: 14px; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px 14px;
    }
    .card .label { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; letter-spacing: 0.07em; }
    .card .value { font-size: 1.45rem; font-weight: 700; margin-top: 4px; }
    .card .value.err { color: var(--danger); }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    .panel h2 { margin: 0 0 10px; font-size: 1rem; }

    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }

    .feed { max-height: 300px; overflow-y: auto; font-family: "SFMono-Regular", ui-monospace, monospace; font-size: 0.82rem; }
    .feed div { padding: 3px 0; border-bottom: 1px dashed var(--line); }

    .status { font-size: 0.82rem; color: var(--muted); }
    .status.err { color: var(--danger); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>DocWatch Control Surface</h1>
      <div class="sub">tracked documents, detection metrics, and the live change feed</div>
      <div class="controls">
        <input id="token" type="password" placeholder="api token" />
        <input id="thread" type="text" placeholder="thread id filter (optional)" />
        <button id="refresh" class="btn-primary">Refresh</button>
      </div>
      <div class="status" id="status">idle</div>
    </div>

    <div class="cards" id="cards"></div>

    <div class="panel">
      <h2>Tracked documents</h2>
      <table>
        <thead>
          <tr><th>Document</th><th>Type</th><th>Thread</th><th>Last editor</th><th>Last modified</th><th>Webhook</th></tr>
        </thead>
        <tbody id="tracked"></tbody>
      </table>
    </div>

    <div class="panel">
      <h2>Live change feed</h2>
      <div class="feed" id="feed"></div>
    </div>
  </div>

  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        thread: document.getElementById("thread"),
        refresh: document.getElementById("refresh"),
        status: document.getElementById("status"),
        cards: document.getElementById("cards"),
        tracked: document.getElementById("tracked"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      function setStatus(text, kind) {
        dom.status.textContent = text;
        dom.status.className = kind === "err" ? "status err" : "status";
      }

      function headers() {
        const token = dom.token.value.trim();
        return token ? { Authorization: "Bearer " + token } : {};
      }

      async function fetchJSON(path) {
        const res = await fetch(path, { headers: headers() });
        if (!res.ok) { throw new Error(path + " -> " + res.status); }
        return res.json();
      }

      function card(label, value, err) {
        return '<div class="card"><div class="label">' + label + '</div><div class="value' +
          (err ? ' err' : '') + '">' + value + "</div></div>";
      }

      function renderStatus(st) {
        dom.cards.innerHTML =
          card("Tracked", st.documentsTracked) +
          card("Polls ok", st.pollSuccesses) +
          card("Polls failed", st.pollFailures, st.pollFailures > 0) +
          card("Events", st.eventsPersisted) +
          card("Deduped", st.eventsDeduplicated) +
          card("Webhook", st.webhookEvents) +
          card("Notified", st.notificationsSent) +
          card("Notify fail", st.notificationsFailed, st.notificationsFailed > 0) +
          card("Mode", st.degraded ? "degraded" : "normal", st.degraded);
      }

      function esc(value) {
        const div = document.createElement("div");
        div.textContent = String(value == null ? "" : value);
        return div.innerHTML;
      }

      function renderTracked(list) {
        dom.tracked.innerHTML = (list || []).map(function (doc) {
          return "<tr><td>" + esc(doc.title || doc.documentId) + "</td><td>" + esc(doc.docType) +
            "</td><td>" + esc(doc.notifyTargetId) + "</td><td>" + esc(doc.lastEditorId) +
            "</td><td>" + esc(doc.lastModifiedAt) + "</td><td>" +
            (doc.webhookActive ? "active" : "poll-only") + "</td></tr>";
        }).join("");
      }

      function appendFeed(event) {
        const line = document.createElement("div");
        line.textContent = new Date(event.detectedAt).toLocaleTimeString() + "  " +
          event.source + "  " + event.documentId + "  " + event.changeType + " by " + event.changedBy;
        dom.feed.prepend(line);
        while (dom.feed.childElementCount > 200) {
          dom.feed.removeChild(dom.feed.lastChild);
        }
      }

      function connectFeed() {
        if (socket) { socket.close(); }
        const proto = window.location.protocol === "https:" ? "wss://" : "ws://";
        const token = dom.token.value.trim();
        const url = proto + window.location.host + "/v1/events/stream" +
          (token ? "?token=" + encodeURIComponent(token) : "");
        socket = new WebSocket(url);
        socket.onmessage = function (msg) {
          try { appendFeed(JSON.parse(msg.data)); } catch (err) { /* skip malformed frame */ }
        };
        socket.onclose = function () { socket = null; };
      }

      async function refresh() {
        try {
          const thread = dom.thread.value.trim();
          const st = await fetchJSON("/v1/status");
          renderStatus(st);
          const tracked = await fetchJSON("/v1/tracked" + (thread ? "?threadId=" + encodeURIComponent(thread) : ""));
          renderTracked(tracked.tracked);
          if (!socket) { connectFeed(); }
          setStatus("ok, updated " + new Date().toLocaleTimeString(), "ok");
          window.localStorage.setItem("docwatch_dashboard_token", dom.token.value);
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err), "err");
        }
      }

      dom.refresh.addEventListener("click", refresh);
      dom.token.addEventListener("change", refresh);
      dom.token.value = window.localStorage.getItem("docwatch_dashboard_token") || "";
      setInterval(refresh, 10000);
      if (dom.token.value) { refresh(); } else { setStatus("enter token to start", "ok"); }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
