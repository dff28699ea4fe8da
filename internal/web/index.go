package web

// Equity dashboard: chart of snapshot equity plus the latest positions.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>martibooks</title>
  <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
  <style>
    :root { --bg:#ffffff; --ink:#111111; --ink-mid:#4d4d4d; --panel:#f6f6f6; }
    * { box-sizing:border-box; }
    body { margin:0; padding:2rem; background:var(--bg); color:var(--ink); font-family:'Space Mono','JetBrains Mono',monospace; }
    #app { width:min(1200px, 96vw); margin:0 auto; background:var(--panel); border:3px solid var(--ink); padding:2rem; box-shadow:12px 12px 0 rgba(0,0,0,.15); }
    header { display:flex; justify-content:space-between; align-items:flex-start; gap:1rem; }
    .eyebrow { font-size:.6rem; text-transform:uppercase; letter-spacing:.2em; margin:0; }
    .status { font-size:.65rem; text-transform:uppercase; border:2px solid var(--ink); padding:.4rem .9rem; background:#fff; }
    .stats { display:grid; grid-template-columns:repeat(auto-fit, minmax(180px, 1fr)); gap:1rem; margin:1.5rem 0; }
    .stat { border:3px solid var(--ink); padding:1rem; background:#fff; }
    .stat .label { font-size:.6rem; text-transform:uppercase; letter-spacing:.2em; color:var(--ink-mid); }
    .stat .value { margin-top:.6rem; font-size:1.3rem; font-weight:700; }
    .drift { color:#d7263d; }
    table { width:100%; border-collapse:collapse; margin-top:1.5rem; font-size:.75rem; background:#fff; }
    th, td { border:1px solid var(--ink); padding:.4rem .6rem; text-align:right; }
    th:first-child, td:first-child { text-align:left; }
    canvas { width:100%; border:2px solid var(--ink); background:#fff; }
  </style>
</head>
<body>
  <div id="app">
    <header>
      <p class="eyebrow">martibooks portfolio</p>
      <div id="sse-status" class="status">Connecting…</div>
    </header>
    <section class="stats">
      <div class="stat"><div class="label">Equity</div><div id="equity" class="value">–</div></div>
      <div class="stat"><div class="label">Realized PnL</div><div id="realized" class="value">–</div></div>
      <div class="stat"><div class="label">Unrealized PnL</div><div id="unrealized" class="value">–</div></div>
      <div class="stat"><div class="label">Net deposits</div><div id="flows" class="value">–</div></div>
    </section>
    <canvas id="equityChart" height="280"></canvas>
    <table>
      <thead><tr><th>Asset</th><th>Amount</th><th>Value</th><th>Source</th></tr></thead>
      <tbody id="assets"></tbody>
    </table>
  </div>
<script>
const statusEl = document.getElementById('sse-status');
const chart = new Chart(document.getElementById('equityChart').getContext('2d'), {
  type: 'line',
  data: { labels: [], datasets: [{ label: 'equity', data: [], borderColor:'#111111', borderWidth:2, pointRadius:0, tension:0.15 }] },
  options: { animation:false, responsive:true, plugins:{ decimation:{ enabled:true, algorithm:'lttb', samples:500 } } }
});

const fmt = (v, ccy) => (v === undefined || v === null) ? '–' : parseFloat(v).toFixed(2) + (ccy ? ' ' + ccy : '');

function render(s){
  const ccy = s.base_currency || '';
  document.getElementById('equity').textContent = fmt(s.equity_base, ccy);
  document.getElementById('equity').classList.toggle('drift', !!s.drift_detected);
  document.getElementById('realized').textContent = fmt(s.realized_pnl_base_total, ccy);
  document.getElementById('unrealized').textContent = fmt(s.unrealized_pnl_base_total, ccy);
  document.getElementById('flows').textContent = fmt(s.net_cash_flow_base, ccy);

  const rows = (s.asset_valuations || []).map((a) =>
    '<tr><td>' + a.asset + (a.unvalued ? ' (unvalued)' : '') + '</td><td>' + a.amount +
    '</td><td>' + fmt(a.value_base) + '</td><td>' + (a.source_pair || '') + '</td></tr>');
  document.getElementById('assets').innerHTML = rows.join('');

  const ts = new Date(s.ts);
  chart.data.labels.push(Number.isNaN(ts.getTime()) ? '' : ts.toLocaleString([], { hour12:false }));
  chart.data.datasets[0].data.push(parseFloat(s.equity_base));
  chart.update('none');
}

fetch('/api/snapshots?limit=500').then((r) => r.json()).then((list) => (list || []).forEach(render)).catch(() => {});

function connectSSE(){
  const source = new EventSource('/snapshots/stream');
  statusEl.textContent = 'Status: receiving data';
  source.addEventListener('snapshot', (event) => {
    try{ render(JSON.parse(event.data)); }catch(err){ console.error('payload parse', err); }
  });
  source.addEventListener('error', () => {
    statusEl.textContent = 'Reconnecting…';
    source.close();
    setTimeout(connectSSE, 2000);
  });
}

connectSSE();
</script>
</body>
</html>`
