package templates

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"dvf-dashboard/internal/models"
)

const datastarScript = "https://cdn.jsdelivr.net/gh/starfederation/datastar@1.0.0/bundles/datastar.js"

// Dashboard renders the single page. opts fills the filter controls; nil
// renders the page without choices while the dataset is still loading.
func Dashboard(opts *models.FilterOptions) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(head)
		b.WriteString(`<body>`)
		b.WriteString(`<div class="container" data-signals="`)
		b.WriteString(templ.EscapeString(signals(opts)))
		b.WriteString(`"`+query+` data-init="@get('/sse/refresh-all' + $query)">`)
		b.WriteString(`<header><h1>Paris property prices</h1><p>DVF sales, P1 2020–2021 against P2 2022–2024</p></header>`)
		writeFilters(&b, opts)
		b.WriteString(panels)
		b.WriteString(chartScript)
		b.WriteString(`</div></body></html>`)

		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := io.WriteString(w, b.String())
		return err
	})
}

// signals seeds the client state; $query is recomputed from the filter
// signals and appended to every SSE request.
func signals(opts *models.FilterOptions) string {
	from, to := 2020, 2024
	smin, smax := 0.0, 0.0
	if opts != nil {
		from, to = opts.YearMin, opts.YearMax
		smin, smax = opts.SurfaceMin, opts.SurfaceMax
	}
	return fmt.Sprintf(
		`{yearFrom: %d, yearTo: %d, ward: '', ptype: '', surfaceMin: %g, surfaceMax: %g, trajectoryData: [], quartersData: [], bandsData: [], mixData: {}}`,
		from, to, smin, smax)
}

func writeFilters(b *strings.Builder, opts *models.FilterOptions) {
	b.WriteString(`<form class="filters" data-on-submit__prevent="@get('/sse/refresh-all' + $query)">`)
	b.WriteString(`<label>From <input type="number" min="2020" max="2024" data-bind-year-from></label>`)
	b.WriteString(`<label>To <input type="number" min="2020" max="2024" data-bind-year-to></label>`)

	b.WriteString(`<label>Ward <select data-bind-ward><option value="">All</option>`)
	if opts != nil {
		for _, w := range opts.Wards {
			fmt.Fprintf(b, `<option value="%s">%s</option>`, templ.EscapeString(w), templ.EscapeString(w))
		}
	}
	b.WriteString(`</select></label>`)

	b.WriteString(`<label>Type <select data-bind-ptype><option value="">All</option>`)
	if opts != nil {
		for _, t := range opts.PropertyTypes {
			fmt.Fprintf(b, `<option value="%s">%s</option>`, templ.EscapeString(t), templ.EscapeString(t))
		}
	}
	b.WriteString(`</select></label>`)

	b.WriteString(`<label>Surface m² <input type="number" min="0" data-bind-surface-min> – <input type="number" min="0" data-bind-surface-max></label>`)
	b.WriteString(`<button type="submit">Apply</button>`)
	b.WriteString(`<button type="button" data-on-click="@get('/sse/refresh-all')">Reset</button>`)
	b.WriteString(`</form>`)
}

const query = ` data-computed-query="'?year_from=' + $yearFrom + '&year_to=' + $yearTo + '&ward=' + $ward + '&type=' + $ptype + '&surface_min=' + $surfaceMin + '&surface_max=' + $surfaceMax"`

const head = `<!DOCTYPE html>
<html lang="fr">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>DVF Paris dashboard</title>
<script type="module" src="` + datastarScript + `"></script>
<style>
body{font-family:system-ui,sans-serif;margin:0;background:#f6f7f9;color:#1d2330}
.container{max-width:1200px;margin:0 auto;padding:1.5rem}
.filters{display:flex;flex-wrap:wrap;gap:.75rem;align-items:end;margin-bottom:1.5rem}
.kpi-grid{display:grid;grid-template-columns:repeat(auto-fit,minmax(180px,1fr));gap:1rem}
.kpi{background:#fff;border-radius:8px;padding:1rem;display:flex;flex-direction:column}
.kpi-label{font-size:.8rem;color:#667}
.panel{background:#fff;border-radius:8px;padding:1rem;margin-top:1.5rem}
.panel-error{color:#a12;padding:1rem}
.modern-table{width:100%;border-collapse:collapse}
.modern-table td,.modern-table th{padding:.4rem;border-bottom:1px solid #eee;text-align:right}
.bar{height:14px;background:#3b6fd8;margin:2px 0}
.bar.p2{background:#e07a2f}
</style>
</head>
`

const panels = `
<section class="panel"><h2>Overview</h2><div id="overview-content">Loading…</div></section>
<section class="panel"><h2>Wards, P1 → P2</h2><div id="wards-content">Loading…</div></section>
<section class="panel"><h2>Yearly trajectory</h2>
<div id="trajectory-content">Loading…</div>
<div id="trajectory-chart" data-effect="renderSeries('trajectory-chart', $trajectoryData, 'year')"></div>
<div id="quarters-chart" data-effect="renderSeries('quarters-chart', $quartersData, 'quarter')"></div>
</section>
<section class="panel"><h2>Price bands</h2>
<div id="bands-content">Loading…</div>
<div id="bands-chart" data-effect="renderBands('bands-chart', $bandsData)"></div>
</section>
`

const chartScript = `<script>
function renderSeries(id, rows, key) {
  const el = document.getElementById(id);
  if (!el || !rows) return;
  const max = Math.max(1, ...rows.map(r => r.median_price_per_sqm));
  el.innerHTML = rows.map(r =>
    '<div>' + r[key] + ' (' + r.volume + ')<div class="bar" style="width:' +
    (100 * r.median_price_per_sqm / max) + '%"></div></div>').join('');
}
function renderBands(id, rows) {
  const el = document.getElementById(id);
  if (!el || !rows) return;
  const max = Math.max(1, ...rows.map(r => Math.max(r.p1, r.p2)));
  el.innerHTML = rows.map(r =>
    '<div>' + r.band + '<div class="bar" style="width:' + (100 * r.p1 / max) + '%"></div>' +
    '<div class="bar p2" style="width:' + (100 * r.p2 / max) + '%"></div></div>').join('');
}
</script>`
