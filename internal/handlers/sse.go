package handlers

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/starfederation/datastar-go/datastar"

	"dvf-dashboard/internal/models"
	"dvf-dashboard/internal/services"
)

const maxWardRows = 20

var funcs = template.FuncMap{
	"eur": formatEuros,
	"pct": formatChange,
}

var overviewTemplate = template.Must(template.New("overview").Funcs(funcs).Parse(`
<div id="overview-content" class="kpi-grid">
<div class="kpi"><span class="kpi-label">Transactions</span><strong>{{.Volume}}</strong></div>
<div class="kpi"><span class="kpi-label">Median €/m²</span><strong>{{eur .MedianPricePerSqm}}</strong></div>
{{range .Periods}}<div class="kpi"><span class="kpi-label">{{.Period}} median ({{.Volume}} sales)</span><strong>{{eur .MedianPricePerSqm}}</strong></div>
{{end}}<div class="kpi"><span class="kpi-label">P1 → P2</span><strong>{{pct .ChangePct}}</strong></div>
</div>`))

var wardsTemplate = template.Must(template.New("wards").Funcs(funcs).Parse(`
<div id="wards-content">
<table class="modern-table">
<thead><tr><th>Ward</th><th>Median P1</th><th>Median P2</th><th>Change</th><th>Sales P1</th><th>Sales P2</th></tr></thead>
<tbody>
{{range .}}<tr>
<td>{{.Ward}}</td>
<td>{{eur .MedianP1}}</td>
<td>{{eur .MedianP2}}</td>
<td><strong>{{pct .Change}}</strong></td>
<td>{{.VolumeP1}}</td>
<td>{{.VolumeP2}}</td>
</tr>{{end}}
</tbody>
</table>
</div>`))

var errorTemplate = template.Must(template.New("error").Parse(
	`<div id="{{.Target}}" class="panel-error">{{.Message}}</div>`))

// ConnectionTracker counts open SSE streams.
type ConnectionTracker interface {
	SSEOpened()
	SSEClosed()
}

type SSEHandlers struct {
	analytics *services.Analytics
	logger    *slog.Logger
	conns     ConnectionTracker
}

func NewSSEHandlers(analytics *services.Analytics, logger *slog.Logger, conns ConnectionTracker) *SSEHandlers {
	return &SSEHandlers{
		analytics: analytics,
		logger:    logger,
		conns:     conns,
	}
}

func (h *SSEHandlers) open(w http.ResponseWriter, r *http.Request) (*datastar.ServerSentEventGenerator, func()) {
	sse := datastar.NewSSE(w, r)
	if h.conns == nil {
		return sse, func() {}
	}
	h.conns.SSEOpened()
	return sse, h.conns.SSEClosed
}

func (h *SSEHandlers) renderOverview(ov *models.Overview) (string, error) {
	var buf strings.Builder
	err := overviewTemplate.Execute(&buf, ov)
	return buf.String(), err
}

func (h *SSEHandlers) renderWards(ranks []models.WardRank) (string, error) {
	if len(ranks) > maxWardRows {
		ranks = ranks[:maxWardRows]
	}
	var buf strings.Builder
	err := wardsTemplate.Execute(&buf, ranks)
	return buf.String(), err
}

// patchError replaces a panel with the failure message so the page never
// hangs on a spinner.
func (h *SSEHandlers) patchError(sse *datastar.ServerSentEventGenerator, target string, err error) {
	h.logger.Warn("sse query failed", "target", target, "error", err)
	var buf strings.Builder
	if execErr := errorTemplate.Execute(&buf, map[string]string{
		"Target":  target,
		"Message": classify(err).Message,
	}); execErr != nil {
		h.logger.Error("render error fragment", "error", execErr)
		return
	}
	sse.PatchElements(buf.String())
}

func (h *SSEHandlers) patchOverview(sse *datastar.ServerSentEventGenerator, f services.Filter) {
	ov, err := h.analytics.Overview(f)
	if err != nil {
		h.patchError(sse, "overview-content", err)
		return
	}
	html, err := h.renderOverview(ov)
	if err != nil {
		h.logger.Error("render overview", "error", err)
		return
	}
	sse.PatchElements(html)
}

func (h *SSEHandlers) patchWards(sse *datastar.ServerSentEventGenerator, f services.Filter) {
	ranks, err := h.analytics.WardRanking(f)
	if err != nil {
		h.patchError(sse, "wards-content", err)
		return
	}
	html, err := h.renderWards(ranks)
	if err != nil {
		h.logger.Error("render wards table", "error", err)
		return
	}
	sse.PatchElements(html)
}

func (h *SSEHandlers) patchSignals(sse *datastar.ServerSentEventGenerator, signals map[string]any) {
	data, err := json.Marshal(signals)
	if err != nil {
		h.logger.Error("marshal signals", "error", err)
		return
	}
	sse.PatchSignals(data)
}

func (h *SSEHandlers) filterOrError(r *http.Request, sse *datastar.ServerSentEventGenerator, target string) (services.Filter, bool) {
	f, err := ParseFilter(r)
	if err != nil {
		h.patchError(sse, target, err)
		return f, false
	}
	return f, true
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *SSEHandlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	sse, done := h.open(w, r)
	defer done()

	if f, ok := h.filterOrError(r, sse, "overview-content"); ok {
		h.patchOverview(sse, f)
	}
	flush(w)
}

func (h *SSEHandlers) HandleWards(w http.ResponseWriter, r *http.Request) {
	sse, done := h.open(w, r)
	defer done()

	if f, ok := h.filterOrError(r, sse, "wards-content"); ok {
		h.patchWards(sse, f)
	}
	flush(w)
}

func (h *SSEHandlers) HandleTrajectory(w http.ResponseWriter, r *http.Request) {
	sse, done := h.open(w, r)
	defer done()

	f, ok := h.filterOrError(r, sse, "trajectory-content")
	if !ok {
		flush(w)
		return
	}
	years, err := h.analytics.Trajectory(f)
	if err != nil {
		h.patchError(sse, "trajectory-content", err)
		flush(w)
		return
	}
	quarters, err := h.analytics.QuarterTrend(f)
	if err != nil {
		h.patchError(sse, "trajectory-content", err)
		flush(w)
		return
	}
	h.patchSignals(sse, map[string]any{
		"trajectoryData": years,
		"quartersData":   quarters,
	})
	sse.PatchElements(`<div id="trajectory-content">Trajectory loaded</div>`)
	flush(w)
}

func (h *SSEHandlers) HandleBands(w http.ResponseWriter, r *http.Request) {
	sse, done := h.open(w, r)
	defer done()

	f, ok := h.filterOrError(r, sse, "bands-content")
	if !ok {
		flush(w)
		return
	}
	bands, err := h.analytics.BandDistribution(f)
	if err != nil {
		h.patchError(sse, "bands-content", err)
		flush(w)
		return
	}
	mix, err := h.analytics.Mix(f)
	if err != nil {
		h.patchError(sse, "bands-content", err)
		flush(w)
		return
	}
	h.patchSignals(sse, map[string]any{
		"bandsData": bands,
		"mixData":   mix,
	})
	sse.PatchElements(`<div id="bands-content">Price bands loaded</div>`)
	flush(w)
}

// HandleRefreshAll pushes every panel in one stream.
func (h *SSEHandlers) HandleRefreshAll(w http.ResponseWriter, r *http.Request) {
	sse, done := h.open(w, r)
	defer done()

	f, ok := h.filterOrError(r, sse, "overview-content")
	if !ok {
		flush(w)
		return
	}
	h.patchOverview(sse, f)
	h.patchWards(sse, f)

	signals := map[string]any{}
	if years, err := h.analytics.Trajectory(f); err == nil {
		signals["trajectoryData"] = years
	}
	if quarters, err := h.analytics.QuarterTrend(f); err == nil {
		signals["quartersData"] = quarters
	}
	if bands, err := h.analytics.BandDistribution(f); err == nil {
		signals["bandsData"] = bands
	}
	if mix, err := h.analytics.Mix(f); err == nil {
		signals["mixData"] = mix
	}
	if len(signals) > 0 {
		h.patchSignals(sse, signals)
	}
	flush(w)
}
