package certificate

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/certsync/internal/transport"
	"go.uber.org/zap"
)

// APIServer handles HTTP requests.
type APIServer struct {
	syncer     *Syncer
	repo       Repository
	controller *Controller
	sinks      map[string]Sink
	logger     *zap.Logger
}

// NewAPIServer creates a new API server. sinks maps the export format
// parameter to its sink; "csv" is the default format.
func NewAPIServer(syncer *Syncer, repo Repository, controller *Controller, sinks map[string]Sink, logger *zap.Logger) *APIServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIServer{
		syncer:     syncer,
		repo:       repo,
		controller: controller,
		sinks:      sinks,
		logger:     logger,
	}
}

// RegisterHandlers registers the HTTP handlers.
func (s *APIServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/", s.viewCerts)
	mux.HandleFunc("/certificates", s.listCerts)
	mux.HandleFunc("/certificates.csv", s.streamCSV)
	mux.HandleFunc("/status", s.viewStatus)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/export", s.handleExport)
	mux.HandleFunc("/autosync/pause", s.handleAutoSync(false))
	mux.HandleFunc("/autosync/resume", s.handleAutoSync(true))
}

const tpl = `
<!DOCTYPE html>
<html>
<head>
    <title>Certificates</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        table { border-collapse: collapse; width: 100%; margin-top: 20px; table-layout: fixed; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; vertical-align: top; word-wrap: break-word; }
        th { background-color: #f2f2f2; }
        .passed { background-color: #d4edda; }
        .failed { background-color: #f8d7da; }
        .digest { font-family: 'Courier New', monospace; font-size: 0.75em; }
        .summary { margin-bottom: 20px; padding: 10px; background-color: #e9ecef; border-radius: 5px; }
        .filters input, .filters select { margin-right: 10px; }

        .status {
            margin-bottom: 20px;
            padding: 10px;
            border-radius: 5px;
            border: 1px solid;
        }
        .status-ok {
            background-color: #d4edda;
            border-color: #c3e6cb;
            color: #155724;
        }
        .status-bad {
            background-color: #f8d7da;
            border-color: #f5c6cb;
            color: #721c24;
        }

        th:nth-child(1), td:nth-child(1) { width: 12%; } /* Device */
        th:nth-child(2), td:nth-child(2) { width: 16%; } /* Timestamp */
        th:nth-child(3), td:nth-child(3) { width: 8%; }  /* Gas */
        th:nth-child(4), td:nth-child(4) { width: 8%; }  /* Result */
        th:nth-child(5), td:nth-child(5) { width: 20%; } /* Certificate */
        th:nth-child(6), td:nth-child(6) { width: 36%; } /* Digest */
    </style>
</head>
<body>
    <h1>GasDock Certificate Sync</h1>

    <div class="status {{if eq .Connectivity "connected"}}status-ok{{else}}status-bad{{end}}">
        <strong>X-dock:</strong> {{.Connectivity}}{{if .LastMessage}}: {{.LastMessage}}{{end}}
    </div>

    <div class="status {{if .AutoSyncActive}}status-ok{{else}}status-bad{{end}}">
        <strong>Automatic Sync:</strong> {{if .AutoSyncActive}}Active{{else}}PAUSED{{end}}
    </div>

    <div class="summary">
        <strong>Total Records:</strong> {{.Total}} &nbsp;
        <strong>Pass:</strong> {{.PassCount}} &nbsp;
        <strong>Fail:</strong> {{.FailCount}}<br>
        Current Time: {{.CurrentTime}}
    </div>

    <form class="filters" method="get" action="/">
        Device <input name="device" value="{{.Filter.Device}}">
        Gas <input name="gasType" value="{{.Filter.GasType}}">
        From <input name="from" type="date" value="{{.Filter.From}}">
        To <input name="to" type="date" value="{{.Filter.To}}">
        Result
        <select name="passed">
            <option value="" {{if eq .Filter.Passed ""}}selected{{end}}>any</option>
            <option value="true" {{if eq .Filter.Passed "true"}}selected{{end}}>pass</option>
            <option value="false" {{if eq .Filter.Passed "false"}}selected{{end}}>fail</option>
        </select>
        <button type="submit">Filter</button>
        <a href="/certificates.csv?{{.Query}}">Download CSV</a>
    </form>

    <h2>Certificates</h2>
    <table>
        <tr>
            <th>Device</th>
            <th>Timestamp</th>
            <th>Gas</th>
            <th>Result</th>
            <th>Certificate</th>
            <th>Digest</th>
        </tr>
        {{range .Certificates}}
        <tr class="{{if .Passed}}passed{{else}}failed{{end}}">
            <td>{{.DeviceID}}</td>
            <td>{{.Timestamp.Format "2006-01-02 15:04:05"}}</td>
            <td>{{.GasType}}</td>
            <td>{{if .Passed}}Pass{{else}}Fail{{end}}</td>
            <td>{{.CertificatePath}}</td>
            <td class="digest">{{.Digest}}</td>
        </tr>
        {{else}}
        <tr>
            <td colspan="6" style="text-align: center; font-style: italic;">No certificates</td>
        </tr>
        {{end}}
    </table>
</body>
</html>
`

var page = template.Must(template.New("webpage").Parse(tpl))

type filterForm struct {
	Device  string
	GasType string
	From    string
	To      string
	Passed  string
}

// parseFilter reads device, gasType, from, to and passed. Dates may be
// RFC 3339 instants or YYYY-MM-DD days; a day given as "to" covers the
// whole day.
func parseFilter(values url.Values) (QueryFilter, filterForm, error) {
	form := filterForm{
		Device:  strings.TrimSpace(values.Get("device")),
		GasType: strings.TrimSpace(values.Get("gasType")),
		From:    strings.TrimSpace(values.Get("from")),
		To:      strings.TrimSpace(values.Get("to")),
		Passed:  strings.TrimSpace(values.Get("passed")),
	}
	filter := QueryFilter{DeviceID: form.Device, GasType: form.GasType}

	if form.From != "" {
		from, _, err := parseBound(form.From)
		if err != nil {
			return filter, form, fmt.Errorf("invalid from: %w", err)
		}
		filter.From = &from
	}
	if form.To != "" {
		to, dateOnly, err := parseBound(form.To)
		if err != nil {
			return filter, form, fmt.Errorf("invalid to: %w", err)
		}
		if dateOnly {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		filter.To = &to
	}
	if form.Passed != "" {
		passed, err := strconv.ParseBool(form.Passed)
		if err != nil {
			return filter, form, fmt.Errorf("invalid passed: %w", err)
		}
		filter.Passed = &passed
	}
	return filter, form, nil
}

func parseBound(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", value)
	}
	return t.UTC(), false, nil
}

func (s *APIServer) query(w http.ResponseWriter, r *http.Request) ([]Record, filterForm, bool) {
	filter, form, err := parseFilter(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, form, false
	}
	records, err := s.repo.Query(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to query certificates", zap.Error(err))
		http.Error(w, "failed to query certificates", http.StatusInternalServerError)
		return nil, form, false
	}
	return records, form, true
}

func (s *APIServer) connectivity() (string, string) {
	last, ok := s.syncer.LastResult()
	if !ok {
		return "unknown", ""
	}
	return last.State.String(), last.Message
}

func (s *APIServer) autoSyncActive(r *http.Request) bool {
	active, err := s.controller.AutoSyncActive(r.Context())
	if err != nil {
		s.logger.Error("failed to get scheduler status", zap.Error(err))
		return true
	}
	return active
}

func (s *APIServer) viewCerts(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	records, form, ok := s.query(w, r)
	if !ok {
		return
	}

	summary := Summarize(records)
	connectivity, message := s.connectivity()

	data := struct {
		Connectivity   string
		LastMessage    string
		AutoSyncActive bool
		Total          int
		PassCount      int
		FailCount      int
		CurrentTime    string
		Filter         filterForm
		Query          template.URL
		Certificates   []Record
	}{
		Connectivity:   connectivity,
		LastMessage:    message,
		AutoSyncActive: s.autoSyncActive(r),
		Total:          summary.Total,
		PassCount:      summary.Passed,
		FailCount:      summary.Failed,
		CurrentTime:    time.Now().UTC().Format("2006-01-02 15:04:05"),
		Filter:         form,
		Query:          template.URL(r.URL.RawQuery),
		Certificates:   records,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := page.Execute(w, data); err != nil {
		s.logger.Error("failed to execute template", zap.Error(err))
	}
}

func (s *APIServer) listCerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, _, ok := s.query(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *APIServer) streamCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	records, _, ok := s.query(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=gasdock_report.csv")
	if err := WriteCSV(w, records); err != nil {
		s.logger.Error("failed to stream csv", zap.Error(err))
	}
}

func (s *APIServer) viewStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	connectivity, _ := s.connectivity()
	status := map[string]any{
		"connectivity":   connectivity,
		"autoSyncActive": s.autoSyncActive(r),
	}
	if last, ok := s.syncer.LastResult(); ok {
		status["lastSync"] = last
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	result := s.syncer.RunSyncCycle(r.Context(), true)
	code := http.StatusOK
	if result.State != transport.StateConnected {
		code = http.StatusBadGateway
	}
	s.writeJSON(w, code, result)
}

func (s *APIServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	sink, found := s.sinks[format]
	if !found {
		http.Error(w, fmt.Sprintf("unsupported export format %q", format), http.StatusBadRequest)
		return
	}
	records, _, ok := s.query(w, r)
	if !ok {
		return
	}
	path, err := sink.Export(r.Context(), records)
	if err != nil {
		s.logger.Error("failed to export certificates", zap.Error(err))
		http.Error(w, "failed to export certificates", http.StatusInternalServerError)
		return
	}
	s.logger.Info("certificates exported", zap.String("format", format), zap.String("path", path), zap.Int("records", len(records)))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"format":  format,
		"path":    path,
		"records": len(records),
		"message": fmt.Sprintf("%s exported: %s", strings.ToUpper(format), path),
	})
}

func (s *APIServer) handleAutoSync(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		outcome, err := s.controller.RequestAutoSync(r.Context(), active)
		if err != nil {
			s.logger.Error("failed to switch automatic sync", zap.Bool("active", active), zap.Error(err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, outcome)
	}
}

// authorize accepts POST requests carrying the control key in the
// X-API-Key header or the key query parameter.
func (s *APIServer) authorize(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}

	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("key")
	}

	err := s.controller.Authorize(r.Context(), key)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrMissingKey), errors.Is(err, ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	default:
		s.logger.Error("failed to check API key", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
	return false
}

func (s *APIServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
