// Package rayhunter talks to the Rayhunter device's local HTTP status
// API and turns its noisy, best-effort JSON into typed poll results.
//
// The device port is only reachable through a USB-tunneled port
// forward maintained by an external keeper process, so connection
// errors are an expected steady-state condition, not an anomaly.
package rayhunter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nugget/rayhunter-bridge/internal/httpkit"
)

// Snapshot is one successfully parsed view of the device state.
type Snapshot struct {
	WarningCount int
	ReportID     string
	Raw          map[string]any
}

// StatusError reports a non-2xx response from the device API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("device API status %d: %s", e.Code, e.Body)
}

// ParseError reports a 2xx response whose body could not be turned
// into a usable snapshot. The poller does not retry these.
type ParseError struct {
	Path string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Path, e.Msg)
}

// Client is a Rayhunter device API client. Firmware versions disagree
// on field names, so every accessor tolerates the known spellings.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a device API client. The URL should include scheme,
// host, and the forwarded port (e.g. "http://127.0.0.1:18080"). The
// overall client timeout is left open; the poller bounds each attempt
// with a per-request context.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
		),
		logger: logger,
	}
}

// Snapshot fetches the current warning count and latest report id.
// It prefers /api/system-stats and falls back to the QMDL manifest
// (newest analysis entry) and, when the entry itself carries no count,
// the full analysis report.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, statsErr := c.systemStats(ctx)
	if statsErr == nil && stats.complete() {
		return Snapshot{
			WarningCount: *stats.warn,
			ReportID:     stats.id,
			Raw:          stats.raw,
		}, nil
	}

	// A transport or status failure means the tunnel (or device) is
	// down; the manifest lives behind the same port, so falling back
	// would just burn the attempt budget twice.
	if statsErr != nil {
		if _, ok := statsErr.(*ParseError); !ok {
			return Snapshot{}, statsErr
		}
	}

	snap, err := c.manifestFallback(ctx, stats)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// partialStats holds whatever /api/system-stats yielded. warn is nil
// when the field was absent or unparsable.
type partialStats struct {
	warn *int
	id   string
	raw  map[string]any
}

func (p partialStats) complete() bool {
	return p.warn != nil && p.id != ""
}

func (c *Client) systemStats(ctx context.Context) (partialStats, error) {
	const path = "/api/system-stats"

	var body map[string]any
	if err := c.getJSON(ctx, path, &body); err != nil {
		return partialStats{}, err
	}

	stats := partialStats{raw: body}
	if n, ok := intField(body, "warningCount", "warnings", "warning_count"); ok {
		stats.warn = &n
	}
	if id, ok := strField(body, "lastReportId", "last_report_id", "last_id"); ok {
		stats.id = id
	}
	return stats, nil
}

// manifestFallback fills in whatever system-stats could not provide
// from the QMDL manifest, preferring stats values where present.
func (c *Client) manifestFallback(ctx context.Context, stats partialStats) (Snapshot, error) {
	const path = "/api/qmdl-manifest"

	var manifest []any
	if err := c.getJSON(ctx, path, &manifest); err != nil {
		return Snapshot{}, err
	}

	entry, id := newestEntry(manifest)
	if stats.id != "" {
		id = stats.id
	}

	warn := stats.warn
	if warn == nil && entry != nil {
		if n, ok := intField(entry, "warnings", "warning_count", "num_warnings", "warningTotal"); ok {
			warn = &n
		}
	}
	if warn == nil && id != "" {
		n, err := c.reportWarnings(ctx, id)
		if err == nil {
			warn = &n
		} else {
			c.logger.Debug("analysis report fallback failed", "report_id", id, "error", err)
		}
	}

	if warn == nil && id == "" {
		return Snapshot{}, &ParseError{Path: path, Msg: "no usable warning count or report id in stats or manifest"}
	}

	snap := Snapshot{ReportID: id, Raw: stats.raw}
	if warn != nil {
		snap.WarningCount = max(0, *warn)
	}
	if snap.Raw == nil {
		snap.Raw = map[string]any{}
	}
	return snap, nil
}

// reportWarnings fetches a full analysis report and extracts a warning
// count, by known field names first and a severity scan second.
func (c *Client) reportWarnings(ctx context.Context, id string) (int, error) {
	path := "/api/analysis-report/" + id

	var report any
	if err := c.getJSON(ctx, path, &report); err != nil {
		return 0, err
	}
	return countWarnings(report), nil
}

// Ping checks whether the device API is reachable through the tunnel.
// Used by the tunnel watcher for readiness probing.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/system-stats", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("device API status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return &StatusError{Code: resp.StatusCode, Body: body}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &ParseError{Path: path, Msg: err.Error()}
	}
	return nil
}

// --- Field extraction helpers ---

// asInt converts JSON scalar spellings of an integer (float64, string,
// json.Number) into an int. Booleans are rejected; some firmware dumps
// use true/false in id fields.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func intField(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if n, ok := asInt(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

// strField returns the first present key rendered as a string. Report
// ids are normalized to strings here so the state machine and the
// publisher never see the integer spelling.
func strField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s, true
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), true
		case json.Number:
			return s.String(), true
		}
	}
	return "", false
}

// newestEntry picks the manifest entry with the highest numeric id.
// Entries without a recognizable id are ignored unless nothing else
// qualifies, in which case the last entry wins (manifest is appended
// in capture order).
func newestEntry(manifest []any) (map[string]any, string) {
	var best map[string]any
	bestID := -1

	for _, raw := range manifest {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := entryID(entry); ok && id > bestID {
			best = entry
			bestID = id
		}
	}
	if best != nil {
		return best, strconv.Itoa(bestID)
	}

	if len(manifest) == 0 {
		return nil, ""
	}
	last, ok := manifest[len(manifest)-1].(map[string]any)
	if !ok {
		return nil, ""
	}
	if id, ok := strField(last, "id", "report_id", "reportId", "uid"); ok {
		return last, id
	}
	return last, ""
}

func entryID(entry map[string]any) (int, bool) {
	for _, k := range []string{"id", "report_id", "reportId", "uid"} {
		v, ok := entry[k]
		if !ok {
			continue
		}
		if _, isBool := v.(bool); isBool {
			continue
		}
		if n, ok := asInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

// countWarnings extracts a warning count from a full analysis report.
// Known field names (including one level of dotted nesting) win; when
// none match, nested severity markers matching warn/critical are
// counted instead.
func countWarnings(report any) int {
	if report == nil {
		return 0
	}

	if m, ok := report.(map[string]any); ok {
		for _, key := range []string{"warnings", "warning_count", "num_warnings", "warningTotal", "analysis.warnings", "summary.warnings"} {
			cur := any(m)
			found := true
			for _, part := range strings.Split(key, ".") {
				cm, ok := cur.(map[string]any)
				if !ok {
					found = false
					break
				}
				cur, ok = cm[part]
				if !ok {
					found = false
					break
				}
			}
			if found {
				if n, ok := asInt(cur); ok {
					return max(0, n)
				}
			}
		}
	}

	return countSeverities(report)
}

// countSeverities walks the report counting objects whose severity-ish
// string field matches warn or critical.
func countSeverities(v any) int {
	count := 0
	switch node := v.(type) {
	case map[string]any:
		severity := ""
		for k, child := range node {
			switch cv := child.(type) {
			case map[string]any, []any:
				count += countSeverities(cv)
			case string:
				switch strings.ToLower(k) {
				case "severity", "level", "type", "class":
					severity = cv
				}
			}
		}
		lower := strings.ToLower(severity)
		if strings.Contains(lower, "warn") || strings.Contains(lower, "critical") {
			count++
		}
	case []any:
		for _, child := range node {
			count += countSeverities(child)
		}
	}
	return count
}
