package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apiforge/apiforge-backend/internal/platform/ctxutil"
	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

var (
	missingFilesRe    = regexp.MustCompile(`required missing files: \[([^\]]+)\]`)
	missingFilesAltRe = regexp.MustCompile(`missing files: \[([^\]]+)\]`)
)

type validationAlertState struct {
	mu   sync.Mutex
	last map[string]time.Time
}

var validationAlerts validationAlertState

// ReportValidationIssues classifies findings from the generated-project
// validation pass, counts them, and fans out a throttled webhook alert.
func ReportValidationIssues(ctx context.Context, log *logger.Logger, framework string, issues []string, meta map[string]any) {
	if len(issues) == 0 {
		return
	}
	framework = strings.TrimSpace(framework)
	if framework == "" {
		framework = "unknown"
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			meta["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			meta["request_id"] = td.RequestID
		}
	}

	issueCounts := map[string]int{}
	sampleIssues := make([]string, 0, 3)
	for _, issue := range issues {
		issue = strings.TrimSpace(issue)
		if issue == "" {
			continue
		}
		if len(sampleIssues) < 3 {
			sampleIssues = append(sampleIssues, issue)
		}
		lower := strings.ToLower(issue)
		missing := extractMissingFiles(issue)
		if len(missing) > 0 {
			for _, path := range missing {
				incValidationIssue(framework, "missing_file", path)
			}
			issueCounts["missing_file"] += len(missing)
			continue
		}
		if strings.Contains(lower, "empty file") {
			incValidationIssue(framework, "empty_file", "")
			issueCounts["empty_file"]++
			continue
		}
		if strings.Contains(lower, "unsafe path") || strings.Contains(lower, "path escapes") {
			incValidationIssue(framework, "unsafe_path", "")
			issueCounts["unsafe_path"]++
			continue
		}
		if strings.Contains(lower, "invalid json") || strings.Contains(lower, "parse") {
			incValidationIssue(framework, "manifest_parse", "")
			issueCounts["manifest_parse"]++
			continue
		}
		incValidationIssue(framework, "validation_error", "")
		issueCounts["validation_error"]++
	}

	if log != nil {
		log.Warn("generated project validation issues",
			"framework", framework,
			"issues", issueCounts,
			"sample_issues", sampleIssues,
			"meta", meta,
		)
	}
	sendValidationAlert(framework, issueCounts, sampleIssues, meta, log)
}

// ReportMissingProjectFiles is the pre-extracted form for callers that
// already know which required files are absent.
func ReportMissingProjectFiles(ctx context.Context, log *logger.Logger, framework string, paths []string, meta map[string]any) {
	if len(paths) == 0 {
		return
	}
	framework = strings.TrimSpace(framework)
	if framework == "" {
		framework = "unknown"
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			meta["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			meta["request_id"] = td.RequestID
		}
	}
	issueCounts := map[string]int{}
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		incValidationIssue(framework, "missing_file", path)
		issueCounts["missing_file"]++
	}
	if log != nil && len(issueCounts) > 0 {
		log.Warn("generated project missing required files", "framework", framework, "issues", issueCounts, "meta", meta)
	}
	sendValidationAlert(framework, issueCounts, nil, meta, log)
}

func extractMissingFiles(issue string) []string {
	raw := []string{}
	if match := missingFilesRe.FindStringSubmatch(issue); len(match) == 2 {
		raw = append(raw, match[1])
	}
	if match := missingFilesAltRe.FindStringSubmatch(issue); len(match) == 2 {
		raw = append(raw, match[1])
	}
	if len(raw) == 0 {
		return nil
	}
	out := []string{}
	for _, chunk := range raw {
		for _, part := range strings.FieldsFunc(chunk, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		}) {
			part = strings.TrimSpace(part)
			part = strings.Trim(part, `"`)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func incValidationIssue(framework, kind, detail string) {
	metrics := Current()
	if metrics == nil {
		return
	}
	metrics.IncValidationIssue(framework, kind, detail)
}

func validationAlertsEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("VALIDATION_ALERTS_ENABLED")))
	if v == "" {
		return false
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func validationAlertWebhook() string {
	val := strings.TrimSpace(os.Getenv("VALIDATION_ALERT_WEBHOOK_URL"))
	if val != "" {
		return val
	}
	return strings.TrimSpace(os.Getenv("SLO_ALERT_WEBHOOK_URL"))
}

func validationAlertMinInterval() time.Duration {
	raw := strings.TrimSpace(os.Getenv("VALIDATION_ALERT_MIN_INTERVAL_SECONDS"))
	if raw == "" {
		return 5 * time.Minute
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(seconds) * time.Second
}

func sendValidationAlert(framework string, issueCounts map[string]int, sampleIssues []string, meta map[string]any, log *logger.Logger) {
	if !validationAlertsEnabled() {
		return
	}
	webhook := validationAlertWebhook()
	if webhook == "" || len(issueCounts) == 0 {
		return
	}
	key := framework
	validationAlerts.mu.Lock()
	if validationAlerts.last == nil {
		validationAlerts.last = map[string]time.Time{}
	}
	last := validationAlerts.last[key]
	minInterval := validationAlertMinInterval()
	if !last.IsZero() && time.Since(last) < minInterval {
		validationAlerts.mu.Unlock()
		return
	}
	validationAlerts.last[key] = time.Now()
	validationAlerts.mu.Unlock()

	payload := map[string]any{
		"title":         "Generated project validation issue",
		"framework":     framework,
		"issues":        issueCounts,
		"sample_issues": sampleIssues,
		"meta":          meta,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		if log != nil {
			log.Warn("validation alert request build failed", "error", err, "framework", framework)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		if log != nil {
			log.Warn("validation alert post failed", "error", err, "framework", framework)
		}
		return
	}
	_ = resp.Body.Close()
	if log != nil {
		log.Info("validation alert sent", "framework", framework, "status", resp.StatusCode)
	}
}
