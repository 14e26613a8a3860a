package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apiforge/apiforge-backend/internal/platform/logger"
)

// rollingSum keeps a fixed number of interval buckets and reports their sum.
// One bucket per evaluation tick; the window slides as new ticks arrive.
type rollingSum struct {
	slots []float64
	idx   int
	full  bool
}

func newRollingSum(size int) *rollingSum {
	if size < 1 {
		size = 1
	}
	return &rollingSum{slots: make([]float64, size)}
}

func (r *rollingSum) Add(v float64) {
	r.slots[r.idx] = v
	r.idx++
	if r.idx >= len(r.slots) {
		r.idx = 0
		r.full = true
	}
}

func (r *rollingSum) Sum() float64 {
	total := 0.0
	n := r.idx
	if r.full {
		n = len(r.slots)
	}
	for i := 0; i < n; i++ {
		total += r.slots[i]
	}
	return total
}

type sloDef struct {
	name   string
	target float64
	good   *rollingSum
	total  *rollingSum
}

// SLOEvaluator turns raw counters into windowed SLIs and exposes
// compliance, remaining error budget, and burn rate. It also posts
// webhook alerts when the burn rate crosses the configured thresholds.
type SLOEvaluator struct {
	log     *logger.Logger
	metrics *Metrics

	window   string
	interval time.Duration

	prevApiTotal     float64
	prevApiError     float64
	prevApiGood      float64
	prevWorkerTotal  float64
	prevWorkerError  float64
	prevGenTotal     float64
	prevGenError     float64
	prevRestoreTotal float64
	prevRestoreError float64

	apiAvail       *sloDef
	apiLatency     *sloDef
	workerSuccess  *sloDef
	genSuccess     *sloDef
	restoreSuccess *sloDef

	webhookURL       string
	alertOwner       string
	runbookURL       string
	alertMinInterval time.Duration
	burnWarn         float64
	burnCrit         float64

	alertMu   sync.Mutex
	lastAlert map[string]time.Time

	httpClient *http.Client
}

func sloEnabled() bool {
	return parseBoolEnv("SLO_ENABLED", false)
}

// StartSLOEvaluator runs the evaluation loop until ctx is cancelled.
// No-op when SLO_ENABLED is unset or metrics are disabled.
func StartSLOEvaluator(ctx context.Context, log *logger.Logger, m *Metrics) {
	if m == nil || !sloEnabled() {
		return
	}

	intervalSec := int(parseFloatEnv("SLO_EVAL_INTERVAL_SECONDS", 60))
	if intervalSec < 10 {
		intervalSec = 10
	}
	windowHours := int(parseFloatEnv("SLO_WINDOW_HOURS", 720))
	if windowHours < 1 {
		windowHours = 1
	}
	slots := windowHours * 3600 / intervalSec
	if slots < 1 {
		slots = 1
	}

	ev := &SLOEvaluator{
		log:      log,
		metrics:  m,
		window:   fmt.Sprintf("%dh", windowHours),
		interval: time.Duration(intervalSec) * time.Second,
		apiAvail: &sloDef{
			name:   "api_availability",
			target: parseFloatEnv("SLO_API_AVAIL_TARGET", 0.995),
			good:   newRollingSum(slots),
			total:  newRollingSum(slots),
		},
		apiLatency: &sloDef{
			name:   "api_latency",
			target: parseFloatEnv("SLO_API_LATENCY_TARGET", 0.95),
			good:   newRollingSum(slots),
			total:  newRollingSum(slots),
		},
		workerSuccess: &sloDef{
			name:   "worker_success",
			target: parseFloatEnv("SLO_WORKER_SUCCESS_TARGET", 0.98),
			good:   newRollingSum(slots),
			total:  newRollingSum(slots),
		},
		genSuccess: &sloDef{
			name:   "generation_success",
			target: parseFloatEnv("SLO_GENERATION_SUCCESS_TARGET", 0.98),
			good:   newRollingSum(slots),
			total:  newRollingSum(slots),
		},
		restoreSuccess: &sloDef{
			name:   "sandbox_restore_success",
			target: parseFloatEnv("SLO_SANDBOX_RESTORE_TARGET", 0.95),
			good:   newRollingSum(slots),
			total:  newRollingSum(slots),
		},
		webhookURL:       strings.TrimSpace(getEnv("SLO_ALERT_WEBHOOK_URL")),
		alertOwner:       strings.TrimSpace(getEnv("SLO_ALERT_OWNER")),
		runbookURL:       strings.TrimSpace(getEnv("SLO_ALERT_RUNBOOK_URL")),
		alertMinInterval: time.Duration(int(parseFloatEnv("SLO_ALERT_MIN_INTERVAL_SECONDS", 900))) * time.Second,
		burnWarn:         parseFloatEnv("SLO_ALERT_BURN_RATE_WARN", 2),
		burnCrit:         parseFloatEnv("SLO_ALERT_BURN_RATE_CRIT", 10),
		lastAlert:        map[string]time.Time{},
		httpClient:       &http.Client{Timeout: 5 * time.Second},
	}

	if log != nil {
		log.Info("SLO evaluator enabled",
			"interval_seconds", intervalSec,
			"window_hours", windowHours,
		)
	}

	go ev.run(ctx)
}

func (e *SLOEvaluator) run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func delta(cur float64, prev *float64) float64 {
	d := cur - *prev
	*prev = cur
	if d < 0 {
		d = 0
	}
	return d
}

func (e *SLOEvaluator) tick() {
	m := e.metrics

	apiTotal := delta(m.apiReqTotal.Value(), &e.prevApiTotal)
	apiError := delta(m.apiReqError.Value(), &e.prevApiError)
	apiGood := delta(m.apiReqGood.Value(), &e.prevApiGood)
	workerTotal := delta(m.workerTotal.Value(), &e.prevWorkerTotal)
	workerError := delta(m.workerError.Value(), &e.prevWorkerError)
	genTotal := delta(m.genStageTotal.Value(), &e.prevGenTotal)
	genError := delta(m.genStageError.Value(), &e.prevGenError)
	restoreTotal := delta(m.sandboxRestores.Value(), &e.prevRestoreTotal)
	restoreError := delta(m.sandboxRestoreErr.Value(), &e.prevRestoreError)

	e.apiAvail.good.Add(apiTotal - apiError)
	e.apiAvail.total.Add(apiTotal)
	e.apiLatency.good.Add(apiGood)
	e.apiLatency.total.Add(apiTotal)
	e.workerSuccess.good.Add(workerTotal - workerError)
	e.workerSuccess.total.Add(workerTotal)
	e.genSuccess.good.Add(genTotal - genError)
	e.genSuccess.total.Add(genTotal)
	e.restoreSuccess.good.Add(restoreTotal - restoreError)
	e.restoreSuccess.total.Add(restoreTotal)

	for _, def := range []*sloDef{e.apiAvail, e.apiLatency, e.workerSuccess, e.genSuccess, e.restoreSuccess} {
		e.evalSLO(def)
	}
}

func (e *SLOEvaluator) evalSLO(def *sloDef) {
	good := def.good.Sum()
	total := def.total.Sum()
	sli := 1.0
	if total > 0 {
		sli = good / total
	}
	if sli < 0 {
		sli = 0
	}
	if sli > 1 {
		sli = 1
	}

	budgetAllowed := 1 - def.target
	budgetRemaining := 1.0
	burn := 0.0
	if budgetAllowed > 0 {
		burn = (1 - sli) / budgetAllowed
		budgetRemaining = 1 - burn
		if budgetRemaining < 0 {
			budgetRemaining = 0
		}
		if budgetRemaining > 1 {
			budgetRemaining = 1
		}
	}

	e.metrics.sloCompliance.Set(sli, def.name, e.window)
	e.metrics.sloBudget.Set(budgetRemaining, def.name, e.window)
	e.metrics.sloBurn.Set(burn, def.name, e.window)

	if total == 0 {
		return
	}
	if burn >= e.burnCrit {
		e.alert(def.name, "critical", sli, def.target, burn)
	} else if burn >= e.burnWarn {
		e.alert(def.name, "warning", sli, def.target, burn)
	}
}

func (e *SLOEvaluator) alert(slo, severity string, sli, target, burn float64) {
	if e.webhookURL == "" {
		if e.log != nil {
			e.log.Warn("SLO burn rate threshold crossed",
				"slo", slo,
				"severity", severity,
				"sli", sli,
				"target", target,
				"burn_rate", burn,
			)
		}
		return
	}

	key := slo + ":" + severity
	now := time.Now()
	e.alertMu.Lock()
	last, seen := e.lastAlert[key]
	if seen && now.Sub(last) < e.alertMinInterval {
		e.alertMu.Unlock()
		return
	}
	e.lastAlert[key] = now
	e.alertMu.Unlock()

	payload := map[string]any{
		"type":      "slo_burn",
		"slo":       slo,
		"severity":  severity,
		"sli":       sli,
		"target":    target,
		"burn_rate": burn,
		"window":    e.window,
		"owner":     e.alertOwner,
		"runbook":   e.runbookURL,
		"at":        now.UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	go func() {
		req, err := http.NewRequest(http.MethodPost, e.webhookURL, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.httpClient.Do(req)
		if err != nil {
			if e.log != nil {
				e.log.Warn("SLO alert webhook failed", "error", err, "slo", slo)
			}
			return
		}
		_ = resp.Body.Close()
	}()
}
