package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"gorm.io/datatypes"

	types "github.com/apiforge/apiforge-backend/internal/domain"
	jobrt "github.com/apiforge/apiforge-backend/internal/jobs/runtime"
)

// -------------------- Public API --------------------

type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// Stage is one inline step of a pipeline. Name keys the memoized state;
// JobStage is the value written to generation_job.stage while it runs.
type Stage struct {
	Name     string
	JobStage types.Stage
	Timeout  time.Duration
	StartPct int
	EndPct   int
	StartMsg string
	DoneMsg  string
	Retry    RetryPolicy
	IsDone   func(jc *jobrt.Context, st *State) (bool, error)
	Run      func(jc *jobrt.Context, st *State) (map[string]any, error)
}

/*
Engine drives an ordered stage list for a single job. All stages run inline
in the calling goroutine; retry backoff sleeps in place (context-aware)
rather than re-queueing, because the scheduler tick that invoked us owns the
long-running execution and heartbeats it.

State is memoized under the "pipeline" key of generation_job.result after
every stage transition, so a re-entering tick (activity retry, worker
restart) resumes exactly where the last one stopped: finished stages are
skipped, the attempt count continues.

Terminal outcomes go through the runtime.Context (Fail/Succeed) and Run
returns nil. A non-nil return means the attempt itself was interrupted
(context canceled or deadline hit) and the caller should retry the tick.
*/
type Engine struct {
	StateVersion int // default 1
}

func NewEngine() *Engine {
	return &Engine{StateVersion: 1}
}

func (e *Engine) Run(jc *jobrt.Context, stages []Stage, finalResult map[string]any) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if len(stages) == 0 {
		jc.Succeed(finalResult)
		return nil
	}
	if err := validateStages(stages); err != nil {
		jc.Fail(err)
		return nil
	}
	st, _ := LoadState(jc, e.StateVersion)
	for i := range stages {
		def := stages[i]
		ss := st.EnsureStage(def.Name)
		if ss.Status == StatusSucceeded || ss.Status == StatusSkipped {
			continue
		}
		e.startStage(jc, st, def, ss)
		if halted, err := e.runInline(jc, st, def, ss); halted {
			return err
		}
	}
	e.succeed(jc, st, stages, finalResult)
	return nil
}

// -------------------- tight helpers --------------------

func (e *Engine) startStage(jc *jobrt.Context, st *State, def Stage, ss *StageState) {
	setProgress(jc, st, def.JobStage, def.StartPct, msgOr(def.StartMsg, "Starting "+def.Name))
	ss.Status = StatusRunning
	markStarted(ss)
	_ = SaveState(jc, st)
}

// runInline executes one stage to a resolution, retrying in place per the
// stage's policy. Returns halted=true when the pipeline must stop here:
// either the job was terminally failed (err nil) or the attempt was
// interrupted (err non-nil, memoized state resumes it).
func (e *Engine) runInline(jc *jobrt.Context, st *State, def Stage, ss *StageState) (bool, error) {
	for {
		if def.IsDone != nil {
			done, derr := safeIsDone(def, jc, st)
			if derr != nil {
				halted, err := e.handleStageErr(jc, st, def, ss, derr)
				if halted {
					return true, err
				}
				continue
			}
			if done {
				e.finishStage(jc, st, def, ss)
				return false, nil
			}
		}
		outs, runErr := safeRun(def, jc, st)
		if runErr != nil {
			halted, err := e.handleStageErr(jc, st, def, ss, runErr)
			if halted {
				return true, err
			}
			continue
		}
		if outs != nil {
			mergeOutputs(ss, outs)
		}
		e.finishStage(jc, st, def, ss)
		return false, nil
	}
}

func (e *Engine) finishStage(jc *jobrt.Context, st *State, def Stage, ss *StageState) {
	ss.Status = StatusSucceeded
	markFinished(ss)
	setProgress(jc, st, def.JobStage, def.EndPct, msgOr(def.DoneMsg, "Done "+def.Name))
	_ = SaveState(jc, st)
}

func (e *Engine) succeed(jc *jobrt.Context, st *State, stages []Stage, finalResult map[string]any) {
	out := map[string]any{}
	for _, def := range stages {
		if ss := st.Stages[def.Name]; ss != nil && ss.Outputs != nil {
			out[def.Name] = ss.Outputs
		}
	}
	final := map[string]any{
		"pipeline": st,
		"outputs":  out,
	}
	for k, v := range finalResult {
		final[k] = v
	}
	jc.Succeed(final)
}

// -------------------- stage error handling --------------------

func (e *Engine) handleStageErr(jc *jobrt.Context, st *State, def Stage, ss *StageState, err error) (bool, error) {
	if ss == nil {
		return true, nil
	}
	ss.Attempts++
	ss.LastError = errString(err)
	if shouldRetry(def.Retry, ss.Attempts, err) {
		_ = SaveState(jc, st)
		if serr := sleepCtx(jc.Ctx, computeBackoff(def.Retry, ss.Attempts)); serr != nil {
			return true, serr
		}
		ss.Status = StatusRunning
		return false, nil
	}
	ss.Status = StatusFailed
	markFinished(ss)
	_ = SaveState(jc, st)
	jc.Fail(fmt.Errorf("%s: %w", def.Name, err))
	return true, nil
}

// -------------------- state persistence --------------------

func LoadState(jc *jobrt.Context, version int) (*State, error) {
	st := &State{Version: version, Stages: map[string]*StageState{}, Meta: map[string]any{}}
	if jc == nil || jc.Job == nil {
		st.ensure()
		return st, nil
	}
	raw := jc.Job.Result
	if len(raw) == 0 || string(raw) == "null" {
		st.ensure()
		return st, nil
	}
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err == nil {
		if v, ok := probe["pipeline"]; ok {
			b, _ := json.Marshal(v)
			_ = json.Unmarshal(b, st)
			st.ensure()
			return st, nil
		}
	}

	if err := json.Unmarshal(raw, st); err != nil {
		st.Meta["state_unmarshal_error"] = err.Error()
		st.ensure()
		return st, nil
	}
	st.ensure()
	return st, nil
}

func SaveState(jc *jobrt.Context, st *State) error {
	if jc == nil || jc.Job == nil || st == nil {
		return nil
	}
	st.ensure()
	b, _ := json.Marshal(map[string]any{"pipeline": st})
	_ = jc.Update(map[string]any{"result": datatypes.JSON(b)})
	jc.Job.Result = datatypes.JSON(b)
	return nil
}

// -------------------- safety + validation --------------------

func validateStages(stages []Stage) error {
	seen := map[string]bool{}
	lastEnd := -1
	for _, s := range stages {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("stage missing Name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
		if strings.TrimSpace(string(s.JobStage)) == "" {
			return fmt.Errorf("stage %q: missing JobStage", s.Name)
		}
		if s.StartPct < 0 || s.StartPct > 100 || s.EndPct < 0 || s.EndPct > 100 {
			return fmt.Errorf("stage %q: progress must be 0..100", s.Name)
		}
		if s.EndPct < s.StartPct {
			return fmt.Errorf("stage %q: EndPct must be >= StartPct", s.Name)
		}
		if s.EndPct < lastEnd {
			return fmt.Errorf("stage %q: EndPct must be >= previous stage EndPct", s.Name)
		}
		lastEnd = s.EndPct
	}
	return nil
}

func safeIsDone(def Stage, jc *jobrt.Context, st *State) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			done = false
			err = fmt.Errorf("stage %q is_done panicked: %v", def.Name, r)
		}
	}()
	return def.IsDone(jc, st)
}

// safeRun executes the stage body, converting panics to errors so the retry
// policy can see them. With a Timeout set, the body runs against a derived
// context and a hung stage is abandoned at the deadline.
func safeRun(def Stage, jc *jobrt.Context, st *State) (outs map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			outs = nil
			err = fmt.Errorf("stage %q panicked: %v", def.Name, r)
		}
	}()
	if def.Run == nil {
		return nil, fmt.Errorf("stage %q: Run is nil", def.Name)
	}
	if def.Timeout <= 0 {
		return def.Run(jc, st)
	}
	parent := jc.Ctx
	if parent == nil {
		parent = context.Background()
	}
	tctx, cancel := context.WithTimeout(parent, def.Timeout)
	defer cancel()
	sub := *jc
	sub.Ctx = tctx
	type out struct {
		m map[string]any
		e error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{e: fmt.Errorf("stage %q panicked: %v", def.Name, r)}
			}
		}()
		m, e := def.Run(&sub, st)
		ch <- out{m: m, e: e}
	}()
	select {
	case <-tctx.Done():
		return nil, fmt.Errorf("stage %q timed out: %w", def.Name, tctx.Err())
	case o := <-ch:
		return o.m, o.e
	}
}

// -------------------- progress + timestamps --------------------

// setProgress is monotonic: a re-entered stage never walks the visible
// progress bar backwards.
func setProgress(jc *jobrt.Context, st *State, jobStage types.Stage, pct int, msg string) {
	if jc == nil || st == nil {
		return
	}
	if pct < st.LastProgress {
		pct = st.LastProgress
	} else {
		st.LastProgress = pct
	}
	jc.Progress(jobStage, pct, msg)
}

func markStarted(ss *StageState) {
	if ss == nil || ss.StartedAt != nil {
		return
	}
	now := time.Now().UTC()
	ss.StartedAt = &now
}

func markFinished(ss *StageState) {
	if ss == nil {
		return
	}
	now := time.Now().UTC()
	ss.FinishedAt = &now
}

func mergeOutputs(ss *StageState, outs map[string]any) {
	if ss == nil || outs == nil {
		return
	}
	if ss.Outputs == nil {
		ss.Outputs = map[string]any{}
	}
	for k, v := range outs {
		ss.Outputs[k] = v
	}
}

// -------------------- retry/backoff --------------------

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// -------------------- misc --------------------

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if ctx == nil {
		time.Sleep(d)
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func msgOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
