package harness

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/forgi86/extension-cpp/backend"
	"github.com/forgi86/extension-cpp/logger"
)

// Status is the outcome of one case.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusSkip  Status = "skip"
	StatusXFail Status = "xfail"
	StatusXPass Status = "xpass"
)

// Failed reports whether s makes the run unsuccessful.
func (s Status) Failed() bool {
	return s == StatusFail || s == StatusXPass
}

// Case is one named check on one device.
type Case struct {
	Name   string
	Device backend.Device
	// ExpectedFailure inverts the verdict: an error is an xfail, success an xpass.
	ExpectedFailure bool
	// Reason documents an expected failure.
	Reason string
	Run    func(ctx context.Context) error
}

// Cases returns the suite in its canonical order.
func (h *Harness) Cases() []Case {
	var cases []Case
	add := func(name string, dev backend.Device, run func(backend.Device) error) *Case {
		cases = append(cases, Case{
			Name:   fmt.Sprintf("%s_%s", name, dev.Type),
			Device: dev,
			Run:    func(context.Context) error { return run(dev) },
		})
		return &cases[len(cases)-1]
	}
	add("correctness", backend.CPU0, h.Correctness)
	add("correctness", backend.CUDA0, h.Correctness)
	add("gradients", backend.CPU0, h.Gradients)
	c := add("gradients", backend.CUDA0, h.Gradients)
	c.ExpectedFailure = true
	c.Reason = "known defect in the CUDA backward kernel"
	add("opcheck", backend.CPU0, h.Opcheck)
	add("opcheck", backend.CUDA0, h.Opcheck)
	return cases
}

// FilterCases keeps the cases whose device type is in types.
func FilterCases(cases []Case, types ...backend.DeviceType) []Case {
	var out []Case
	for _, c := range cases {
		for _, t := range types {
			if c.Device.Type == t {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Result is the recorded outcome of one case.
type Result struct {
	Name     string        `json:"name"`
	Device   string        `json:"device"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report is the outcome of a suite run.
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Passed   bool      `json:"passed"`
	Results  []Result  `json:"results"`
}

// Counts tallies results by status.
func (r *Report) Counts() map[Status]int {
	m := make(map[Status]int)
	for _, res := range r.Results {
		m[res.Status]++
	}
	return m
}

// Run executes cases in order. Cases on a device without a registered
// backend are skipped. A panic inside a case is recorded as a failure. When
// ctx is cancelled the remaining cases are skipped and ctx.Err() returned
// alongside the report. Cases receive a ctx carrying the run's logger.
func (h *Harness) Run(ctx context.Context, cases []Case) (*Report, error) {
	r := &Report{RunID: uuid.NewString(), Started: time.Now(), Passed: true}
	log := h.log.With("run_id", r.RunID)
	ctx = logger.WithContext(ctx, log)
	var ctxErr error
	for _, c := range cases {
		if ctxErr == nil {
			ctxErr = ctx.Err()
		}
		var res Result
		if ctxErr != nil {
			res = Result{Name: c.Name, Device: c.Device.String(), Status: StatusSkip, Reason: ctxErr.Error()}
		} else {
			res = runCase(ctx, c)
			log.Info("case finished", "case", c.Name, "status", string(res.Status), "duration", res.Duration)
			if res.Status.Failed() {
				log.Warn("case failed", "case", c.Name, "error", res.Error)
			}
		}
		if res.Status.Failed() {
			r.Passed = false
		}
		r.Results = append(r.Results, res)
	}
	r.Finished = time.Now()
	return r, ctxErr
}

func runCase(ctx context.Context, c Case) (res Result) {
	res = Result{Name: c.Name, Device: c.Device.String(), Reason: c.Reason}
	if !backend.Has(c.Device.Type) {
		res.Status = StatusSkip
		res.Reason = "requires " + c.Device.Type.String()
		return res
	}
	log := logger.FromContext(ctx).With("case", c.Name)
	log.Debug("case started", "device", res.Device)
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("case panicked", "panic", fmt.Sprint(p))
				err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
			}
		}()
		return c.Run(ctx)
	}()
	res.Duration = time.Since(start)
	switch {
	case c.ExpectedFailure && err != nil:
		res.Status = StatusXFail
		res.Error = err.Error()
	case c.ExpectedFailure:
		res.Status = StatusXPass
		res.Error = "unexpected success"
	case err != nil:
		res.Status = StatusFail
		res.Error = err.Error()
	default:
		res.Status = StatusPass
	}
	return res
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// WriteText writes one line per case followed by a summary.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, res := range r.Results {
		detail := res.Reason
		if res.Status == StatusFail || res.Status == StatusXPass {
			detail = res.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", res.Name, res.Status, res.Duration.Round(time.Microsecond), firstLine(detail))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	c := r.Counts()
	verdict := "OK"
	if !r.Passed {
		verdict = "FAILED"
	}
	_, err := fmt.Fprintf(w, "\n%s (passed=%d, failures=%d, skipped=%d, expected failures=%d, unexpected successes=%d) run %s\n",
		verdict, c[StatusPass], c[StatusFail], c[StatusSkip], c[StatusXFail], c[StatusXPass], r.RunID)
	return err
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
