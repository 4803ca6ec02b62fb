package risk

// Observation is what a step measured: the observed value, the limit it
// was held against, and any supporting figures.
type Observation struct {
	Value   float64
	Limit   float64
	Metrics map[string]float64
}

// Outcome is the result of one step. A failed outcome stops the pipeline.
type Outcome struct {
	Passed   bool
	Severity Severity
	Reason   Reason
	Obs      Observation
}

// Pass builds a passing outcome.
func Pass(obs Observation) Outcome {
	return Outcome{Passed: true, Severity: SeverityInfo, Obs: obs}
}

// Fail builds a failing outcome.
func Fail(sev Severity, reason Reason, obs Observation) Outcome {
	return Outcome{Severity: sev, Reason: reason, Obs: obs}
}

// Step is one named check run against an input of type T.
type Step[T any] struct {
	Name string
	Run  func(T) Outcome
}

// Pipeline runs its steps in order and stops at the first failure.
type Pipeline[T any] struct {
	steps []Step[T]
}

func NewPipeline[T any](steps ...Step[T]) Pipeline[T] {
	return Pipeline[T]{steps: append([]Step[T](nil), steps...)}
}

// Names lists the steps in execution order.
func (p Pipeline[T]) Names() []string {
	out := make([]string, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Name
	}
	return out
}

// Trace is the record of one pipeline run. Checks holds every step that
// ran, the failing one included. Failed is nil when every step passed.
type Trace struct {
	Checks  []CheckResult
	Metrics map[string]float64
	Failed  *Outcome
}

func (p Pipeline[T]) Run(in T) Trace {
	tr := Trace{Metrics: map[string]float64{}}
	for _, s := range p.steps {
		out := s.Run(in)
		tr.Checks = append(tr.Checks, CheckResult{
			Name:     s.Name,
			Passed:   out.Passed,
			Value:    out.Obs.Value,
			Limit:    out.Obs.Limit,
			Severity: out.Severity,
			Message:  out.Reason.Text,
		})
		for k, v := range out.Obs.Metrics {
			tr.Metrics[k] = v
		}
		if !out.Passed {
			tr.Failed = &out
			return tr
		}
	}
	return tr
}
