// Package analytics summarizes phase runs and pipeline events into delivery statistics.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// PhaseDuration holds agent run time stats for a phase.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// PhaseOutcome holds outcome counts for a phase. FirstPass is the share of
// first attempts that completed.
type PhaseOutcome struct {
	Phase     string  `json:"phase"`
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Errors    int     `json:"errors"`
	Skipped   int     `json:"skipped"`
	FirstPass float64 `json:"first_pass_pct"`
}

// RetryDist is the distribution of retry attempts a phase needed per story.
type RetryDist struct {
	Phase     string  `json:"phase"`
	Stories   int     `json:"stories"`
	Zero      float64 `json:"zero_retries_pct"`
	One       float64 `json:"one_retry_pct"`
	Two       float64 `json:"two_retries_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// Throughput holds pipeline counts for one ISO week. Failed counts rejected
// approvals and failed phases.
type Throughput struct {
	Period    string `json:"period"`
	Started   int    `json:"started"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
}

// Report bundles every statistic.
type Report struct {
	Durations  []PhaseDuration `json:"durations"`
	Outcomes   []PhaseOutcome  `json:"outcomes"`
	Retries    []RetryDist     `json:"retries"`
	Throughput []Throughput    `json:"throughput"`
}

// Build computes a report from runs and events recorded at or after since.
// A zero since includes everything.
func Build(runs []db.PhaseRun, events []db.PipelineEvent, since time.Time) *Report {
	if !since.IsZero() {
		runs = filterRuns(runs, since)
		events = filterEvents(events, since)
	}
	return &Report{
		Durations:  PhaseDurations(runs),
		Outcomes:   PhaseOutcomes(runs),
		Retries:    Retries(runs),
		Throughput: WeeklyThroughput(events),
	}
}

// PhaseDurations returns average and percentile run times per phase.
// Skipped phases never ran an agent and are left out.
func PhaseDurations(runs []db.PhaseRun) []PhaseDuration {
	byPhase := make(map[string][]float64)
	for _, r := range runs {
		if r.Outcome == "skipped" {
			continue
		}
		byPhase[r.Phase] = append(byPhase[r.Phase], float64(r.DurationMs)/1000)
	}

	results := make([]PhaseDuration, 0, len(byPhase))
	for phase, durations := range byPhase {
		sort.Float64s(durations)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return phaseLess(results[i].Phase, results[j].Phase)
	})
	return results
}

// PhaseOutcomes counts how phase runs ended.
func PhaseOutcomes(runs []db.PhaseRun) []PhaseOutcome {
	type counts struct {
		PhaseOutcome
		firstTries, firstPasses int
	}
	byPhase := make(map[string]*counts)
	for _, r := range runs {
		c, ok := byPhase[r.Phase]
		if !ok {
			c = &counts{PhaseOutcome: PhaseOutcome{Phase: r.Phase}}
			byPhase[r.Phase] = c
		}
		c.Total++
		switch r.Outcome {
		case "completed":
			c.Completed++
		case "failed":
			c.Failed++
		case "error":
			c.Errors++
		case "skipped":
			c.Skipped++
		}
		if r.Attempt == 0 && r.Outcome != "skipped" {
			c.firstTries++
			if r.Outcome == "completed" {
				c.firstPasses++
			}
		}
	}

	results := make([]PhaseOutcome, 0, len(byPhase))
	for _, c := range byPhase {
		c.FirstPass = pct(c.firstPasses, c.firstTries)
		results = append(results, c.PhaseOutcome)
	}
	sort.Slice(results, func(i, j int) bool {
		return phaseLess(results[i].Phase, results[j].Phase)
	})
	return results
}

// Retries returns, for each phase that ever ran, how many retry attempts each
// story needed in it. The attempt of a story's last run in a phase is its count.
func Retries(runs []db.PhaseRun) []RetryDist {
	type key struct{ story, phase string }
	last := make(map[key]int)
	for _, r := range runs {
		if r.Outcome == "skipped" {
			continue
		}
		k := key{r.StoryID, r.Phase}
		if a, ok := last[k]; !ok || r.Attempt > a {
			last[k] = r.Attempt
		}
	}

	type roundCount struct {
		zero, one, two, threePlus, total int
	}
	byPhase := make(map[string]*roundCount)
	for k, attempts := range last {
		rc, ok := byPhase[k.phase]
		if !ok {
			rc = &roundCount{}
			byPhase[k.phase] = rc
		}
		rc.total++
		switch {
		case attempts == 0:
			rc.zero++
		case attempts == 1:
			rc.one++
		case attempts == 2:
			rc.two++
		default:
			rc.threePlus++
		}
	}

	results := make([]RetryDist, 0, len(byPhase))
	for phase, rc := range byPhase {
		results = append(results, RetryDist{
			Phase:     phase,
			Stories:   rc.total,
			Zero:      pct(rc.zero, rc.total),
			One:       pct(rc.one, rc.total),
			Two:       pct(rc.two, rc.total),
			ThreePlus: pct(rc.threePlus, rc.total),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return phaseLess(results[i].Phase, results[j].Phase)
	})
	return results
}

// WeeklyThroughput groups pipeline starts and outcomes by ISO week, newest
// first, keeping at most ten weeks.
func WeeklyThroughput(events []db.PipelineEvent) []Throughput {
	byWeek := make(map[string]*Throughput)
	for _, e := range events {
		var field *int
		t, ok := byWeek[period(e.Timestamp)]
		if !ok {
			t = &Throughput{Period: period(e.Timestamp)}
		}
		switch e.Event {
		case db.EventStarted:
			field = &t.Started
		case db.EventCompleted:
			field = &t.Completed
		case db.EventRejected, db.EventPhaseFailed:
			field = &t.Failed
		case db.EventCancelled:
			field = &t.Cancelled
		default:
			continue
		}
		*field++
		byWeek[t.Period] = t
	}

	results := make([]Throughput, 0, len(byWeek))
	for _, t := range byWeek {
		results = append(results, *t)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results
}

func period(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func filterRuns(runs []db.PhaseRun, since time.Time) []db.PhaseRun {
	var out []db.PhaseRun
	for _, r := range runs {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func filterEvents(events []db.PipelineEvent, since time.Time) []db.PipelineEvent {
	var out []db.PipelineEvent
	for _, e := range events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// phaseLess orders by pipeline position; unknown names sort last by name.
func phaseLess(a, b string) bool {
	pa, errA := pipeline.ParsePhase(a)
	pb, errB := pipeline.ParsePhase(b)
	switch {
	case errA == nil && errB == nil:
		return pa < pb
	case errA == nil:
		return true
	case errB == nil:
		return false
	}
	return a < b
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
