package metrics

import (
	"sort"
	"sync"
	"time"
)

// StageTimer tracks wall-clock statistics per named training stage (decode,
// assign, backward, update). Thread-safe; cell workers report concurrently.
type StageTimer struct {
	mu     sync.Mutex
	stages map[string]*stageStats
}

type stageStats struct {
	total time.Duration
	min   time.Duration
	max   time.Duration
	count int64
}

// NewStageTimer creates an empty timer.
func NewStageTimer() *StageTimer {
	return &StageTimer{stages: make(map[string]*stageStats)}
}

// Start begins timing a stage and returns the function that records the
// elapsed time.
//
// @example
// done := timer.Start("decode")
// defer done()
func (st *StageTimer) Start(name string) func() {
	begin := time.Now()
	return func() {
		st.record(name, time.Since(begin))
	}
}

func (st *StageTimer) record(name string, d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.stages[name]
	if !ok {
		s = &stageStats{min: d, max: d}
		st.stages[name] = s
	}
	s.total += d
	s.count++
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

// StageReport is the aggregated timing of one stage.
type StageReport struct {
	Name  string
	Count int64
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Report returns per-stage statistics sorted by name.
func (st *StageTimer) Report() []StageReport {
	st.mu.Lock()
	defer st.mu.Unlock()

	reports := make([]StageReport, 0, len(st.stages))
	for name, s := range st.stages {
		reports = append(reports, StageReport{
			Name:  name,
			Count: s.count,
			Avg:   s.total / time.Duration(s.count),
			Min:   s.min,
			Max:   s.max,
		})
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return reports
}
