// Package placement ranks candidate workers for a job. Scoring is pure: it
// reads worker snapshots and never mutates anything.
package placement

import (
	"math"
	"sort"

	"github.com/gaspardpetit/edgepool/internal/registry"
)

const (
	// DefaultBytesPerGPULayer is the accelerator memory assumed per offloaded layer.
	DefaultBytesPerGPULayer uint64 = 100 << 20
	// DefaultBytesPerContextToken estimates host memory from a context size.
	DefaultBytesPerContextToken uint64 = 2
	DefaultEpsilon                     = 1e-6
	DefaultPriorityWeight              = 1e-6
)

// Requirements are the resources a job needs. Zero means unspecified.
type Requirements struct {
	Threads     int    `json:"threads,omitempty" yaml:"threads"`
	MemoryBytes uint64 `json:"memory_bytes,omitempty" yaml:"memory_bytes"`
	// AcceleratorBytes overrides the estimate derived from GPULayers.
	AcceleratorBytes uint64 `json:"accelerator_bytes,omitempty" yaml:"accelerator_bytes"`
	GPULayers        int    `json:"gpu_layers,omitempty" yaml:"gpu_layers"`
	ContextSize      int    `json:"context_size,omitempty" yaml:"context_size"`
}

// FitMode controls how per-dimension fits combine.
type FitMode int

const (
	// StrictFit zeroes the capability score when any dimension falls short.
	StrictFit FitMode = iota
	// ProportionalFit multiplies the raw fit ratios.
	ProportionalFit
)

// ParseFitMode maps "strict" and "proportional" to a FitMode.
func ParseFitMode(s string) (FitMode, bool) {
	switch s {
	case "", "strict":
		return StrictFit, true
	case "proportional":
		return ProportionalFit, true
	}
	return StrictFit, false
}

func (m FitMode) String() string {
	if m == ProportionalFit {
		return "proportional"
	}
	return "strict"
}

// Scorer computes placement scores. The zero value uses strict fit and the
// package defaults.
type Scorer struct {
	Mode                 FitMode
	BytesPerGPULayer     uint64
	BytesPerContextToken uint64
	PriorityWeight       float64
	Epsilon              float64
}

// NewScorer returns a Scorer with every default filled in.
func NewScorer() *Scorer {
	return &Scorer{
		Mode:                 StrictFit,
		BytesPerGPULayer:     DefaultBytesPerGPULayer,
		BytesPerContextToken: DefaultBytesPerContextToken,
		PriorityWeight:       DefaultPriorityWeight,
		Epsilon:              DefaultEpsilon,
	}
}

// Needs resolves the concrete per-dimension demand of req.
func (s *Scorer) Needs(req Requirements) (memory, accelerator uint64, threads int) {
	memory = req.MemoryBytes
	if memory == 0 && req.ContextSize > 0 {
		memory = uint64(req.ContextSize) * orDefault(s.BytesPerContextToken, DefaultBytesPerContextToken)
	}
	accelerator = req.AcceleratorBytes
	if accelerator == 0 && req.GPULayers > 0 {
		accelerator = uint64(req.GPULayers) * orDefault(s.BytesPerGPULayer, DefaultBytesPerGPULayer)
	}
	return memory, accelerator, req.Threads
}

// Fit returns the capability fit of w for req in [0,1], before the load penalty.
func (s *Scorer) Fit(w registry.Worker, req Requirements) float64 {
	mem, acc, threads := s.Needs(req)
	fits := [3]float64{
		ratio(float64(w.Capabilities.TotalMemory), float64(mem)),
		ratio(float64(w.Capabilities.AcceleratorMemory), float64(acc)),
		ratio(float64(w.Capabilities.CPUCores), float64(threads)),
	}
	product := 1.0
	for _, f := range fits {
		if s.Mode == StrictFit && f < 1 {
			return 0
		}
		product *= f
	}
	return product
}

// Score is the capability fit scaled by the worker's headroom. Higher is better.
func (s *Scorer) Score(w registry.Worker, req Requirements) float64 {
	load := w.Load
	if math.IsNaN(load) {
		load = 1
	}
	return s.Fit(w, req) * (1 - clamp01(load))
}

// Ranked is a scored candidate.
type Ranked struct {
	Worker registry.Worker
	Score  float64
	// Rank is Score plus the priority bonus; candidates are ordered by it.
	Rank float64
}

// Rank orders candidates best first. Candidates whose rank is within Epsilon
// of the best one form a near-tie group ordered by lower load, then by worker
// id. The rest follow by rank.
func (s *Scorer) Rank(candidates []registry.Worker, req Requirements, priority float64) []Ranked {
	eps := s.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	if math.IsNaN(priority) || priority < 0 {
		priority = 0
	}
	out := make([]Ranked, 0, len(candidates))
	for _, w := range candidates {
		sc := s.Score(w, req)
		r := sc
		if sc > 0 {
			r += s.PriorityWeight * priority * (1 - clamp01(w.Load))
		}
		out = append(out, Ranked{Worker: w, Score: sc, Rank: r})
	}
	order(out, eps)
	return out
}

// order sorts rs by rank and then reorders the leading near-tie group.
func order(rs []Ranked, eps float64) {
	byLoad := func(a, b Ranked) bool {
		if a.Worker.Load != b.Worker.Load {
			return a.Worker.Load < b.Worker.Load
		}
		return a.Worker.ID < b.Worker.ID
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Rank != rs[j].Rank {
			return rs[i].Rank > rs[j].Rank
		}
		return byLoad(rs[i], rs[j])
	})
	if len(rs) == 0 {
		return
	}
	n := 1
	for n < len(rs) && rs[0].Rank-rs[n].Rank <= eps {
		n++
	}
	top := rs[:n]
	sort.Slice(top, func(i, j int) bool { return byLoad(top[i], top[j]) })
}

// Pick returns the best candidate. ok is false only when there are no candidates.
func (s *Scorer) Pick(candidates []registry.Worker, req Requirements, priority float64) (Ranked, bool) {
	ranked := s.Rank(candidates, req, priority)
	if len(ranked) == 0 {
		return Ranked{}, false
	}
	return ranked[0], true
}

func ratio(available, required float64) float64 {
	if required <= 0 {
		return 1
	}
	if available <= 0 {
		return 0
	}
	return math.Min(1, available/required)
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

func orDefault(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}
