package smarterdoc

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// QueryProfile records one collection operation.
type QueryProfile struct {
	Op           string // "find", "get", "count", "delete"
	Collection   string
	StartTime    time.Time
	Duration     time.Duration
	FilterFields []string
	FullScan     bool // filter does not pin _id
	ResultCount  int
	Error        error
}

// QueryProfiler collects profiles of collection reads. Attach one to a
// context with WithProfiler; operations run under that context record into it.
type QueryProfiler struct {
	mu                 sync.RWMutex
	profiles           []QueryProfile
	slowQueryThreshold time.Duration
	enabled            bool
}

// NewQueryProfiler creates an enabled profiler with a 100ms slow threshold.
func NewQueryProfiler() *QueryProfiler {
	return &QueryProfiler{
		slowQueryThreshold: 100 * time.Millisecond,
		enabled:            true,
	}
}

func (p *QueryProfiler) SetSlowQueryThreshold(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slowQueryThreshold = d
}

func (p *QueryProfiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// StartProfile begins a profile, or returns nil when p is nil or disabled.
// All QueryProfile methods accept a nil receiver.
func (p *QueryProfiler) StartProfile(op, collection string, filter Filter) *QueryProfile {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	enabled := p.enabled
	p.mu.RUnlock()
	if !enabled {
		return nil
	}

	prof := &QueryProfile{
		Op:         op,
		Collection: collection,
		StartTime:  time.Now(),
		FullScan:   true,
	}
	for k := range filter {
		prof.FilterFields = append(prof.FilterFields, k)
		if k == IDKey {
			prof.FullScan = false
		}
	}
	sort.Strings(prof.FilterFields)
	return prof
}

// Record stores a finished profile.
func (p *QueryProfiler) Record(profile *QueryProfile, count int, err error) {
	if p == nil || profile == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return
	}
	profile.Duration = time.Since(profile.StartTime)
	profile.ResultCount = count
	profile.Error = err
	p.profiles = append(p.profiles, *profile)
}

// GetProfiles returns a copy of the recorded profiles.
func (p *QueryProfiler) GetProfiles() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]QueryProfile, len(p.profiles))
	copy(result, p.profiles)
	return result
}

// GetSlowQueries returns profiles slower than the threshold.
func (p *QueryProfiler) GetSlowQueries() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var slow []QueryProfile
	for _, profile := range p.profiles {
		if profile.Duration > p.slowQueryThreshold {
			slow = append(slow, profile)
		}
	}
	return slow
}

// GetFullScans returns profiles whose filter did not pin an id.
func (p *QueryProfiler) GetFullScans() []QueryProfile {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var scans []QueryProfile
	for _, profile := range p.profiles {
		if profile.FullScan {
			scans = append(scans, profile)
		}
	}
	return scans
}

// Drain returns the recorded profiles and clears them.
func (p *QueryProfiler) Drain() []QueryProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.profiles
	p.profiles = nil
	return out
}

func (p *QueryProfiler) Clear() {
	p.Drain()
}

// ProfileSummary aggregates recorded profiles.
type ProfileSummary struct {
	TotalQueries    int
	SlowQueries     int
	FullScans       int
	Errors          int
	AverageDuration time.Duration
	P50Duration     time.Duration
	P95Duration     time.Duration
	P99Duration     time.Duration
	ByCollection    map[string]CollectionStats
}

type CollectionStats struct {
	Count           int
	TotalDuration   time.Duration
	AverageDuration time.Duration
	MaxDuration     time.Duration
	MinDuration     time.Duration
	FullScans       int
}

// GetSummary computes statistics over all recorded profiles.
func (p *QueryProfiler) GetSummary() ProfileSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	summary := ProfileSummary{
		TotalQueries: len(p.profiles),
		ByCollection: make(map[string]CollectionStats),
	}
	if len(p.profiles) == 0 {
		return summary
	}

	var total time.Duration
	durations := make([]time.Duration, 0, len(p.profiles))
	for _, profile := range p.profiles {
		total += profile.Duration
		durations = append(durations, profile.Duration)

		if profile.Duration > p.slowQueryThreshold {
			summary.SlowQueries++
		}
		if profile.FullScan {
			summary.FullScans++
		}
		if profile.Error != nil {
			summary.Errors++
		}

		stats := summary.ByCollection[profile.Collection]
		stats.Count++
		stats.TotalDuration += profile.Duration
		if stats.Count == 1 || profile.Duration > stats.MaxDuration {
			stats.MaxDuration = profile.Duration
		}
		if stats.Count == 1 || profile.Duration < stats.MinDuration {
			stats.MinDuration = profile.Duration
		}
		if profile.FullScan {
			stats.FullScans++
		}
		summary.ByCollection[profile.Collection] = stats
	}

	summary.AverageDuration = total / time.Duration(len(p.profiles))
	for name, stats := range summary.ByCollection {
		stats.AverageDuration = stats.TotalDuration / time.Duration(stats.Count)
		summary.ByCollection[name] = stats
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	summary.P50Duration = durations[len(durations)*50/100]
	summary.P95Duration = durations[len(durations)*95/100]
	summary.P99Duration = durations[len(durations)*99/100]
	return summary
}

// PrintSummary writes a human-readable summary to w.
func (p *QueryProfiler) PrintSummary(w io.Writer) {
	summary := p.GetSummary()
	if summary.TotalQueries == 0 {
		fmt.Fprintln(w, "no queries recorded")
		return
	}
	pct := func(n int) float64 { return float64(n) * 100 / float64(summary.TotalQueries) }

	fmt.Fprintln(w, "=== Query Summary ===")
	fmt.Fprintf(w, "Total:       %d\n", summary.TotalQueries)
	fmt.Fprintf(w, "Slow:        %d (%.1f%%)\n", summary.SlowQueries, pct(summary.SlowQueries))
	fmt.Fprintf(w, "Full scans:  %d (%.1f%%)\n", summary.FullScans, pct(summary.FullScans))
	fmt.Fprintf(w, "Errors:      %d\n", summary.Errors)
	fmt.Fprintf(w, "Avg %v  P50 %v  P95 %v  P99 %v\n",
		summary.AverageDuration, summary.P50Duration, summary.P95Duration, summary.P99Duration)

	names := make([]string, 0, len(summary.ByCollection))
	for name := range summary.ByCollection {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return summary.ByCollection[names[i]].AverageDuration > summary.ByCollection[names[j]].AverageDuration
	})
	for _, name := range names {
		s := summary.ByCollection[name]
		fmt.Fprintf(w, "%-30s count=%4d avg=%8v max=%8v scans=%3d\n",
			name, s.Count, s.AverageDuration, s.MaxDuration, s.FullScans)
	}
}

type profilerKey struct{}

// WithProfiler attaches a profiler to the context.
func WithProfiler(ctx context.Context, profiler *QueryProfiler) context.Context {
	return context.WithValue(ctx, profilerKey{}, profiler)
}

// ProfilerFromContext returns the profiler attached to ctx, or nil.
func ProfilerFromContext(ctx context.Context) *QueryProfiler {
	p, _ := ctx.Value(profilerKey{}).(*QueryProfiler)
	return p
}
