package profile

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

var (
	now   = time.Now
	since = time.Since
)

var Default = New()

type Profiler struct {
	sync.Mutex
	counts         map[string]int64
	minDurations   map[string]time.Duration
	maxDurations   map[string]time.Duration
	totalDurations map[string]time.Duration
}

type scope struct {
	name     string
	begin    time.Time
	profiler *Profiler
}

func New() *Profiler {
	return &Profiler{
		counts:         make(map[string]int64),
		minDurations:   make(map[string]time.Duration),
		maxDurations:   make(map[string]time.Duration),
		totalDurations: make(map[string]time.Duration),
	}
}

func (p *Profiler) Profile(name string) *scope {
	return &scope{
		name:     name,
		begin:    now(),
		profiler: p,
	}
}

func (p *Profiler) Add(name string, d time.Duration) {
	p.Lock()
	defer p.Unlock()
	p.counts[name]++
	p.totalDurations[name] += d
	if val, ok := p.minDurations[name]; !ok || d < val {
		p.minDurations[name] = d
	}
	if val, ok := p.maxDurations[name]; !ok || d > val {
		p.maxDurations[name] = d
	}
}

func (p *Profiler) Reset() {
	p.Lock()
	defer p.Unlock()
	p.counts = make(map[string]int64)
	p.minDurations = make(map[string]time.Duration)
	p.maxDurations = make(map[string]time.Duration)
	p.totalDurations = make(map[string]time.Duration)
}

func (p *Profiler) WriteSummary(w io.Writer) {
	p.Lock()
	defer p.Unlock()
	var names []string
	for name := range p.counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return p.totalDurations[names[i]] > p.totalDurations[names[j]] })

	type record struct {
		count int64
		min   time.Duration
		max   time.Duration
		total time.Duration
		name  string

		mean time.Duration
	}

	var records []record
	for _, name := range names {
		cnt := p.counts[name]
		tot := p.totalDurations[name]
		mean := tot / time.Duration(cnt)
		records = append(records, record{
			name:  name,
			min:   p.minDurations[name],
			max:   p.maxDurations[name],
			total: tot,
			count: cnt,
			mean:  mean,
		})
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "count\tmean\tmin\tmax\ttotal\tcall site")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.count, r.mean, r.min, r.max, r.total, r.name)
	}
	tw.Flush()
}

func (s *scope) Done() {
	d := since(s.begin)
	s.profiler.Add(s.name, d)
}
