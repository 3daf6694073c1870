package metrics

import (
	"sync"
	"sync/atomic"
)

// BasicProvider is a simple in-memory Provider, suitable for tests and
// lightweight applications. Instruments are created on demand by name and
// reused for the same name.
type BasicProvider struct {
	mu         sync.Mutex
	counters   map[string]*basicValue
	updowns    map[string]*basicValue
	histograms map[string]*BasicHistogram
}

// NewBasicProvider constructs a new BasicProvider.
func NewBasicProvider() *BasicProvider {
	return &BasicProvider{
		counters:   make(map[string]*basicValue),
		updowns:    make(map[string]*basicValue),
		histograms: make(map[string]*BasicHistogram),
	}
}

type basicValue struct {
	v int64
}

func (b *basicValue) Add(n int64)  { atomic.AddInt64(&b.v, n) }
func (b *basicValue) Value() int64 { return atomic.LoadInt64(&b.v) }

// BasicHistogram accumulates count and sum of recorded measurements.
type BasicHistogram struct {
	mu    sync.Mutex
	count int64
	sum   float64
}

func (h *BasicHistogram) Record(v float64) {
	h.mu.Lock()
	h.count++
	h.sum += v
	h.mu.Unlock()
}

// Count returns the number of recorded measurements.
func (h *BasicHistogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of recorded measurements.
func (h *BasicHistogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Counter returns the monotonic counter for name, creating it once.
func (p *BasicProvider) Counter(name string, _ ...InstrumentOption) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.counters[name]
	if !ok {
		c = &basicValue{}
		p.counters[name] = c
	}
	return c
}

// UpDownCounter returns the up/down counter for name, creating it once.
func (p *BasicProvider) UpDownCounter(name string, _ ...InstrumentOption) UpDownCounter {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.updowns[name]
	if !ok {
		u = &basicValue{}
		p.updowns[name] = u
	}
	return u
}

// Histogram returns the histogram for name, creating it once.
func (p *BasicProvider) Histogram(name string, _ ...InstrumentOption) Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.histograms[name]
	if !ok {
		h = &BasicHistogram{}
		p.histograms[name] = h
	}
	return h
}

// CounterValue reports the current value of the named counter (0 if absent).
func (p *BasicProvider) CounterValue(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c.Value()
	}
	return 0
}

// UpDownValue reports the current value of the named up/down counter.
func (p *BasicProvider) UpDownValue(name string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u, ok := p.updowns[name]; ok {
		return u.Value()
	}
	return 0
}

// HistogramStats reports count and sum for the named histogram.
func (p *BasicProvider) HistogramStats(name string) (count int64, sum float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h.Count(), h.Sum()
	}
	return 0, 0
}
