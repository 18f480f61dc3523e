package stats

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Stage string

const (
	StageSource  Stage = "source"
	StageParse   Stage = "parse"
	StageFilter  Stage = "filter"
	StageClean   Stage = "clean"
	StageAnalyze Stage = "analyze"
	StagePersist Stage = "persist"
)

type EventType string

const (
	EventTypeScanned  EventType = "scanned"
	EventTypeFiltered EventType = "filtered"
	EventTypeCacheHit EventType = "cache_hit"
	EventTypeAnalyzed EventType = "analyzed"
	EventTypeRecorded EventType = "recorded"
	EventTypeError    EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	Index     int
	MessageID string
	Subject   string
	Tag       string
	Alert     bool
	Err       error
	Detail    string
}

// Observer receives events synchronously, in pipeline order.
type Observer interface {
	Observe(evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(evt Event)

func (f ObserverFunc) Observe(evt Event) { f(evt) }

// Multi fans an event out to every non-nil observer.
type Multi []Observer

func (m Multi) Observe(evt Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(evt)
		}
	}
}

type Summary struct {
	Scanned   int
	Filtered  int
	Cached    int
	Analyzed  int
	Recorded  int
	Alerts    int
	Errors    int
	LastError error
	Tags      map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"analyzed", s.Analyzed,
		"cached", s.Cached,
		"recorded", s.Recorded,
		"alerts", s.Alerts,
		"errors", s.Errors,
	}
	if len(s.Tags) > 0 {
		attrs = append(attrs, "tags", FormatCounts(Top(s.Tags, 0)))
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Tags: make(map[string]int)}}
}

func (c *Collector) Observe(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeCacheHit:
		c.summary.Cached++
	case EventTypeAnalyzed:
		c.summary.Analyzed++
	case EventTypeRecorded:
		c.summary.Recorded++
		if evt.Tag != "" {
			c.summary.Tags[evt.Tag]++
		}
		if evt.Alert {
			c.summary.Alerts++
		}
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.Tags = make(map[string]int, len(c.summary.Tags))
	for k, v := range c.summary.Tags {
		summary.Tags[k] = v
	}
	return summary
}

// Log writes the run summary with its duration.
func (c *Collector) Log(logger *slog.Logger, started time.Time, runErr error) {
	if logger == nil {
		return
	}
	attrs := append(c.Snapshot().LogAttrs(), "duration", time.Since(started))
	if runErr != nil {
		logger.Warn("stats summary", append(attrs, "err", runErr)...)
		return
	}
	logger.Info("stats summary", attrs...)
}

// Count is a key with its number of occurrences.
type Count struct {
	Key   string
	Value int
}

// Top returns the limit most frequent keys, ties broken by key. A limit of
// zero or less returns all keys.
func Top(m map[string]int, limit int) []Count {
	pairs := make([]Count, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Count{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs
}

// FormatCounts renders counts as "a=3,b=1".
func FormatCounts(counts []Count) string {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, c.Key+"="+strconv.Itoa(c.Value))
	}
	return strings.Join(parts, ",")
}
