// Package crawler implements the rate-limited, checkpointed traversal of a
// storage server's 1024 prefix-sharded share directories: a bounded slice
// of work runs between sleeps sized to hold wall-clock CPU usage near a
// configured percentage, with every bucket, prefix, and cycle boundary
// checkpointed atomically so a killed crawler resumes without re-scanning
// completed work.
package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gridstore/gridstore/log"
	"github.com/gridstore/gridstore/metrics"
)

// Prefixes is the fixed, process-wide, sorted list of 1024 two-character
// base32 prefix-directory names, one per value of the top 10 bits of a
// 16-bit field.
var Prefixes []string

const base32Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func init() {
	Prefixes = make([]string, 1024)
	for i := 0; i < 1024; i++ {
		v := uint16(i) << 6
		c0 := base32Alphabet[(v>>11)&0x1F]
		c1 := base32Alphabet[(v>>6)&0x1F]
		Prefixes[i] = string([]byte{c0, c1})
	}
	sort.Strings(Prefixes)
}

// Phase is one of the crawler's state-machine states.
type Phase uint32

const (
	Stopped Phase = iota
	Working
	SleepingInCycle
	SleepingBetweenCycles
)

// PhaseName returns a human-readable name for a Phase.
func PhaseName(p Phase) string {
	names := [...]string{"stopped", "working", "sleeping_in_cycle", "sleeping_between_cycles"}
	if int(p) < len(names) {
		return names[p]
	}
	return fmt.Sprintf("unknown(%d)", p)
}

// BucketLister lists the bucket (storage-index) directory names present
// under one prefix directory. Filesystem errors are the caller's to
// report; the Crawler itself treats a non-nil error as an empty listing,
// matching the traversal's "never stall on a bad directory" policy.
type BucketLister interface {
	ListBuckets(prefix string) ([]string, error)
}

// ProcessBucketFunc is invoked once per bucket, in (prefix, bucket)
// lexicographic order within a cycle.
type ProcessBucketFunc func(cycle uint64, prefix, bucket string) error

// FinishedCycleFunc is invoked once a full cycle completes.
type FinishedCycleFunc func(cycle uint64)

// Config tunes the crawler's rate limiting and persistence.
type Config struct {
	AllowedCPUPercentage float64
	CPUSlice             time.Duration
	MinimumCycleTime     time.Duration
	StatePath            string
}

// persistedState is the on-disk statefile schema (§6): version 1 plus the
// resumption bookkeeping. Pointer fields distinguish "unset" from zero.
type persistedState struct {
	Version            int     `json:"version"`
	LastCycleFinished  *uint64 `json:"last-cycle-finished"`
	CurrentCycle       *uint64 `json:"current-cycle"`
	LastCompletePrefix *string `json:"last-complete-prefix"`
	LastCompleteBucket *string `json:"last-complete-bucket"`
}

// Progress reports cumulative bucket counts and an estimated completion
// percentage for the in-progress cycle, extrapolated from the previous
// cycle's total bucket count (0 on a crawler's first-ever cycle).
type Progress struct {
	BucketsThisCycle uint64
	BucketsAllTime   uint64
	PercentComplete  float64
}

// SliceResult is returned by RunSlice: whether the cycle just completed,
// and how long the caller should sleep before the next slice.
type SliceResult struct {
	CycleCompleted bool
	Sleep          time.Duration
}

// StateSnapshot is a shallow copy of persisted state plus live scheduling
// fields, as returned by GetState.
type StateSnapshot struct {
	Version            int
	LastCycleFinished  *uint64
	CurrentCycle       *uint64
	LastCompletePrefix *string
	LastCompleteBucket *string
	CurrentSleepTime   *time.Duration
	NextWakeTime       *time.Time
}

// Crawler traverses Prefixes once per cycle, invoking processBucket for
// every bucket found, checkpointing after every bucket/prefix/cycle.
type Crawler struct {
	cfg           Config
	lister        BucketLister
	processBucket ProcessBucketFunc
	finishedCycle FinishedCycleFunc
	log           *log.Logger
	clock         func() time.Time

	mu    sync.Mutex
	state persistedState

	bucketsThisCycle  uint64
	bucketsAllTime    uint64
	priorCycleBuckets uint64

	prefixIndex     int
	cachedPrefixIdx int
	cachedBuckets   []string
	cachedPos       int

	phase        atomic.Uint32
	currentSleep *time.Duration
	nextWake     *time.Time

	// cpuGauge mirrors cfg.AllowedCPUPercentage for observability only
	// (e.g. a process exposing it alongside Progress); the clamp formula
	// in computeSleep is the actual scheduling decision.
	cpuGauge *rate.Limiter

	// cpuTracker samples this process's actual CPU usage once per slice so
	// CPUUsagePercent can report how the configured target compares to
	// reality.
	cpuTracker *metrics.CPUTracker
	// bucketMeter tracks the rate of buckets delivered to processBucket.
	bucketMeter *metrics.Meter
}

// New creates a Crawler, loading any existing statefile at cfg.StatePath
// (defaulting to cycle 0 if absent) and resuming from its checkpoint.
func New(cfg Config, lister BucketLister, processBucket ProcessBucketFunc, finishedCycle FinishedCycleFunc) (*Crawler, error) {
	state, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	c := &Crawler{
		cfg:           cfg,
		lister:        lister,
		processBucket: processBucket,
		finishedCycle: finishedCycle,
		log:           log.Default().Module("crawler"),
		clock:         time.Now,
		state:         state,
		cpuGauge:      rate.NewLimiter(rate.Limit(cfg.AllowedCPUPercentage), 1),
		cpuTracker:    metrics.NewCPUTracker(),
		bucketMeter:   metrics.NewMeter(),
	}
	c.phase.Store(uint32(Stopped))

	if state.LastCompletePrefix != nil {
		c.prefixIndex = prefixIndexOf(*state.LastCompletePrefix) + 1
	}
	c.cachedPrefixIdx = -1
	return c, nil
}

func prefixIndexOf(prefix string) int {
	i := sort.SearchStrings(Prefixes, prefix)
	if i < len(Prefixes) && Prefixes[i] == prefix {
		return i
	}
	return -1
}

func loadState(path string) (persistedState, error) {
	if path == "" {
		return persistedState{Version: 1}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return persistedState{Version: 1}, nil
		}
		return persistedState{}, fmt.Errorf("crawler: read statefile: %w", err)
	}
	var s persistedState
	if err := json.Unmarshal(data, &s); err != nil {
		return persistedState{}, fmt.Errorf("crawler: decode statefile: %w", err)
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return s, nil
}

func (c *Crawler) checkpoint() error {
	if c.cfg.StatePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("crawler: encode statefile: %w", err)
	}
	tmp := c.cfg.StatePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("crawler: write statefile: %w", err)
	}
	if err := os.Rename(tmp, c.cfg.StatePath); err != nil {
		return fmt.Errorf("crawler: commit statefile: %w", err)
	}
	return nil
}

// computeSleep implements the spec's rate-limiting clamp:
// sleep = clamp(work/allowed_cpu_percentage - work, 0, 299) seconds.
func computeSleep(work time.Duration, allowedCPUPercentage float64) time.Duration {
	w := work.Seconds()
	raw := w/allowedCPUPercentage - w
	if raw < 0 {
		raw = 0
	}
	if raw > 299 {
		raw = 299
	}
	return time.Duration(raw * float64(time.Second))
}

// RunSlice runs one bounded slice of work: it processes buckets until
// either the current cycle completes or CPUSlice wall-time has elapsed,
// checkpointing after every bucket, prefix, and cycle boundary.
func (c *Crawler) RunSlice(ctx context.Context) (SliceResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t0 := c.clock()

	if c.state.CurrentCycle == nil {
		var next uint64
		if c.state.LastCycleFinished != nil {
			next = *c.state.LastCycleFinished + 1
		}
		c.state.CurrentCycle = &next
		c.bucketsThisCycle = 0
		c.prefixIndex = 0
		c.cachedPrefixIdx = -1
	}

	for {
		if err := ctx.Err(); err != nil {
			return SliceResult{}, err
		}

		if c.prefixIndex >= len(Prefixes) {
			finished := *c.state.CurrentCycle
			c.priorCycleBuckets = c.bucketsThisCycle
			c.state.LastCycleFinished = &finished
			c.state.CurrentCycle = nil
			c.state.LastCompletePrefix = nil
			c.state.LastCompleteBucket = nil
			c.prefixIndex = 0
			c.cachedPrefixIdx = -1
			if err := c.checkpoint(); err != nil {
				return SliceResult{}, err
			}
			metrics.CyclesCompleted.Inc()
			if c.finishedCycle != nil {
				c.finishedCycle(finished)
			}

			work := c.clock().Sub(t0)
			c.cpuTracker.RecordCPU()
			metrics.SliceWorkTime.Observe(float64(work.Milliseconds()))
			sleep := computeSleep(work, c.cfg.AllowedCPUPercentage)
			if sleep < c.cfg.MinimumCycleTime {
				sleep = c.cfg.MinimumCycleTime
			}
			metrics.SleepDuration.Set(sleep.Milliseconds())
			return SliceResult{CycleCompleted: true, Sleep: sleep}, nil
		}

		if c.cachedPrefixIdx != c.prefixIndex {
			prefix := Prefixes[c.prefixIndex]
			buckets, err := c.lister.ListBuckets(prefix)
			if err != nil {
				c.log.Warn("list_directory failed, treating as empty", "prefix", prefix, "err", err)
				buckets = nil
			}
			sorted := append([]string(nil), buckets...)
			sort.Strings(sorted)

			pos := 0
			if c.state.LastCompleteBucket != nil {
				for pos < len(sorted) && sorted[pos] <= *c.state.LastCompleteBucket {
					pos++
				}
			}

			c.cachedBuckets = sorted
			c.cachedPrefixIdx = c.prefixIndex
			c.cachedPos = pos
		}

		if c.cachedPos >= len(c.cachedBuckets) {
			prefix := Prefixes[c.prefixIndex]
			c.state.LastCompletePrefix = &prefix
			c.state.LastCompleteBucket = nil
			c.prefixIndex++
			c.cachedPrefixIdx = -1
			if err := c.checkpoint(); err != nil {
				return SliceResult{}, err
			}
			metrics.PrefixesCompleted.Inc()
			continue
		}

		prefix := Prefixes[c.prefixIndex]
		bucket := c.cachedBuckets[c.cachedPos]
		if err := c.processBucket(*c.state.CurrentCycle, prefix, bucket); err != nil {
			return SliceResult{}, fmt.Errorf("crawler: process_bucket(%s, %s): %w", prefix, bucket, err)
		}
		c.bucketsThisCycle++
		c.bucketsAllTime++
		c.cachedPos++
		b := bucket
		c.state.LastCompleteBucket = &b
		if err := c.checkpoint(); err != nil {
			return SliceResult{}, err
		}
		metrics.BucketsVisited.Inc()
		c.bucketMeter.Mark(1)

		if work := c.clock().Sub(t0); work >= c.cfg.CPUSlice {
			metrics.TimeSlicesExceeded.Inc()
			c.cpuTracker.RecordCPU()
			metrics.SliceWorkTime.Observe(float64(work.Milliseconds()))
			sleep := computeSleep(work, c.cfg.AllowedCPUPercentage)
			metrics.SleepDuration.Set(sleep.Milliseconds())
			return SliceResult{CycleCompleted: false, Sleep: sleep}, nil
		}
	}
}

// Run drives the crawler's state machine until ctx is cancelled, calling
// RunSlice repeatedly and sleeping the returned duration between slices.
// Cancelling ctx is the crawler's "stop": an in-flight slice returns at its
// next bucket or prefix boundary (everything finished so far is already
// checkpointed), and Run returns ctx's error.
func (c *Crawler) Run(ctx context.Context) error {
	c.phase.Store(uint32(Working))
	defer c.phase.Store(uint32(Stopped))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := c.RunSlice(ctx)
		if err != nil {
			return err
		}

		phase := SleepingInCycle
		if result.CycleCompleted {
			phase = SleepingBetweenCycles
		}
		c.phase.Store(uint32(phase))
		c.setSleepWindow(result.Sleep)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(result.Sleep):
		}

		c.clearSleepWindow()
		c.phase.Store(uint32(Working))
	}
}

func (c *Crawler) setSleepWindow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sleep := d
	wake := c.clock().Add(d)
	c.currentSleep = &sleep
	c.nextWake = &wake
}

func (c *Crawler) clearSleepWindow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentSleep = nil
	c.nextWake = nil
}

// Phase returns the crawler's current state-machine phase.
func (c *Crawler) Phase() Phase {
	return Phase(c.phase.Load())
}

// GetState returns a shallow copy of the persisted state plus the current
// sleep window (both nil while actively working).
func (c *Crawler) GetState() StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StateSnapshot{
		Version:            c.state.Version,
		LastCycleFinished:  c.state.LastCycleFinished,
		CurrentCycle:       c.state.CurrentCycle,
		LastCompletePrefix: c.state.LastCompletePrefix,
		LastCompleteBucket: c.state.LastCompleteBucket,
		CurrentSleepTime:   c.currentSleep,
		NextWakeTime:       c.nextWake,
	}
}

// AllowedCPURate exposes the configured CPU-usage target as a
// golang.org/x/time/rate.Limit, for processes that want to report it
// alongside Progress; it plays no part in the scheduling decision itself.
func (c *Crawler) AllowedCPURate() rate.Limit {
	return c.cpuGauge.Limit()
}

// BucketRate returns the 1-minute exponentially weighted moving average of
// buckets delivered to processBucket, in buckets per second.
func (c *Crawler) BucketRate() float64 {
	return c.bucketMeter.Rate1()
}

// CPUUsagePercent returns this process's most recently sampled CPU
// utilization, as recorded after each slice boundary.
func (c *Crawler) CPUUsagePercent() float64 {
	return c.cpuTracker.Usage()
}

// Progress reports this cycle's and all-time bucket counts, plus an
// estimated completion percentage extrapolated from the prior cycle's
// total bucket count.
func (c *Crawler) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	pct := 0.0
	if c.priorCycleBuckets > 0 {
		pct = float64(c.bucketsThisCycle) / float64(c.priorCycleBuckets)
		if pct > 1 {
			pct = 1
		}
	}
	return Progress{
		BucketsThisCycle: c.bucketsThisCycle,
		BucketsAllTime:   c.bucketsAllTime,
		PercentComplete:  pct,
	}
}
