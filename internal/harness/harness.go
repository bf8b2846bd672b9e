// Package harness wires every package in this module into a running
// evaluation: one goroutine per simulated CPU generating task arrivals and
// completions against its own runqueue, a migrator keeping load balanced
// across them, a checker validating invariants on a timer, and a
// measure.Set per tracked quantity flushed to out_<name> files when the
// run ends.
package harness

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pippolo84/practise/internal/affinity"
	"github.com/pippolo84/practise/internal/clock"
	"github.com/pippolo84/practise/internal/config"
	"github.com/pippolo84/practise/pkg/checker"
	"github.com/pippolo84/practise/pkg/cpumask"
	"github.com/pippolo84/practise/pkg/index"
	"github.com/pippolo84/practise/pkg/index/arrayheap"
	"github.com/pippolo84/practise/pkg/index/bmfcskiplist"
	"github.com/pippolo84/practise/pkg/index/fcskiplist"
	"github.com/pippolo84/practise/pkg/index/heapindex"
	"github.com/pippolo84/practise/pkg/index/skiplist"
	"github.com/pippolo84/practise/pkg/key"
	"github.com/pippolo84/practise/pkg/measure"
	"github.com/pippolo84/practise/pkg/metrics"
	"github.com/pippolo84/practise/pkg/migration"
	"github.com/pippolo84/practise/pkg/rootdomain"
	"github.com/pippolo84/practise/pkg/runqueue"
	"github.com/pippolo84/practise/pkg/task"
)

const (
	ringCapacity = 4096
	arrivalProb  = 0.7
)

// newIndex is the variant factory: it maps a config.IndexVariant to a
// concrete index.Index implementation, keeping the choice out of every
// other package - the five variants are otherwise interchangeable.
func newIndex(variant config.IndexVariant) index.Index {
	switch variant {
	case config.IndexArrayHeap:
		return arrayheap.New()
	case config.IndexSkipList:
		return skiplist.New()
	case config.IndexFCSkipList:
		return fcskiplist.New()
	case config.IndexBMFCSkipList:
		return bmfcskiplist.New()
	default:
		return heapindex.New()
	}
}

// World is the fully wired harness for a single run.
type World struct {
	cfg   *config.Config
	mode  key.Mode
	runID uuid.UUID

	rqs      []*runqueue.RQ
	pushIdx  index.Index
	pullIdx  index.Index
	domain   *rootdomain.Domain
	migrator *migration.Migrator
	checker  *checker.Checker
	metrics  *metrics.Metrics
	registry *prometheus.Registry

	findLatency *measure.Set
	lockWait    *measure.Set
	migrations  *measure.Set

	log   *logrus.Logger
	clk   *clock.Clock
	stop  chan struct{}
	errCh chan error
}

// New builds a World from cfg, allocating one runqueue per CPU and a fresh
// pair of global indexes of the configured variant.
func New(cfg *config.Config, log *logrus.Logger) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := key.ModeDeadline
	if cfg.SchedMode == config.SchedRT {
		mode = key.ModeRT
	}

	rqs := make([]*runqueue.RQ, cfg.NRCPUs)
	for i := range rqs {
		rqs[i] = runqueue.New(i, mode)
	}

	pushIdx := newIndex(cfg.Variant)
	pullIdx := newIndex(cfg.Variant)
	if err := pushIdx.Init(cfg.NRCPUs, key.LessFor(mode, key.OrientPush)); err != nil {
		return nil, fmt.Errorf("harness: push index init: %w", err)
	}
	if err := pullIdx.Init(cfg.NRCPUs, key.LessFor(mode, key.OrientPull)); err != nil {
		return nil, fmt.Errorf("harness: pull index init: %w", err)
	}

	var domain *rootdomain.Domain
	if mode == key.ModeRT {
		domain = rootdomain.New(cfg.NRCPUs)
	}

	migrator := migration.New(rqs, mode, pushIdx, pullIdx, domain, cfg.PushMaxTries, cfg.MigrationRetries)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("harness: creating output dir: %w", err)
	}
	errLog, err := os.Create(filepath.Join(cfg.OutputDir, "error_log.txt"))
	if err != nil {
		return nil, fmt.Errorf("harness: creating error_log.txt: %w", err)
	}
	chk := checker.New(rqs, mode, pushIdx, pullIdx, domain, errLog, cfg.ExitOnErrors)

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	w := &World{
		cfg:         cfg,
		mode:        mode,
		runID:       uuid.New(),
		rqs:         rqs,
		pushIdx:     pushIdx,
		pullIdx:     pullIdx,
		domain:      domain,
		migrator:    migrator,
		checker:     chk,
		metrics:     mtr,
		registry:    reg,
		findLatency: measure.NewSet("find_latency", cfg.NRCPUs, ringCapacity),
		lockWait:    measure.NewSet("lock_wait", cfg.NRCPUs, ringCapacity),
		migrations:  measure.NewSet("migrations", cfg.NRCPUs, ringCapacity),
		log:         log,
		clk:         clock.New(),
		stop:        make(chan struct{}),
		errCh:       make(chan error, cfg.NRCPUs+1),
	}

	migrator.SetProbes(migration.Probes{
		FindLatency: func(cpu int, orient key.Orientation, d time.Duration) {
			w.findLatency.Rings[cpu].Add(d)
			label := "push"
			if orient == key.OrientPull {
				label = "pull"
			}
			w.metrics.FindLatency.WithLabelValues(label).Observe(d.Seconds())
		},
		LockWait: func(cpu int, d time.Duration) {
			w.lockWait.Rings[cpu].Add(d)
		},
	})

	return w, nil
}

// startMetricsServer starts the optional Prometheus /metrics endpoint at
// cfg.MetricsListen, returning nil if no listen address was configured.
func (w *World) startMetricsServer() *http.Server {
	if w.cfg.MetricsListen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(w.registry))
	srv := &http.Server{Addr: w.cfg.MetricsListen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.log.WithError(err).Warn("metrics server stopped")
		}
	}()
	return srv
}

// randomKey produces a new task's scheduling key for the current simulated
// instant: an absolute deadline offset uniformly drawn from [DMin, DMax] in
// deadline mode, a uniformly chosen non-idle priority slot in RT mode.
func (w *World) randomKey(rng *rand.Rand, now time.Duration) uint64 {
	if w.mode == key.ModeRT {
		return uint64(1 + rng.Intn(key.RTMaxSlot))
	}
	span := int64(w.cfg.DMax - w.cfg.DMin)
	offset := w.cfg.DMin
	if span > 0 {
		offset += time.Duration(rng.Int63n(span))
	}
	return uint64(now + offset)
}

func (w *World) randomRuntime(rng *rand.Rand) time.Duration {
	span := int64(w.cfg.RuntimeMax - w.cfg.RuntimeMin)
	if span <= 0 {
		return w.cfg.RuntimeMin
	}
	return w.cfg.RuntimeMin + time.Duration(rng.Int63n(span))
}

// newTask fabricates one arrival for cpu: fresh id, mode-appropriate key,
// a remaining-runtime budget, and (RT) an unrestricted permitted-CPU mask.
func (w *World) newTask(rng *rand.Rand, now time.Duration) *task.Task {
	t := task.New(w.randomKey(rng, now))
	t.Runtime = w.randomRuntime(rng)
	if w.mode == key.ModeRT {
		t.CPUMask = cpumask.New(w.cfg.NRCPUs)
		t.CPUMask.SetAll()
	}
	return t
}

// runCPU is one simulated CPU's worker loop. Each cycle it charges the
// elapsed cycle against the running task's remaining runtime (completing
// it when the budget is spent), possibly generates a new arrival, then
// attempts a push if overloaded or a pull otherwise - all structural work
// under its runqueue lock, with the global indexes republished before the
// lock is released, then sleeps until the next absolute cycle deadline.
func (w *World) runCPU(cpu int, wg *sync.WaitGroup) {
	defer wg.Done()

	if w.cfg.PinCPUs {
		if err := affinity.PinCurrentThread(cpu % affinity.NumCPU()); err != nil {
			w.log.WithError(err).WithField("cpu", cpu).Warn("could not pin worker thread")
		}
		defer runtime.UnlockOSThread()
	}

	rng := rand.New(rand.NewSource(int64(cpu) + 1))
	rq := w.rqs[cpu]
	timer := time.NewTimer(w.cfg.CycleLen)
	defer timer.Stop()
	next := w.clk.Now()

	for cycle := 0; cycle < w.cfg.NCycles; cycle++ {
		next += w.cfg.CycleLen
		if wait := next - w.clk.Now(); wait > 0 {
			timer.Reset(wait)
			select {
			case <-w.stop:
				return
			case <-timer.C:
			}
		} else {
			select {
			case <-w.stop:
				return
			default:
			}
		}
		now := w.clk.Now()

		rq.Lock()
		if t := rq.PeekTask(); t != nil {
			t.Runtime -= w.cfg.CycleLen
			if t.Runtime <= 0 {
				if _, ok := rq.Take(); !ok {
					rq.Unlock()
					w.fatal(fmt.Errorf("harness: cpu %d: take from non-empty runqueue failed", cpu))
					return
				}
			}
		}
		if rng.Float64() < arrivalProb {
			rq.Add(w.newTask(rng, now))
		}
		w.migrator.Publish(cpu)
		overloaded := rq.Overloaded()
		rq.Unlock()

		if overloaded {
			pushStart := time.Now()
			outcome := "failed"
			if w.migrator.Push(cpu) {
				outcome = "ok"
				w.migrations.Rings[cpu].Add(time.Since(pushStart))
			}
			w.metrics.Pushes.WithLabelValues(outcome).Inc()
		} else {
			pullStart := time.Now()
			pulled := false
			if w.domain != nil {
				pulled = w.migrator.PullRT(cpu)
			} else {
				pulled = w.migrator.Pull(cpu)
			}
			outcome := "failed"
			if pulled {
				outcome = "ok"
				w.migrations.Rings[cpu].Add(time.Since(pullStart))
			}
			w.metrics.Pulls.WithLabelValues(outcome).Inc()
		}
	}

	// Departure: drain whatever is still queued, then detach from both
	// indexes so no later find() can ever name this CPU again.
	rq.Lock()
	for rq.Len() > 0 {
		rq.Take()
	}
	w.migrator.Publish(cpu)
	w.migrator.Detach(cpu)
	rq.Unlock()
}

// fatal records a fatal harness error and asks every worker to stop.
func (w *World) fatal(err error) {
	select {
	case w.errCh <- err:
	default:
	}
	w.Stop()
}

// Run executes the configured number of cycles on every simulated CPU
// concurrently, alongside the periodic invariant checker, until every CPU
// worker finishes or the checker reports a fatal invariant violation.
func (w *World) Run() error {
	w.log.WithFields(logrus.Fields{
		"run_id":   w.runID,
		"mode":     w.mode,
		"variant":  w.cfg.Variant,
		"nr_cpus":  w.cfg.NRCPUs,
		"n_cycles": w.cfg.NCycles,
	}).Info("starting run")

	if w.cfg.LockProcessMemory {
		if err := affinity.LockProcessMemory(); err != nil {
			w.log.WithError(err).Warn("could not lock process memory")
		}
	}
	if srv := w.startMetricsServer(); srv != nil {
		defer srv.Close()
	}

	var wg sync.WaitGroup
	for cpu := 0; cpu < w.cfg.NRCPUs; cpu++ {
		wg.Add(1)
		go w.runCPU(cpu, &wg)
	}

	checkerDone := make(chan struct{})
	go func() {
		defer close(checkerDone)
		if err := w.checker.RunLoop(w.cfg.CheckerInterval, w.stop); err != nil {
			w.fatal(err)
		}
	}()

	// wg.Wait is the symmetric end barrier: every worker has drained and
	// detached before anything below reads final state.
	wg.Wait()
	w.Stop()
	<-checkerDone
	w.metrics.CheckerRuns.Add(float64(w.checker.Runs()))
	w.metrics.CheckerErrors.Add(float64(w.checker.Errors()))

	var runErr error
	select {
	case runErr = <-w.errCh:
	default:
	}

	w.logSummary()
	if err := w.writeSummaryFile(); err != nil && runErr == nil {
		runErr = err
	}
	if err := w.flushMeasurements(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// summary is the YAML-serializable shape of a run's final report, the
// machine-readable counterpart of the end-of-run log line.
type summary struct {
	RunID         string `yaml:"run_id"`
	Mode          string `yaml:"mode"`
	Variant       string `yaml:"variant"`
	NRCPUs        int    `yaml:"nr_cpus"`
	NCycles       int    `yaml:"n_cycles"`
	CheckerRuns   uint64 `yaml:"checker_runs"`
	CheckerErrors uint64 `yaml:"checker_errors"`
	TasksPending  int    `yaml:"tasks_pending"`
}

func (w *World) pendingTasks() int {
	total := 0
	for _, rq := range w.rqs {
		rq.Lock()
		total += rq.Len()
		rq.Unlock()
	}
	return total
}

func (w *World) logSummary() {
	w.log.WithFields(logrus.Fields{
		"run_id":         w.runID,
		"checker_runs":   w.checker.Runs(),
		"checker_errors": w.checker.Errors(),
		"tasks_pending":  w.pendingTasks(),
	}).Info("run finished")
}

// writeSummaryFile writes summary.yaml next to the out_<name> files.
func (w *World) writeSummaryFile() error {
	s := summary{
		RunID:         w.runID.String(),
		Mode:          w.mode.String(),
		Variant:       string(w.cfg.Variant),
		NRCPUs:        w.cfg.NRCPUs,
		NCycles:       w.cfg.NCycles,
		CheckerRuns:   w.checker.Runs(),
		CheckerErrors: w.checker.Errors(),
		TasksPending:  w.pendingTasks(),
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("harness: marshaling summary: %w", err)
	}
	path := filepath.Join(w.cfg.OutputDir, "summary.yaml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("harness: writing %s: %w", path, err)
	}
	return nil
}

func (w *World) flushMeasurements() error {
	if !w.cfg.Measure {
		return nil
	}
	for _, set := range []*measure.Set{w.findLatency, w.lockWait, w.migrations} {
		f, err := os.Create(filepath.Join(w.cfg.OutputDir, "out_"+set.Name))
		if err != nil {
			return fmt.Errorf("harness: creating out_%s: %w", set.Name, err)
		}
		err = set.Dump(f)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("harness: writing out_%s: %w", set.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("harness: closing out_%s: %w", set.Name, closeErr)
		}
	}
	return nil
}

// DumpIndexes writes both global indexes' per-CPU views to out, the dump
// an interrupted run leaves behind before exiting.
func (w *World) DumpIndexes(out io.Writer) {
	dump := func(name string, ix index.Index) {
		fmt.Fprintf(out, "%s index:\n", name)
		for cpu, st := range ix.Snapshot() {
			if st.Present {
				fmt.Fprintf(out, "  cpu %d: key %d\n", cpu, st.Key)
			} else {
				fmt.Fprintf(out, "  cpu %d: absent\n", cpu)
			}
		}
	}
	dump("push", w.pushIdx)
	dump("pull", w.pullIdx)
}

// Stop asks a running World to wind down at the next opportunity.
func (w *World) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}
