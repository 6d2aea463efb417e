package dandori

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hooks are instrumentation callbacks invoked around every system run, on
// the worker that runs it. Used for profiling and for verifying exclusion
// properties; both callbacks may be nil.
type Hooks struct {
	OnSystemStart func(id int, name string)
	OnSystemEnd   func(id int, name string, err error, d time.Duration)
}

// App owns a world, a system set and its execution graph, and drives ticks.
//
// A tick is a topological sweep of the graph: ready systems are dispatched
// onto the task runtime in system-id order, successors enter the ready set
// the moment their last predecessor resolves, and conflicting systems never
// overlap. Command buffers commit at stage barriers: around every exclusive
// system and when the tick quiesces.
type App struct {
	world      *World
	runtime    TaskRunner
	logger     *zap.Logger
	systems    []*SystemDescriptor
	graph      *systemGraph
	hooks      Hooks
	barrierSeq int
	hardStop   bool
}

// AppOption configures a new App.
type AppOption func(*App)

// WithLogger sets the structured logger; the default is a nop logger.
func WithLogger(l *zap.Logger) AppOption {
	return func(a *App) { a.logger = l }
}

// WithRuntime injects the task pool systems are dispatched onto.
func WithRuntime(r TaskRunner) AppOption {
	return func(a *App) { a.runtime = r }
}

// WithHooks installs instrumentation callbacks.
func WithHooks(h Hooks) AppOption {
	return func(a *App) { a.hooks = h }
}

// WithHardStop makes tick cancellation drop pending command buffers after
// in-flight systems complete, instead of applying them.
func WithHardStop() AppOption {
	return func(a *App) { a.hardStop = true }
}

// NewApp creates an app over the given world.
func NewApp(w *World, opts ...AppOption) *App {
	a := &App{
		world:   w,
		runtime: NewGoroutineRunner(0),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// World returns the app's world.
func (a *App) World() *World {
	return a.world
}

// SetRuntime replaces the task pool. Must not be called during a tick.
func (a *App) SetRuntime(r TaskRunner) {
	a.runtime = r
}

// AddSystem adds a system and rebuilds the execution graph. The system's id
// is its insertion position, which fixes the deterministic dispatch order.
// An ordering constraint that closes a loop fails with a CycleError and
// leaves the system set unchanged.
func (a *App) AddSystem(sd *SystemDescriptor) error {
	for _, s := range a.systems {
		if s.name == sd.name {
			return fmt.Errorf("dandori: duplicate system name %q", sd.name)
		}
	}
	sd.id = len(a.systems)
	a.systems = append(a.systems, sd)
	g, err := buildGraph(a.world, a.systems)
	if err != nil {
		a.systems = a.systems[:len(a.systems)-1]
		sd.id = -1
		return err
	}
	a.graph = g
	return nil
}

// AddBarrier inserts an explicit synchronization point: an exclusive no-op
// system. Everything added before it completes, and its commands commit,
// before anything added after it starts.
func (a *App) AddBarrier() {
	a.barrierSeq++
	name := fmt.Sprintf("barrier-%d", a.barrierSeq)
	// An exclusive no-op cannot introduce a cycle.
	_ = a.AddSystem(NewSystem(name, func(*SystemContext) error { return nil }).Exclusive())
}

// completion is the event a worker sends the coordinator when a system
// finishes.
type completion struct {
	err error
	dur time.Duration
	id  int
}

// RunTick executes one tick and returns the per-system outcomes. System
// failures do not fail the tick; they are recorded in the report and poison
// graph successors. RunTick returns a non-nil error only for cancellation
// or a scheduler invariant violation.
func (a *App) RunTick(ctx context.Context) (*TickReport, error) {
	n := len(a.systems)
	report := &TickReport{Tick: uuid.New(), Outcomes: make([]SystemOutcome, n)}
	for i, s := range a.systems {
		report.Outcomes[i] = SystemOutcome{ID: i, Name: s.name, Status: StatusPending}
	}
	if n == 0 {
		return report, nil
	}
	g := a.graph
	log := a.logger.With(zap.String("tick", report.Tick.String()))
	log.Debug("tick started", zap.Int("systems", n))

	preds := make([]int, n)
	copy(preds, g.predCount)
	poisoned := make([]bool, n)
	buffers := make([]*CommandBuffer, n)
	running := make(map[int]accessSet, 8)
	compCh := make(chan completion, n)

	ready := &idHeap{}
	var held []int      // ready but conflicting with the running set
	var stageDone []int // completed this stage, buffers pending
	resolved := 0
	stage := 0
	cancelled := false

	for i := 0; i < n; i++ {
		if preds[i] == 0 {
			heap.Push(ready, i)
		}
	}

	unlock := func(id int) {
		for _, t := range g.succ[id] {
			preds[t]--
			if preds[t] == 0 {
				heap.Push(ready, t)
			}
		}
	}

	var poison func(id int)
	poison = func(id int) {
		for _, t := range g.succ[id] {
			if !poisoned[t] {
				poisoned[t] = true
				poison(t)
			}
		}
	}

	conflictsRunning := func(acc accessSet) bool {
		for _, r := range running {
			if acc.conflictsWith(r) {
				return true
			}
		}
		return false
	}

	dispatch := func(id int) {
		sys := a.systems[id]
		acc := g.access[id]
		buf := newCommandBuffer(a.world)
		buffers[id] = buf
		sc := &SystemContext{ctx: ctx, world: a.world, sys: sys, cmds: buf}
		running[id] = acc
		log.Debug("dispatching system",
			zap.String("system", sys.name), zap.Int("id", id), zap.Int("stage", stage))
		task := func() {
			start := time.Now()
			if a.hooks.OnSystemStart != nil {
				a.hooks.OnSystemStart(id, sys.name)
			}
			if !acc.exclusive {
				a.world.acquireAccess(acc)
			}
			err := runSystemFunc(sys, sc)
			if !acc.exclusive {
				a.world.releaseAccess(acc)
			}
			d := time.Since(start)
			if a.hooks.OnSystemEnd != nil {
				a.hooks.OnSystemEnd(id, sys.name, err, d)
			}
			compCh <- completion{id: id, err: err, dur: d}
		}
		if acc.exclusive {
			// The graph gives exclusive systems edges to and from every
			// other system, so the running set is already drained; run on
			// the coordinator.
			task()
		} else {
			a.runtime.Spawn(task)
		}
	}

	onComplete := func(c completion) {
		delete(running, c.id)
		o := &report.Outcomes[c.id]
		o.Duration = c.dur
		if c.err != nil {
			o.Status = StatusFailed
			o.Err = &SystemError{System: a.systems[c.id].name, Err: c.err}
			poison(c.id)
			log.Warn("system failed",
				zap.String("system", a.systems[c.id].name), zap.Error(c.err))
		} else {
			o.Status = StatusCompleted
			stageDone = append(stageDone, c.id)
			log.Debug("system completed",
				zap.String("system", a.systems[c.id].name), zap.Duration("took", c.dur))
		}
		resolved++
		unlock(c.id)
		for _, id := range held {
			heap.Push(ready, id)
		}
		held = held[:0]
	}

	for {
		if !cancelled && ctx.Err() != nil {
			// Cancellation may land between a completion and the next
			// dispatch; catch it before starting another stage.
			cancelled = true
		}
		if !cancelled {
			for ready.Len() > 0 {
				id := heap.Pop(ready).(int)
				if poisoned[id] {
					report.Outcomes[id].Status = StatusSkipped
					resolved++
					unlock(id)
					continue
				}
				if g.access[id].exclusive {
					if len(running) > 0 {
						held = append(held, id)
						continue
					}
					// An exclusive system is a stage barrier: everything
					// completed so far commits before it runs, and its own
					// buffer commits before its successors start.
					a.applyStage(report, buffers, stageDone, log, stage, false)
					stageDone = stageDone[:0]
					stage++
					dispatch(id)
					onComplete(<-compCh)
					if ctx.Err() != nil {
						cancelled = true
					}
					a.applyStage(report, buffers, stageDone, log, stage, cancelled && a.hardStop)
					stageDone = stageDone[:0]
					stage++
					if cancelled {
						break
					}
					continue
				}
				if conflictsRunning(g.access[id]) {
					held = append(held, id)
					continue
				}
				dispatch(id)
			}
		}

		if len(running) == 0 && (cancelled || (ready.Len() == 0 && len(held) == 0)) {
			// Tick quiescent (or cancelled): drain the remaining buffers.
			// Query plans notice the new archetypes lazily on their next use.
			a.applyStage(report, buffers, stageDone, log, stage, cancelled && a.hardStop)
			stageDone = stageDone[:0]
			if cancelled {
				for i := range report.Outcomes {
					if report.Outcomes[i].Status == StatusPending {
						report.Outcomes[i].Status = StatusCancelled
					}
				}
				log.Debug("tick cancelled", zap.Int("resolved", resolved))
				return report, ctx.Err()
			}
			if resolved == n {
				break
			}
			return report, errors.New("dandori: scheduler stalled with unresolved systems")
		}

		select {
		case c := <-compCh:
			onComplete(c)
		case <-ctx.Done():
			cancelled = true
			// In-flight systems run to completion; stop dispatching.
			for len(running) > 0 {
				onComplete(<-compCh)
			}
		}
	}

	log.Debug("tick finished", zap.Int("stages", stage+1))
	return report, nil
}

// applyStage drains the completed systems' command buffers into the world in
// system-id order. With drop set (hard-stop cancellation) the buffers are
// discarded instead.
func (a *App) applyStage(report *TickReport, buffers []*CommandBuffer, done []int, log *zap.Logger, stage int, drop bool) {
	if len(done) == 0 {
		return
	}
	sort.Ints(done)
	if drop {
		log.Debug("stage barrier: dropping command buffers",
			zap.Int("stage", stage), zap.Int("buffers", len(done)))
		return
	}
	total := 0
	for _, id := range done {
		buf := buffers[id]
		if buf == nil || buf.Len() == 0 {
			continue
		}
		total += buf.Len()
		if errs := buf.apply(a.world); len(errs) > 0 {
			report.Outcomes[id].ApplyErrs = errs
			log.Warn("command apply errors",
				zap.String("system", a.systems[id].name), zap.Int("errors", len(errs)))
		}
	}
	if total > 0 {
		log.Debug("stage barrier", zap.Int("stage", stage), zap.Int("commands", total))
	}
}

// RunUntil runs ticks until pred(world) holds or the context is cancelled.
// System failures within a tick do not stop the loop; inspect reports via
// hooks or run ticks manually if that matters.
func (a *App) RunUntil(ctx context.Context, pred func(*World) bool) error {
	for !pred(a.world) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.RunTick(ctx); err != nil {
			return err
		}
	}
	return nil
}

// runSystemFunc invokes the runner, converting panics into failures. Access
// conflict panics stay fatal: they mean the graph's exclusion guarantee
// broke, and masking that would corrupt data silently.
func runSystemFunc(sys *SystemDescriptor, sc *SystemContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s, ok := r.(string); ok && strings.HasPrefix(s, "dandori: access conflict") {
				panic(r)
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sys.fn(sc)
}

// acquireAccess takes the dynamic borrow guards for every kind and resource
// a system declared. Runs on the worker right before the system body.
func (w *World) acquireAccess(acc accessSet) {
	for id := 0; id < int(w.components.next); id++ {
		if acc.writes.containsBit(uint8(id)) {
			w.acquireKindGuard(ComponentID(id), true)
		} else if acc.reads.containsBit(uint8(id)) {
			w.acquireKindGuard(ComponentID(id), false)
		}
	}
	for id := 0; id < len(w.resources.entries); id++ {
		if acc.resWrites.containsBit(uint8(id)) {
			w.acquireResGuard(ResourceID(id), true)
		} else if acc.resReads.containsBit(uint8(id)) {
			w.acquireResGuard(ResourceID(id), false)
		}
	}
}

// releaseAccess returns the guards taken by acquireAccess.
func (w *World) releaseAccess(acc accessSet) {
	for id := 0; id < int(w.components.next); id++ {
		if acc.writes.containsBit(uint8(id)) {
			w.releaseKindGuard(ComponentID(id), true)
		} else if acc.reads.containsBit(uint8(id)) {
			w.releaseKindGuard(ComponentID(id), false)
		}
	}
	for id := 0; id < len(w.resources.entries); id++ {
		if acc.resWrites.containsBit(uint8(id)) {
			w.releaseResGuard(ResourceID(id), true)
		} else if acc.resReads.containsBit(uint8(id)) {
			w.releaseResGuard(ResourceID(id), false)
		}
	}
}

// idHeap is a min-heap of system ids, giving the deterministic dispatch
// order when several systems are ready at once.
type idHeap []int

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
