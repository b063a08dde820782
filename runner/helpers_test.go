package runner

import (
	"strings"
	"sync"
	"time"

	"go.nextest.dev/nextest/lib/testlist"
)

// fakeBehavior scripts what a fake process does after being spawned.
type fakeBehavior struct {
	// Returned from Spawn instead of a process.
	spawnErr error

	// How long the process "runs" before exiting on its own.
	exitAfter time.Duration

	// The exit status when exiting on its own.
	exit ExitStatus

	// How long output handles stay open after exit. Simulates leaked
	// handles.
	holdOutput time.Duration

	// How long a terminated process takes to die. Beyond the grace
	// period, only Kill gets it.
	dieAfterTerminate time.Duration
	ignoreTerminate   bool

	stdout string
}

// fakeSpawner hands out scripted fake processes and records every spec it
// saw.
type fakeSpawner struct {
	mu     sync.Mutex
	behave func(spec ProcessSpec, nth int) fakeBehavior
	seen   []ProcessSpec
	procs  []*fakeProcess
	counts map[string]int
}

func newFakeSpawner(behave func(spec ProcessSpec, nth int) fakeBehavior) *fakeSpawner {
	return &fakeSpawner{behave: behave, counts: make(map[string]int)}
}

func (fs *fakeSpawner) key(spec ProcessSpec) string {
	return spec.Command + " " + strings.Join(spec.Args, " ")
}

func (fs *fakeSpawner) Spawn(spec ProcessSpec) (Process, error) {
	fs.mu.Lock()
	nth := fs.counts[fs.key(spec)]
	fs.counts[fs.key(spec)]++
	fs.seen = append(fs.seen, spec)
	fs.mu.Unlock()

	b := fs.behave(spec, nth)
	if b.spawnErr != nil {
		return nil, b.spawnErr
	}
	p := startFakeProcess(b)
	fs.mu.Lock()
	fs.procs = append(fs.procs, p)
	fs.mu.Unlock()
	return p, nil
}

// waitAll blocks until every spawned fake process has fully wound down,
// keeping goroutine-leak checks quiet.
func (fs *fakeSpawner) waitAll() {
	fs.mu.Lock()
	procs := make([]*fakeProcess, len(fs.procs))
	copy(procs, fs.procs)
	fs.mu.Unlock()
	for _, p := range procs {
		<-p.outputDone
	}
}

func (fs *fakeSpawner) specs() []ProcessSpec {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]ProcessSpec, len(fs.seen))
	copy(out, fs.seen)
	return out
}

type fakeProcess struct {
	b          fakeBehavior
	exited     chan ExitStatus
	outputDone chan struct{}
	termCh     chan UnitTerminateReason
	killCh     chan struct{}
	termOnce   sync.Once
	killOnce   sync.Once
}

func startFakeProcess(b fakeBehavior) *fakeProcess {
	p := &fakeProcess{
		b:          b,
		exited:     make(chan ExitStatus, 1),
		outputDone: make(chan struct{}),
		termCh:     make(chan UnitTerminateReason, 1),
		killCh:     make(chan struct{}),
	}
	go p.live()
	return p
}

func (p *fakeProcess) live() {
	natural := time.NewTimer(p.b.exitAfter)
	defer natural.Stop()

	var status ExitStatus
	select {
	case <-natural.C:
		status = p.b.exit
	case reason := <-p.termCh:
		if p.b.ignoreTerminate {
			<-p.killCh
			status = ExitStatus{Signal: "SIGKILL"}
		} else {
			die := time.NewTimer(p.b.dieAfterTerminate)
			select {
			case <-die.C:
				sig := "SIGTERM"
				if reason == TerminateReasonInterrupt {
					sig = "SIGINT"
				}
				status = ExitStatus{Signal: sig}
			case <-p.killCh:
				status = ExitStatus{Signal: "SIGKILL"}
			}
			die.Stop()
		}
	case <-p.killCh:
		status = ExitStatus{Signal: "SIGKILL"}
	}
	p.exited <- status

	if p.b.holdOutput > 0 {
		hold := time.NewTimer(p.b.holdOutput)
		select {
		case <-hold.C:
		case <-p.killCh:
		}
		hold.Stop()
	}
	close(p.outputDone)
}

func (p *fakeProcess) PID() int                    { return 4242 }
func (p *fakeProcess) Exited() <-chan ExitStatus   { return p.exited }
func (p *fakeProcess) OutputDone() <-chan struct{} { return p.outputDone }

func (p *fakeProcess) Terminate(reason UnitTerminateReason) UnitTerminateMethod {
	p.termOnce.Do(func() { p.termCh <- reason })
	return UnitTerminateMethod("SIGTERM")
}

func (p *fakeProcess) Kill() {
	p.killOnce.Do(func() { close(p.killCh) })
}

func (p *fakeProcess) Output() CapturedOutput {
	return CapturedOutput{Stdout: []byte(p.b.stdout)}
}

// eventCollector records the event stream. The runner calls HandleEvent
// from a single goroutine, and tests only read after Run returns, so the
// mutex is only there for the occasional mid-run peek.
type eventCollector struct {
	mu     sync.Mutex
	events []Event

	// When set, the collector fails on the nth event (0-based).
	failOn int
	failAt error

	// When set, called on each event; used to trigger engine commands at
	// known points in the stream.
	onEvent func(ev *Event)
}

func newEventCollector() *eventCollector {
	return &eventCollector{failOn: -1}
}

func (c *eventCollector) HandleEvent(ev *Event) error {
	c.mu.Lock()
	n := len(c.events)
	c.events = append(c.events, *ev)
	c.mu.Unlock()
	if c.onEvent != nil {
		c.onEvent(ev)
	}
	if c.failOn >= 0 && n >= c.failOn {
		return c.failAt
	}
	return nil
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) kinds() []EventKind {
	events := c.all()
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// ofKind returns all payloads of the given kind, in stream order.
func ofKind[T EventKind](c *eventCollector) []T {
	var out []T
	for _, ev := range c.all() {
		if kind, ok := ev.Kind.(T); ok {
			out = append(out, kind)
		}
	}
	return out
}

// singleSuiteList builds a test list with one binary and the given test
// names. Names prefixed with "skip:" are marked as filter mismatches.
func singleSuiteList(names ...string) *testlist.Summary {
	cases := make(map[string]testlist.CaseSummary, len(names))
	for _, name := range names {
		if skipped, ok := strings.CutPrefix(name, "skip:"); ok {
			cases[skipped] = testlist.CaseSummary{
				FilterMatch: testlist.FilterMatch{Matches: false, Reason: testlist.MismatchString},
			}
			continue
		}
		cases[name] = testlist.CaseSummary{
			FilterMatch: testlist.FilterMatch{Matches: true},
		}
	}
	return &testlist.Summary{
		TestCount: len(names),
		RustSuites: map[string]*testlist.SuiteSummary{
			"demo-suite": {
				PackageName: "demo",
				BinarySummary: testlist.BinarySummary{
					BinaryID:      "demo-suite",
					BinaryName:    "demo",
					PackageID:     "demo 0.1.0",
					BinaryPath:    "/bin/demo-tests",
					BuildPlatform: testlist.BuildPlatformTarget,
				},
				Cwd:       "/work/demo",
				Testcases: cases,
			},
		},
	}
}
