package terminal

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gfbonny/freshell/internal/common/config"
	"github.com/gfbonny/freshell/internal/common/logger"
	"github.com/gfbonny/freshell/internal/events/bus"
	"github.com/gfbonny/freshell/internal/protocol"
	"github.com/gfbonny/freshell/internal/spawn"
)

// fakeProc is a scriptable process: tests feed output through out and
// control exit behavior.
type fakeProc struct {
	mu            sync.Mutex
	out           chan []byte
	done          chan struct{}
	exitCode      int
	written       [][]byte
	ignoreSignals bool
	exitOnce      sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *fakeProc) emit(data string) { p.out <- []byte(data) }

func (p *fakeProc) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	p.written = append(p.written, cp)
	return len(b), nil
}

func (p *fakeProc) Close() error             { return nil }
func (p *fakeProc) Resize(_, _ uint16) error { return nil }

func (p *fakeProc) Wait() (int, string, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, "", nil
}

func (p *fakeProc) Terminate() error {
	if !p.ignoreSignals {
		p.exit(0)
	}
	return nil
}

func (p *fakeProc) ForceKill() error {
	p.exit(137)
	return nil
}

// fakeClient records messages and simulates socket buffering.
type fakeClient struct {
	mu        sync.Mutex
	id        string
	msgs      []any
	buffered  int64
	closed    bool
	closeCode int
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeClient) BufferedAmount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeClient) CloseWithCode(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
}

func (c *fakeClient) outputs() []protocol.TerminalOutput {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.TerminalOutput
	for _, m := range c.msgs {
		if o, ok := m.(protocol.TerminalOutput); ok {
			out = append(out, o)
		}
	}
	return out
}

func (c *fakeClient) exits() []protocol.TerminalExit {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.TerminalExit
	for _, m := range c.msgs {
		if e, ok := m.(protocol.TerminalExit); ok {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	reg   *Registry
	bus   *bus.MemoryEventBus
	procs []*fakeProc
	mu    sync.Mutex
}

func (e *testEnv) lastProc() *fakeProc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[len(e.procs)-1]
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	cfg := &config.Config{
		Limits: config.LimitsConfig{
			MaxConnections:          100,
			MaxTerminals:            50,
			MaxExitedTerminals:      200,
			MaxWSBufferedAmount:     2 * 1024 * 1024,
			MaxWSChunkBytes:         500 * 1024,
			MaxPendingSnapshotChars: 512 * 1024,
		},
		Terminal: config.TerminalConfig{Scrollback: 328},
	}
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{bus: bus.NewMemoryEventBus(log)}
	env.reg = NewRegistry(cfg, spawn.NewResolver(config.SpawnConfig{}, log), env.bus, nil, log)
	env.reg.launch = func(_ spawn.Spec, _, _ uint16) (process, error) {
		p := newFakeProc()
		env.mu.Lock()
		env.procs = append(env.procs, p)
		env.mu.Unlock()
		return p, nil
	}
	t.Cleanup(env.reg.Shutdown)
	return env
}

func shellOpts() CreateOptions {
	return CreateOptions{Mode: spawn.ModeShell, Shell: spawn.ShellSystem, Cols: 80, Rows: 24}
}

func TestOutputFanoutToAttachedClients(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	a := &fakeClient{id: "a"}
	b := &fakeClient{id: "b"}
	require.NotNil(t, env.reg.Attach(term.ID(), a))
	require.NotNil(t, env.reg.Attach(term.ID(), b))

	env.lastProc().emit("hello")

	for _, c := range []*fakeClient{a, b} {
		c := c
		assert.Eventually(t, func() bool {
			out := c.outputs()
			return len(out) == 1 && out[0].Data == "hello"
		}, time.Second, 5*time.Millisecond, "client %s", c.id)
	}
}

func TestMaxTerminalsCap(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Limits.MaxTerminals = 2 })

	_, err := env.reg.Create(shellOpts())
	require.NoError(t, err)
	_, err = env.reg.Create(shellOpts())
	require.NoError(t, err)

	_, err = env.reg.Create(shellOpts())
	assert.ErrorIs(t, err, ErrMaxTerminals)
}

func TestExitedReapOldestFirst(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Limits.MaxExitedTerminals = 2 })

	var ids []string
	for i := 0; i < 3; i++ {
		term, err := env.reg.Create(shellOpts())
		require.NoError(t, err)
		ids = append(ids, term.ID())
		require.True(t, env.reg.Kill(term.ID()))
		time.Sleep(5 * time.Millisecond) // distinct exitedAt timestamps
	}

	// Reap runs on the next create.
	_, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	assert.Nil(t, env.reg.Get(ids[0]), "oldest exited record must be evicted")
	assert.NotNil(t, env.reg.Get(ids[1]))
	assert.NotNil(t, env.reg.Get(ids[2]))
}

func TestCreateReusesRunningSessionOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	const session = "550e8400-e29b-41d4-a716-446655440000"

	opts := CreateOptions{Mode: spawn.ModeClaude, Cols: 80, Rows: 24, ResumeSessionID: session}
	first, err := env.reg.Create(opts)
	require.NoError(t, err)
	require.Equal(t, session, first.ResumeSessionID())

	second, err := env.reg.Create(opts)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID(), "create must return the incumbent for a running (mode, session) pair")
}

func TestSetResumeSessionIDUUIDGate(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(CreateOptions{Mode: spawn.ModeClaude, Cols: 80, Rows: 24})
	require.NoError(t, err)

	assert.False(t, env.reg.SetResumeSessionID(term.ID(), "not-a-uuid"))
	assert.Empty(t, term.ResumeSessionID())

	assert.True(t, env.reg.SetResumeSessionID(term.ID(), "550e8400-e29b-41d4-a716-446655440000"))
	assert.Equal(t, "550e8400-e29b-41d4-a716-446655440000", term.ResumeSessionID())
}

func TestNonUUIDResumeNotBoundOnCreate(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(CreateOptions{Mode: spawn.ModeClaude, Cols: 80, Rows: 24, ResumeSessionID: "not-a-uuid"})
	require.NoError(t, err)
	assert.Empty(t, term.ResumeSessionID())
}

func TestPendingSnapshotQueueFlushOrder(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c"}
	attached, _ := env.reg.AttachWithSnapshot(term.ID(), c)
	require.NotNil(t, attached)

	proc := env.lastProc()
	proc.emit("one")
	proc.emit("two")

	// Output is diverted into the queue, not the socket.
	assert.Eventually(t, func() bool {
		term.mu.Lock()
		defer term.mu.Unlock()
		q := term.pending[c.id]
		return q != nil && len(q.chunks) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.outputs())

	env.reg.FinishAttachSnapshot(term.ID(), c)
	out := c.outputs()
	require.Len(t, out, 2)
	assert.Equal(t, "one", out[0].Data)
	assert.Equal(t, "two", out[1].Data)

	// Subsequent output goes straight to the socket.
	proc.emit("three")
	assert.Eventually(t, func() bool {
		return len(c.outputs()) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPendingQueueOverflowCloses4008(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Limits.MaxPendingSnapshotChars = 8 })
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c"}
	attached, _ := env.reg.AttachWithSnapshot(term.ID(), c)
	require.NotNil(t, attached)

	env.lastProc().emit("way more than eight bytes")

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closed && c.closeCode == protocol.CloseBackpressure
	}, time.Second, 5*time.Millisecond)

	term.mu.Lock()
	_, inClients := term.clients[c.id]
	_, inPending := term.pending[c.id]
	term.mu.Unlock()
	assert.False(t, inClients)
	assert.False(t, inPending)
}

func TestSafeSendBackpressureClose(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Limits.MaxWSBufferedAmount = 1024 })
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c", buffered: 4096}
	ok := env.reg.SafeSend(c, protocol.TerminalOutput{Type: protocol.TypeTerminalOutput}, term.counters)

	assert.False(t, ok)
	assert.True(t, c.closed)
	assert.Equal(t, protocol.CloseBackpressure, c.closeCode)
	assert.Empty(t, c.msgs)
	assert.Equal(t, int64(1), term.counters.Drain().Dropped)
}

func TestKillIsIdempotentAndBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c"}
	require.NotNil(t, env.reg.Attach(term.ID(), c))

	assert.True(t, env.reg.Kill(term.ID()))
	assert.True(t, env.reg.Kill(term.ID()))

	assert.Equal(t, StatusExited, term.Status())
	assert.Equal(t, 0, term.ExitCode())
	require.Len(t, c.exits(), 1)
	assert.Equal(t, 0, c.exits()[0].ExitCode)

	term.mu.Lock()
	assert.Empty(t, term.clients)
	term.mu.Unlock()
}

func TestInputRejectedAfterExit(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	assert.True(t, env.reg.Input(term.ID(), []byte("ls\n")))
	require.True(t, env.reg.Kill(term.ID()))
	assert.False(t, env.reg.Input(term.ID(), []byte("ls\n")))
	assert.False(t, env.reg.Input("no-such-id", []byte("x")))
}

func TestNativeExitBroadcast(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c"}
	require.NotNil(t, env.reg.Attach(term.ID(), c))

	env.lastProc().exit(3)

	assert.Eventually(t, func() bool {
		exits := c.exits()
		return len(exits) == 1 && exits[0].ExitCode == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusExited, term.Status())
}

func TestGracefulShutdownForceKillsSurvivors(t *testing.T) {
	env := newTestEnv(t, nil)

	polite, err := env.reg.Create(shellOpts())
	require.NoError(t, err)
	_ = polite

	stubborn, err := env.reg.Create(shellOpts())
	require.NoError(t, err)
	env.lastProc().ignoreSignals = true

	start := time.Now()
	require.NoError(t, env.reg.ShutdownGracefully(200*time.Millisecond))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second, "shutdown must resolve within timeout plus a small fudge")
	assert.Equal(t, StatusExited, polite.Status())
	assert.Equal(t, StatusExited, stubborn.Status())
}

func TestIdleSweepWarnsThenKills(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Terminal.AutoKillIdleMinutes = 10
		c.Terminal.WarnBeforeKillMinutes = 3
	})
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	warned := make(chan struct{}, 1)
	_, err = env.bus.Subscribe(bus.SubjectTerminalIdleWarning, func(_ context.Context, _ *bus.Event) error {
		warned <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	// Inside the warning window.
	env.reg.sweepIdleTerminals(time.Now().Add(8 * time.Minute))
	select {
	case <-warned:
	case <-time.After(time.Second):
		t.Fatal("expected idle warning")
	}
	assert.Equal(t, StatusRunning, term.Status())

	// Warning is single-shot per idle period.
	env.reg.sweepIdleTerminals(time.Now().Add(8 * time.Minute))
	select {
	case <-warned:
		t.Fatal("warning must not repeat")
	case <-time.After(50 * time.Millisecond):
	}

	// Past the kill threshold.
	env.reg.sweepIdleTerminals(time.Now().Add(11 * time.Minute))
	assert.Eventually(t, func() bool {
		return term.Status() == StatusExited
	}, time.Second, 5*time.Millisecond)
}

func TestIdleSweepSkipsAttachedTerminals(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Terminal.AutoKillIdleMinutes = 10 })
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	c := &fakeClient{id: "c"}
	require.NotNil(t, env.reg.Attach(term.ID(), c))

	env.reg.sweepIdleTerminals(time.Now().Add(time.Hour))
	assert.Equal(t, StatusRunning, term.Status())
}

func TestListDescriptors(t *testing.T) {
	env := newTestEnv(t, nil)
	running, err := env.reg.Create(shellOpts())
	require.NoError(t, err)
	exited, err := env.reg.Create(shellOpts())
	require.NoError(t, err)
	require.True(t, env.reg.Kill(exited.ID()))

	list := env.reg.List()
	require.Len(t, list, 2)

	byID := map[string]protocol.TerminalDescriptor{}
	for _, d := range list {
		byID[d.ID] = d
	}
	assert.Equal(t, string(StatusRunning), byID[running.ID()].Status)
	assert.Equal(t, string(StatusExited), byID[exited.ID()].Status)
	require.NotNil(t, byID[exited.ID()].ExitCode)
	assert.Equal(t, 0, *byID[exited.ID()].ExitCode)

	// Descriptors must serialize cleanly for the wire.
	_, err = json.Marshal(list)
	assert.NoError(t, err)
}

func TestInputRecordedOnProc(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	require.True(t, env.reg.Input(term.ID(), []byte("echo hi\n")))

	proc := env.lastProc()
	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Len(t, proc.written, 1)
	assert.Equal(t, "echo hi\n", string(proc.written[0]))
}

type fakeGitResolver struct {
	branches map[string]string
}

func (g *fakeGitResolver) Branch(cwd string) (string, bool) {
	b, ok := g.branches[cwd]
	return b, ok
}

func TestListDecoratesGitBranch(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	list := env.reg.List()
	require.Len(t, list, 1)
	cwd := list[0].Cwd
	require.NotEmpty(t, cwd)

	env.reg.SetGitResolver(&fakeGitResolver{branches: map[string]string{cwd: "main"}})

	list = env.reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, term.ID(), list[0].ID)
	assert.Equal(t, "main", list[0].GitBranch)
}

func TestAttachSnapshotBoundaryExcludesQueuedOutput(t *testing.T) {
	env := newTestEnv(t, nil)
	term, err := env.reg.Create(shellOpts())
	require.NoError(t, err)

	proc := env.lastProc()
	proc.emit("early")
	assert.Eventually(t, func() bool {
		return string(term.Snapshot()) == "early"
	}, time.Second, 5*time.Millisecond)

	c := &fakeClient{id: "c"}
	attached, snapshot := env.reg.AttachWithSnapshot(term.ID(), c)
	require.NotNil(t, attached)
	assert.Equal(t, "early", string(snapshot))

	// Output landing inside the attach window goes to the pending queue,
	// never into the already-captured snapshot.
	proc.emit("mid")
	assert.Eventually(t, func() bool {
		return string(term.Snapshot()) == "earlymid"
	}, time.Second, 5*time.Millisecond)

	env.reg.FinishAttachSnapshot(term.ID(), c)

	combined := string(snapshot)
	for _, out := range c.outputs() {
		combined += out.Data
	}
	assert.Equal(t, "earlymid", combined)
	require.Len(t, c.outputs(), 1)
	assert.Equal(t, "mid", c.outputs()[0].Data)
}

func TestCreateCapHoldsDuringConcurrentLaunch(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Limits.MaxTerminals = 1 })

	base := env.reg.launch
	entered := make(chan struct{})
	release := make(chan struct{})
	var gateMu sync.Mutex
	first := true
	env.reg.launch = func(s spawn.Spec, cols, rows uint16) (process, error) {
		gateMu.Lock()
		isFirst := first
		first = false
		gateMu.Unlock()
		if isFirst {
			close(entered)
			<-release
		}
		return base(s, cols, rows)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.reg.Create(shellOpts())
		done <- err
	}()
	<-entered

	// The in-flight create holds its slot, so a concurrent create must
	// bounce off the cap instead of slipping past the check.
	_, err := env.reg.Create(shellOpts())
	assert.ErrorIs(t, err, ErrMaxTerminals)

	close(release)
	require.NoError(t, <-done)

	env.reg.mu.Lock()
	running := env.reg.runningCountLocked()
	env.reg.mu.Unlock()
	assert.Equal(t, 1, running)
}

func TestConcurrentCreateSameSessionDedupes(t *testing.T) {
	env := newTestEnv(t, nil)
	const session = "550e8400-e29b-41d4-a716-446655440000"

	base := env.reg.launch
	var entered sync.WaitGroup
	entered.Add(2)
	release := make(chan struct{})
	env.reg.launch = func(s spawn.Spec, cols, rows uint16) (process, error) {
		entered.Done()
		<-release
		return base(s, cols, rows)
	}

	opts := CreateOptions{Mode: spawn.ModeClaude, ResumeSessionID: session, Cols: 80, Rows: 24}
	type result struct {
		term *Terminal
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			term, err := env.reg.Create(opts)
			results <- result{term, err}
		}()
	}
	entered.Wait()
	close(release)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.term.ID(), b.term.ID(), "one terminal owns the session")
	assert.Len(t, env.reg.FindTerminalsBySession(spawn.ModeClaude, session), 1)
}
