package remote_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jumbonet/jumbonet/internal/remote"
	"github.com/jumbonet/jumbonet/internal/remote/remotetest"
)

// recorder is an Observer that remembers what it received, in order
type recorder struct {
	mu     sync.Mutex
	events []string
	out    []string
	err    []string
	status []int

	outErr   error
	errPanic bool
}

func (r *recorder) ReceiveOut(ref remote.ProcessRef, lines []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "out")
	r.out = append(r.out, lines...)
	return r.outErr
}

func (r *recorder) ReceiveErr(ref remote.ProcessRef, lines []string) error {
	r.mu.Lock()
	r.events = append(r.events, "err")
	r.err = append(r.err, lines...)
	r.mu.Unlock()
	if r.errPanic {
		panic("observer exploded")
	}
	return nil
}

func (r *recorder) ReceiveStatus(ref remote.ProcessRef, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status")
	r.status = append(r.status, exitCode)
	return nil
}

func newRemote(t *testing.T, onExec remotetest.ExecFunc) (*remote.Remote, *remotetest.Session) {
	t.Helper()
	d := &remotetest.Dialer{OnExec: onExec}
	r, err := remote.New(context.Background(), "h1", remote.Params{Host: "10.0.0.1", User: "alice"}, d)
	if err != nil {
		t.Fatalf("remote.New() error = %v", err)
	}
	return r, d.Session("10.0.0.1")
}

func TestNew_ConnectionError(t *testing.T) {
	d := &remotetest.Dialer{Errors: map[string]error{"10.0.0.9": errors.New("auth failed")}}
	_, err := remote.New(context.Background(), "h9", remote.Params{Host: "10.0.0.9", User: "alice"}, d)

	var connErr *remote.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if connErr.Remote != "h9" || connErr.Addr != "10.0.0.9:22" {
		t.Errorf("unexpected error fields: %+v", connErr)
	}
}

func TestNew_DefaultPort(t *testing.T) {
	d := &remotetest.Dialer{}
	r, err := remote.New(context.Background(), "h1", remote.Params{Host: "10.0.0.1", User: "alice"}, d)
	if err != nil {
		t.Fatalf("remote.New() error = %v", err)
	}
	if r.Port() != 22 {
		t.Errorf("expected default port 22, got %d", r.Port())
	}
	if got := d.Dialed()[0].Port; got != 22 {
		t.Errorf("expected dial on port 22, got %d", got)
	}
}

func TestStart_EchoScenario(t *testing.T) {
	r, _ := newRemote(t, nil)
	rec := &recorder{}

	p, err := r.Start([]string{"echo", "hi"}, rec, remote.AllEvents)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if p.ID() == "" {
		t.Fatal("expected process id")
	}
	if !p.Alive() {
		t.Fatal("expected process alive before first check")
	}

	if err := r.CheckProcesses(); err != nil {
		t.Fatalf("CheckProcesses() error = %v", err)
	}
	if err := r.CheckProcesses(); err != nil {
		t.Fatalf("CheckProcesses() error = %v", err)
	}

	if diff := cmp.Diff([]string{"hi"}, rec.out); diff != "" {
		t.Errorf("out mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{0}, rec.status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if code, ok := p.ExitCode(); !ok || code != 0 {
		t.Errorf("ExitCode() = %d, %v; want 0, true", code, ok)
	}
	if p.Alive() {
		t.Error("expected process not alive after exit")
	}
}

func TestStart_Errors(t *testing.T) {
	t.Run("empty args", func(t *testing.T) {
		r, _ := newRemote(t, nil)
		if _, err := r.Start(nil, nil, remote.AllEvents); !errors.Is(err, remote.ErrEmptyCommand) {
			t.Errorf("expected ErrEmptyCommand, got %v", err)
		}
	})

	t.Run("blank args", func(t *testing.T) {
		r, _ := newRemote(t, nil)
		if _, err := r.Start([]string{" "}, nil, remote.AllEvents); !errors.Is(err, remote.ErrEmptyCommand) {
			t.Errorf("expected ErrEmptyCommand, got %v", err)
		}
	})

	t.Run("after shutdown", func(t *testing.T) {
		r, _ := newRemote(t, nil)
		if err := r.Shutdown(); err != nil {
			t.Fatalf("Shutdown() error = %v", err)
		}
		if _, err := r.Start([]string{"echo"}, nil, remote.AllEvents); !errors.Is(err, remote.ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("open channel fails", func(t *testing.T) {
		r, s := newRemote(t, nil)
		s.OpenErr = errors.New("administratively prohibited")
		_, err := r.Start([]string{"echo"}, nil, remote.AllEvents)
		var ioErr *remote.TransportIOError
		if !errors.As(err, &ioErr) {
			t.Errorf("expected *TransportIOError, got %v", err)
		}
	})
}

func TestStart_WorkingDirAndPty(t *testing.T) {
	r, s := newRemote(t, nil)

	_, err := r.Start([]string{"echo", "hi"}, nil, remote.AllEvents,
		remote.WithWorkingDir("/tmp/it's"), remote.WithPty())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ch := s.Last()
	if got, want := ch.Command(), `cd '/tmp/it'\''s' && echo hi`; got != want {
		t.Errorf("Command() = %q, want %q", got, want)
	}
	if ch.Dir() != "/tmp/it's" {
		t.Errorf("Dir() = %q", ch.Dir())
	}
	if !ch.Pty() {
		t.Error("expected pty to be requested")
	}
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		dir      string
		expected string
	}{
		{"no dir", []string{"ping", "localhost", "-c", "3"}, "", "ping localhost -c 3"},
		{"with dir", []string{"ls"}, "/srv", "cd '/srv' && ls"},
		{"shell syntax kept", []string{"echo", "a", ">", "out.txt"}, "", "echo a > out.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := remote.BuildCommand(tt.args, tt.dir); got != tt.expected {
				t.Errorf("BuildCommand() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDrain_NoDataLeavesBuffersUntouched(t *testing.T) {
	r, _ := newRemote(t, nil)
	p, err := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	delta, err := p.Drain()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(delta.Out) != 0 || len(delta.Err) != 0 || delta.Exited {
		t.Errorf("expected empty delta, got %+v", delta)
	}
	if len(p.Stdout()) != 0 || len(p.Stderr()) != 0 {
		t.Error("expected cumulative buffers to stay empty")
	}
}

func TestDrain_PartialLinesAreHeldUntilComplete(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()

	ch.WriteStdout("hel")
	delta, _ := p.Drain()
	if len(delta.Out) != 0 {
		t.Fatalf("expected partial line to be held, got %v", delta.Out)
	}

	ch.WriteStdout("lo\r\nwor")
	delta, _ = p.Drain()
	if diff := cmp.Diff([]string{"hello"}, delta.Out); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}

	ch.Exit(0)
	delta, _ = p.Drain()
	if diff := cmp.Diff([]string{"wor"}, delta.Out); diff != "" {
		t.Errorf("final drain mismatch (-want +got):\n%s", diff)
	}
	if !delta.Exited {
		t.Error("expected exit on final drain")
	}
	if diff := cmp.Diff([]string{"hello", "wor"}, p.Stdout()); diff != "" {
		t.Errorf("cumulative stdout mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_FinalFlushHappensOnce(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()

	ch.WriteStdout(strings.Repeat("x", 3000) + "\nlast")
	ch.WriteStderr("warning\n")
	ch.Exit(3)

	delta, err := p.Drain()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(delta.Out) != 2 || delta.Out[1] != "last" || len(delta.Out[0]) != 3000 {
		t.Errorf("unexpected final stdout: %d lines", len(delta.Out))
	}
	if diff := cmp.Diff([]string{"warning"}, delta.Err); diff != "" {
		t.Errorf("final stderr mismatch (-want +got):\n%s", diff)
	}
	if !delta.Exited || delta.ExitCode != 3 {
		t.Errorf("expected exit 3, got %+v", delta)
	}

	ch.WriteStdout("late\n")
	delta, _ = p.Drain()
	if len(delta.Out) != 0 || delta.Exited {
		t.Errorf("expected no further deltas after exit, got %+v", delta)
	}
	if code, _ := p.ExitCode(); code != 3 {
		t.Errorf("exit code changed to %d", code)
	}
}

func TestDrain_ReadErrorWhileRunning(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()

	ch.WriteStdout("a\n")
	ch.FailNextStdoutRead(errors.New("connection reset"))

	delta, err := p.Drain()
	var ioErr *remote.TransportIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *TransportIOError, got %v", err)
	}
	if len(delta.Out) != 0 {
		t.Errorf("expected no lines on failed read, got %v", delta.Out)
	}

	delta, err = p.Drain()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, delta.Out); diff != "" {
		t.Errorf("retry mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_ReadErrorKeepsEarlierBytes(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()

	ch.WriteStdout("a\nb\n")
	ch.FailNextStderrRead(errors.New("connection reset"))

	delta, err := p.Drain()
	if err == nil {
		t.Fatal("expected read error")
	}
	if len(delta.Out) != 0 || len(p.Stdout()) != 0 {
		t.Errorf("expected nothing delivered on a failed tick, got %v", delta.Out)
	}

	delta, err = p.Drain()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, delta.Out); diff != "" {
		t.Errorf("next tick mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_FinalReadErrorDefersExit(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()

	ch.WriteStdout("tail")
	ch.Exit(0)
	ch.FailNextStderrRead(errors.New("connection reset"))

	delta, err := p.Drain()
	if err == nil {
		t.Fatal("expected read error")
	}
	if delta.Exited || !p.Alive() {
		t.Fatal("expected terminal transition to be deferred")
	}
	if len(delta.Out) != 0 {
		t.Errorf("partial line must not be flushed before exit is committed, got %v", delta.Out)
	}

	delta, err = p.Drain()
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !delta.Exited {
		t.Fatal("expected exit on retry")
	}
	if diff := cmp.Diff([]string{"tail"}, delta.Out); diff != "" {
		t.Errorf("flush mismatch (-want +got):\n%s", diff)
	}
}

func TestDrain_FinalReadErrorGivesUp(t *testing.T) {
	r, s := newRemote(t, nil)
	p, _ := r.Start([]string{"sleep", "10"}, nil, remote.AllEvents)
	ch := s.Last()
	ch.Exit(0)

	var delta remote.Delta
	for i := 0; i < 3; i++ {
		ch.FailNextStdoutRead(errors.New("broken pipe"))
		delta, _ = p.Drain()
	}
	if !delta.Exited {
		t.Fatal("expected process to become terminal after repeated failures")
	}
	if p.Alive() {
		t.Error("expected process not alive")
	}
}

func TestCheckProcesses_DeliveryOrderAndInterest(t *testing.T) {
	r, s := newRemote(t, nil)
	all := &recorder{}
	def := &recorder{}

	if _, err := r.Start([]string{"sleep", "1"}, all, remote.AllEvents); err != nil {
		t.Fatal(err)
	}
	chAll := s.Last()
	if _, err := r.Start([]string{"sleep", "1"}, def, remote.DefaultInterest); err != nil {
		t.Fatal(err)
	}
	chDef := s.Last()

	for _, ch := range []*remotetest.Channel{chAll, chDef} {
		ch.WriteStdout("out\n")
		ch.WriteStderr("err\n")
		ch.Exit(1)
	}

	if err := r.CheckProcesses(); err != nil {
		t.Fatalf("CheckProcesses() error = %v", err)
	}

	if diff := cmp.Diff([]string{"out", "err", "status"}, all.events); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"err", "status"}, def.events); diff != "" {
		t.Errorf("default interest mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckProcesses_StatusDeliveredExactlyOnce(t *testing.T) {
	r, s := newRemote(t, nil)
	rec := &recorder{}
	if _, err := r.Start([]string{"sleep", "1"}, rec, remote.AllEvents); err != nil {
		t.Fatal(err)
	}
	ch := s.Last()

	for i := 0; i < 3; i++ {
		_ = r.CheckProcesses()
	}
	ch.Exit(0)
	for i := 0; i < 3; i++ {
		_ = r.CheckProcesses()
	}

	if diff := cmp.Diff([]int{0}, rec.status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckProcesses_DeliveryErrorsDoNotStopOthers(t *testing.T) {
	r, s := newRemote(t, nil)
	bad := &recorder{outErr: errors.New("observer refused"), errPanic: true}
	good := &recorder{}

	if _, err := r.Start([]string{"sleep", "1"}, bad, remote.AllEvents); err != nil {
		t.Fatal(err)
	}
	badCh := s.Last()
	if _, err := r.Start([]string{"sleep", "1"}, good, remote.AllEvents); err != nil {
		t.Fatal(err)
	}
	goodCh := s.Last()

	for _, ch := range []*remotetest.Channel{badCh, goodCh} {
		ch.WriteStdout("o\n")
		ch.WriteStderr("e\n")
		ch.Exit(0)
	}

	err := r.CheckProcesses()
	var delErr *remote.DeliveryError
	if !errors.As(err, &delErr) {
		t.Fatalf("expected *DeliveryError, got %v", err)
	}

	if diff := cmp.Diff([]string{"out", "err", "status"}, bad.events); diff != "" {
		t.Errorf("failing observer should still get every event (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"out", "err", "status"}, good.events); diff != "" {
		t.Errorf("healthy observer mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckProcesses_StartFromStatusIsObservedNextTick(t *testing.T) {
	r, _ := newRemote(t, nil)
	followUp := &recorder{}
	var spawned *remote.Process

	chain := remote.Funcs{
		Status: func(ref remote.ProcessRef, exitCode int) error {
			p, err := r.Start([]string{"echo", "after"}, followUp, remote.AllEvents)
			spawned = p
			return err
		},
	}

	if _, err := r.Start([]string{"echo", "first"}, chain, remote.AllEvents); err != nil {
		t.Fatal(err)
	}
	if len(r.Processes()) != 1 {
		t.Fatalf("expected 1 process before the handler fires, got %d", len(r.Processes()))
	}

	if err := r.CheckProcesses(); err != nil {
		t.Fatalf("CheckProcesses() error = %v", err)
	}
	if len(r.Processes()) != 2 {
		t.Fatalf("expected follow-up process to be recorded, got %d", len(r.Processes()))
	}
	if len(followUp.events) != 0 {
		t.Fatalf("follow-up must not be drained in the tick that started it, got %v", followUp.events)
	}

	if err := r.CheckProcesses(); err != nil {
		t.Fatalf("CheckProcesses() error = %v", err)
	}
	if diff := cmp.Diff([]string{"after"}, followUp.out); diff != "" {
		t.Errorf("follow-up out mismatch (-want +got):\n%s", diff)
	}
	if r.Process(spawned.ID()) != spawned {
		t.Error("expected follow-up process to be resolvable by id")
	}
}

func TestKill(t *testing.T) {
	r, s := newRemote(t, nil)
	rec := &recorder{}
	p, _ := r.Start([]string{"sleep", "100"}, rec, remote.AllEvents)

	if r.Kill("no-such-id") {
		t.Error("expected Kill of unknown id to report false")
	}
	if !r.Kill(p.ID()) {
		t.Fatal("expected Kill to report true")
	}
	if _, ok := p.ExitCode(); ok {
		t.Error("Kill must not set the exit code itself")
	}

	_ = r.CheckProcesses()
	if diff := cmp.Diff([]int{-1}, rec.status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
	if r.HasRunningProcesses() {
		t.Error("expected no running processes after kill")
	}

	if !r.Kill(p.ID()) {
		t.Error("expected Kill of a terminal process to still report true")
	}
	if got := s.Last().Closes(); got != 1 {
		t.Errorf("expected exactly one channel close, got %d", got)
	}
}

func TestKillAllThenCheck(t *testing.T) {
	r, _ := newRemote(t, nil)
	for i := 0; i < 3; i++ {
		if _, err := r.Start([]string{"sleep", "100"}, nil, remote.AllEvents); err != nil {
			t.Fatal(err)
		}
	}
	if !r.HasRunningProcesses() {
		t.Fatal("expected running processes")
	}

	r.KillAll()
	_ = r.CheckProcesses()

	if r.HasRunningProcesses() {
		t.Error("expected no running processes after KillAll + CheckProcesses")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	r, s := newRemote(t, nil)
	done, _ := r.Start([]string{"echo", "x"}, nil, remote.AllEvents)
	_ = r.CheckProcesses()
	running, _ := r.Start([]string{"sleep", "100"}, nil, remote.AllEvents)

	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := r.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	if s.Closed() != 1 {
		t.Errorf("expected session closed once, got %d", s.Closed())
	}
	chans := s.Channels()
	if chans[0].Closes() != 0 {
		t.Errorf("terminal process %s should not be closed again", done.ID())
	}
	if chans[1].Closes() != 1 {
		t.Errorf("running process %s should be closed once, got %d", running.ID(), chans[1].Closes())
	}
	if r.Connected() {
		t.Error("expected remote disconnected")
	}
	if r.Process(running.ID()) == nil {
		t.Error("processes must stay resolvable after shutdown")
	}
}

func TestProcessIDsAreUnique(t *testing.T) {
	r, _ := newRemote(t, nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := r.Start([]string{"echo", "x"}, nil, remote.AllEvents)
		if err != nil {
			t.Fatal(err)
		}
		if seen[p.ID()] {
			t.Fatalf("duplicate id %s", p.ID())
		}
		seen[p.ID()] = true
	}
	if len(r.Processes()) != 50 {
		t.Errorf("expected 50 processes, got %d", len(r.Processes()))
	}
}

func TestConcurrentStartAndCheck(t *testing.T) {
	r, _ := newRemote(t, nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = r.CheckProcesses()
			}
		}
	}()

	for i := 0; i < 100; i++ {
		if _, err := r.Start([]string{"echo", "x"}, &recorder{}, remote.AllEvents); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	_ = r.CheckProcesses()
	if r.HasRunningProcesses() {
		t.Error("expected every echo to be terminal")
	}
}
