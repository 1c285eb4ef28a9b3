package sandbox

import (
	"errors"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func fakeLookPath(installed map[string]string, calls *int32) func(string) (string, error) {
	return func(name string) (string, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		if path, ok := installed[name]; ok {
			return path, nil
		}
		return "", exec.ErrNotFound
	}
}

func TestNoop_IsAlwaysAvailable(t *testing.T) {
	if !(Noop{}).IsAvailable() {
		t.Fatal("expected noop to be available")
	}
	if (Noop{}).Name() != "none" {
		t.Fatalf("expected noop name none, got %q", Noop{}.Name())
	}
}

func TestNoop_WrapCommandLeavesCommandUnchanged(t *testing.T) {
	cmd := exec.Command("echo", "test")
	wantPath, wantArgs := cmd.Path, append([]string(nil), cmd.Args...)

	if err := (Noop{}).WrapCommand(cmd); err != nil {
		t.Fatalf("WrapCommand error: %v", err)
	}
	if cmd.Path != wantPath || !reflect.DeepEqual(cmd.Args, wantArgs) {
		t.Fatalf("expected unchanged command, got %q %v", cmd.Path, cmd.Args)
	}
}

func TestDetect_PicksFirstAvailableInPriorityOrder(t *testing.T) {
	sb := Detect(Options{
		Backend:  "auto",
		lookPath: fakeLookPath(map[string]string{"bwrap": "/usr/bin/bwrap", "firejail": "/usr/bin/firejail"}, nil),
	})
	if sb.Name() != "firejail" {
		t.Fatalf("expected firejail first, got %q", sb.Name())
	}

	sb = Detect(Options{lookPath: fakeLookPath(map[string]string{"bwrap": "/usr/bin/bwrap"}, nil)})
	if sb.Name() != "bubblewrap" {
		t.Fatalf("expected bubblewrap, got %q", sb.Name())
	}
}

func TestDetect_FallsBackToNoop(t *testing.T) {
	sb := Detect(Options{Backend: "auto", lookPath: fakeLookPath(nil, nil)})
	if sb.Name() != "none" {
		t.Fatalf("expected none, got %q", sb.Name())
	}
}

func TestDetect_ExplicitUnavailableBackendDegradesToNoop(t *testing.T) {
	sb := Detect(Options{Backend: "firejail", lookPath: fakeLookPath(map[string]string{"bwrap": "/usr/bin/bwrap"}, nil)})
	if sb.Name() != "none" {
		t.Fatalf("expected none when firejail missing, got %q", sb.Name())
	}
}

func TestDetect_ExplicitNoneSkipsProbing(t *testing.T) {
	var calls int32
	sb := Detect(Options{Backend: "none", lookPath: fakeLookPath(map[string]string{"firejail": "/usr/bin/firejail"}, &calls)})
	if sb.Name() != "none" {
		t.Fatalf("expected none, got %q", sb.Name())
	}
	if calls != 0 {
		t.Fatalf("expected no lookups, got %d", calls)
	}
}

func TestBackends_NoopIsLast(t *testing.T) {
	all := Backends(Options{lookPath: fakeLookPath(nil, nil)})
	if all[len(all)-1].Name() != "none" {
		t.Fatalf("expected noop last, got %q", all[len(all)-1].Name())
	}
}

func TestWrapper_AvailabilityProbedOnce(t *testing.T) {
	var calls int32
	fj := newFirejail("", fakeLookPath(map[string]string{"firejail": "/usr/bin/firejail"}, &calls))

	for i := 0; i < 5; i++ {
		if !fj.IsAvailable() {
			t.Fatal("expected available")
		}
	}
	if calls != 1 {
		t.Fatalf("expected one lookup, got %d", calls)
	}
}

func TestFirejail_WrapCommandPrependsWrapper(t *testing.T) {
	fj := newFirejail("/work", fakeLookPath(map[string]string{"firejail": "/usr/bin/firejail"}, nil))
	cmd := &exec.Cmd{Path: "/bin/sh", Args: []string{"sh", "-c", "ls"}}

	if err := fj.WrapCommand(cmd); err != nil {
		t.Fatalf("WrapCommand error: %v", err)
	}
	if cmd.Path != "/usr/bin/firejail" {
		t.Fatalf("expected firejail path, got %q", cmd.Path)
	}
	n := len(cmd.Args)
	tail := cmd.Args[n-4:]
	if !reflect.DeepEqual(tail, []string{"--", "/bin/sh", "-c", "ls"}) {
		t.Fatalf("expected original command after --, got %v", tail)
	}
	found := false
	for _, a := range cmd.Args {
		if a == "--whitelist=/work" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected workspace whitelist flag, got %v", cmd.Args)
	}
}

func TestBubblewrap_WrapCommandBindsWorkspace(t *testing.T) {
	bw := newBubblewrap("/work", fakeLookPath(map[string]string{"bwrap": "/usr/bin/bwrap"}, nil))
	cmd := &exec.Cmd{Path: "/bin/sh", Args: []string{"sh", "-c", "pwd"}}

	if err := bw.WrapCommand(cmd); err != nil {
		t.Fatalf("WrapCommand error: %v", err)
	}
	if cmd.Args[0] != "/usr/bin/bwrap" {
		t.Fatalf("expected bwrap argv0, got %q", cmd.Args[0])
	}
	joined := strings.Join(cmd.Args, " ")
	if want := "--bind /work /work"; !strings.Contains(joined, want) {
		t.Fatalf("expected %q in %q", want, joined)
	}
}

func TestWrapper_WrapFailsWhenBinaryVanishes(t *testing.T) {
	installed := map[string]string{"firejail": "/usr/bin/firejail"}
	var mu sync.Mutex
	lookPath := func(name string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if p, ok := installed[name]; ok {
			return p, nil
		}
		return "", exec.ErrNotFound
	}
	fj := newFirejail("", lookPath)
	if !fj.IsAvailable() {
		t.Fatal("expected available")
	}

	mu.Lock()
	delete(installed, "firejail")
	mu.Unlock()

	cmd := &exec.Cmd{Path: "/bin/sh", Args: []string{"sh", "-c", "ls"}}
	err := fj.WrapCommand(cmd)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if cmd.Path != "/bin/sh" {
		t.Fatalf("expected command untouched on failure, got %q", cmd.Path)
	}
}

func TestWrapper_ConcurrentWrapIsIndependent(t *testing.T) {
	fj := newFirejail("", fakeLookPath(map[string]string{"firejail": "/usr/bin/firejail"}, nil))

	var wg sync.WaitGroup
	cmds := make([]*exec.Cmd, 16)
	for i := range cmds {
		cmds[i] = &exec.Cmd{Path: "/bin/echo", Args: []string{"echo", string(rune('a' + i))}}
	}
	for _, c := range cmds {
		wg.Add(1)
		go func(c *exec.Cmd) {
			defer wg.Done()
			_ = fj.WrapCommand(c)
		}(c)
	}
	wg.Wait()

	for i, c := range cmds {
		if got := c.Args[len(c.Args)-1]; got != string(rune('a'+i)) {
			t.Fatalf("command %d got foreign arg %q", i, got)
		}
	}
}
