package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/epiwatch/epiwatch/pkg/plugin"
	"go.uber.org/zap"
)

// fakePlugin is a configurable test plugin.
type fakePlugin struct {
	info     plugin.PluginInfo
	initErr  error
	startErr error

	initCalled  bool
	startCalled bool
	stopCalled  bool
	stopOrder   *[]string
}

func (f *fakePlugin) Info() plugin.PluginInfo { return f.info }

func (f *fakePlugin) Init(ctx context.Context, deps plugin.Dependencies) error {
	f.initCalled = true
	return f.initErr
}

func (f *fakePlugin) Start(ctx context.Context) error {
	f.startCalled = true
	return f.startErr
}

func (f *fakePlugin) Stop(ctx context.Context) error {
	f.stopCalled = true
	if f.stopOrder != nil {
		*f.stopOrder = append(*f.stopOrder, f.info.Name)
	}
	return nil
}

func newFake(name string, deps []string, required bool) *fakePlugin {
	return &fakePlugin{info: plugin.PluginInfo{
		Name:         name,
		Version:      "1.0.0",
		Dependencies: deps,
		Required:     required,
		APIVersion:   plugin.APIVersionCurrent,
	}}
}

func noDeps(name string) plugin.Dependencies { return plugin.Dependencies{} }

func TestRegister_Duplicate(t *testing.T) {
	r := New(zap.NewNop())
	if err := r.Register(newFake("a", nil, false)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(newFake("a", nil, false)); err == nil {
		t.Fatal("duplicate register succeeded, want error")
	}
}

func TestValidate_TopologicalOrder(t *testing.T) {
	r := New(zap.NewNop())
	// c depends on b depends on a; registration order reversed.
	for _, p := range []*fakePlugin{
		newFake("c", []string{"b"}, false),
		newFake("b", []string{"a"}, false),
		newFake("a", nil, false),
	} {
		if err := r.Register(p); err != nil {
			t.Fatalf("register %s: %v", p.info.Name, err)
		}
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	pos := make(map[string]int)
	for i, p := range r.All() {
		pos[p.Info().Name] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("start order violates dependencies: %v", pos)
	}
}

func TestValidate_CycleDetected(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newFake("a", []string{"b"}, false))
	r.Register(newFake("b", []string{"a"}, false))
	if err := r.Validate(); err == nil {
		t.Fatal("Validate accepted a dependency cycle")
	}
}

func TestValidate_MissingDepDisablesOptional(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newFake("a", []string{"ghost"}, false))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("a") {
		t.Error("optional plugin with missing dependency not disabled")
	}
}

func TestValidate_MissingDepFailsRequired(t *testing.T) {
	r := New(zap.NewNop())
	r.Register(newFake("a", []string{"ghost"}, true))
	if err := r.Validate(); err == nil {
		t.Fatal("Validate succeeded with required plugin missing dependency")
	}
}

func TestValidate_CascadeDisable(t *testing.T) {
	r := New(zap.NewNop())
	// b -> a(missing dep), c -> b: both b and c must cascade off.
	r.Register(newFake("a", []string{"ghost"}, false))
	r.Register(newFake("b", []string{"a"}, false))
	r.Register(newFake("c", []string{"b"}, false))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if !r.IsDisabled(name) {
			t.Errorf("plugin %s not cascade-disabled", name)
		}
	}
}

func TestValidate_APIVersionTooNew(t *testing.T) {
	r := New(zap.NewNop())
	p := newFake("future", nil, false)
	p.info.APIVersion = plugin.APIVersionCurrent + 1
	r.Register(p)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !r.IsDisabled("future") {
		t.Error("plugin targeting a newer API not disabled")
	}
}

func TestInitAll_OptionalFailureDisables(t *testing.T) {
	r := New(zap.NewNop())
	bad := newFake("bad", nil, false)
	bad.initErr = errors.New("boom")
	good := newFake("good", nil, false)
	r.Register(bad)
	r.Register(good)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err != nil {
		t.Fatalf("InitAll: %v", err)
	}
	if !r.IsDisabled("bad") {
		t.Error("failed optional plugin not disabled")
	}
	if !good.initCalled {
		t.Error("healthy plugin not initialized")
	}
}

func TestInitAll_RequiredFailureAborts(t *testing.T) {
	r := New(zap.NewNop())
	bad := newFake("bad", nil, true)
	bad.initErr = errors.New("boom")
	r.Register(bad)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := r.InitAll(context.Background(), noDeps); err == nil {
		t.Fatal("InitAll succeeded despite required plugin failure")
	}
}

func TestStopAll_ReverseOrder(t *testing.T) {
	r := New(zap.NewNop())
	var order []string
	a := newFake("a", nil, false)
	b := newFake("b", []string{"a"}, false)
	a.stopOrder = &order
	b.stopOrder = &order
	r.Register(a)
	r.Register(b)
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	r.StopAll(context.Background())

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("stop order = %v, want [b a]", order)
	}
}

// roleFake implements a marker role for ResolveByRole tests.
type roleFake struct{ fakePlugin }

func TestResolveByRole(t *testing.T) {
	r := New(zap.NewNop())
	p := &roleFake{fakePlugin{info: plugin.PluginInfo{
		Name:       "worker",
		Version:    "1.0.0",
		Roles:      []string{"triage"},
		APIVersion: plugin.APIVersionCurrent,
	}}}
	r.Register(p)
	r.Register(newFake("other", nil, false))
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	matches := r.ResolveByRole("triage")
	if len(matches) != 1 || matches[0].Info().Name != "worker" {
		t.Errorf("ResolveByRole = %v, want [worker]", matches)
	}
	if got := r.ResolveByRole("nonexistent"); len(got) != 0 {
		t.Errorf("ResolveByRole(nonexistent) = %v, want empty", got)
	}
}
