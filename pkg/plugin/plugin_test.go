package plugin

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// fakePlugin records lifecycle calls into a shared journal.
type fakePlugin struct {
	manifest Manifest
	journal  *[]string
	initErr  error
}

func (p *fakePlugin) Manifest() Manifest { return p.manifest }

func (p *fakePlugin) Initialize(_ context.Context, _ *Context) error {
	*p.journal = append(*p.journal, "init:"+p.manifest.Name)
	return p.initErr
}

func (p *fakePlugin) Shutdown(context.Context) error {
	*p.journal = append(*p.journal, "stop:"+p.manifest.Name)
	return nil
}

func (p *fakePlugin) Health(context.Context) map[string]any {
	return map[string]any{"probe": true}
}

func newFake(journal *[]string, name string, deps ...string) *fakePlugin {
	return &fakePlugin{
		manifest: Manifest{Name: name, Dependencies: deps, IsProvider: true},
		journal:  journal,
	}
}

func TestRegistry_DuplicateRegistrationFails(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	if err := r.Register(newFake(&journal, "a")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(newFake(&journal, "a")); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestRegistry_DependencyOrder(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	// Registered out of order on purpose.
	for _, p := range []*fakePlugin{
		newFake(&journal, "c", "b"),
		newFake(&journal, "a"),
		newFake(&journal, "b", "a"),
	} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.InitializeAll(context.Background(), NewContext()); err != nil {
		t.Fatal(err)
	}

	want := []string{"init:a", "init:b", "init:c"}
	if fmt.Sprint(journal) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", journal, want)
	}

	journal = journal[:0]
	r.ShutdownAll(context.Background())
	want = []string{"stop:c", "stop:b", "stop:a"}
	if fmt.Sprint(journal) != fmt.Sprint(want) {
		t.Errorf("shutdown order = %v, want %v", journal, want)
	}
}

func TestRegistry_InitFailureUnwinds(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	good := newFake(&journal, "a")
	bad := newFake(&journal, "b", "a")
	bad.initErr = errors.New("boom")
	never := newFake(&journal, "c", "b")

	for _, p := range []*fakePlugin{good, bad, never} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	err := r.InitializeAll(context.Background(), NewContext())
	if err == nil {
		t.Fatal("expected initialization error")
	}

	want := []string{"init:a", "init:b", "stop:a"}
	if fmt.Sprint(journal) != fmt.Sprint(want) {
		t.Errorf("journal = %v, want %v", journal, want)
	}
}

func TestRegistry_MissingDependency(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	if err := r.Register(newFake(&journal, "a", "ghost")); err != nil {
		t.Fatal(err)
	}
	if err := r.InitializeAll(context.Background(), NewContext()); err == nil {
		t.Error("missing dependency not reported")
	}
}

func TestRegistry_CycleDetected(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	r.Register(newFake(&journal, "a", "b"))
	r.Register(newFake(&journal, "b", "a"))
	if err := r.InitializeAll(context.Background(), NewContext()); err == nil {
		t.Error("cycle not reported")
	}
}

func TestRegistry_OptionalRequiresOrderOnlyWhenPresent(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	late := newFake(&journal, "late")
	late.manifest.OptionalRequires = []string{"early", "absent"}
	r.Register(late)
	r.Register(newFake(&journal, "early"))

	if err := r.InitializeAll(context.Background(), NewContext()); err != nil {
		t.Fatal(err)
	}
	want := []string{"init:early", "init:late"}
	if fmt.Sprint(journal) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", journal, want)
	}
}

func TestRegistry_AdapterLookupStates(t *testing.T) {
	var journal []string
	r := NewRegistry(0)
	r.Register(newFake(&journal, "a"))

	if _, err := r.Adapter("a"); err == nil {
		t.Error("adapter lookup before initialize should fail")
	}
	if _, err := r.Adapter("ghost"); err == nil {
		t.Error("unknown plugin lookup should fail")
	}
}

func TestRegistry_HealthDetails(t *testing.T) {
	var journal []string
	r := NewRegistry(time.Second)
	r.Register(newFake(&journal, "a"))
	if err := r.InitializeAll(context.Background(), NewContext()); err != nil {
		t.Fatal(err)
	}

	details := r.HealthDetails(context.Background())
	a := details["a"]
	if a["initialized"] != true || a["enabled"] != true || a["type"] != "provider" {
		t.Errorf("mandatory health keys wrong: %v", a)
	}
	if a["probe"] != true {
		t.Error("plugin extras dropped")
	}
	if a["state"] != "initialized" {
		t.Errorf("state = %v", a["state"])
	}
}

func TestContext_TypedAndNamedLookup(t *testing.T) {
	type svc struct{ n int }
	c := NewContext()

	Provide(c, &svc{n: 7})
	got, ok := Resolve[*svc](c)
	if !ok || got.n != 7 {
		t.Errorf("typed resolve = %v, %v", got, ok)
	}

	if _, ok := Resolve[string](c); ok {
		t.Error("resolved a type that was never provided")
	}

	c.SetNamed("http_client", "stand-in")
	v, ok := c.Named("http_client")
	if !ok || v != "stand-in" {
		t.Error("named lookup failed")
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StateCreated:      "created",
		StateInitializing: "initializing",
		StateInitialized:  "initialized",
		StateShuttingDown: "shutting_down",
		StateShutdown:     "shutdown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
