package crew

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedFactory returns a fresh provider per spawn, replaying the
// responses registered for that role.
func scriptedFactory(byRole map[AgentRole][]string) ProviderFactory {
	return func(p AgentProfile) (Provider, error) {
		return &scriptedProvider{responses: byRole[p.Role]}, nil
	}
}

func testProfiles() map[AgentRole]AgentProfile {
	return map[AgentRole]AgentProfile{
		RoleMain:       oneShot(RoleMain),
		RoleResearcher: oneShot(RoleResearcher),
		RoleTester:     oneShot(RoleTester),
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSpawnMainRegisters(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(nil)),
	)
	main, err := m.SpawnMain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if main.ID() != MainAgentID {
		t.Errorf("id = %q", main.ID())
	}
	if !m.Has(MainAgentID) {
		t.Error("main not registered")
	}
	if m.MainAgent() != main {
		t.Error("MainAgent mismatch")
	}
}

func TestSpawnMainWithoutProfile(t *testing.T) {
	m := NewManager(WithProviderFactory(scriptedFactory(nil)))
	_, err := m.SpawnMain(nil)
	var cfgErr *ErrConfig
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ErrConfig", err)
	}
}

func TestSpawnUnknownRole(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(nil)),
	)
	_, err := m.Spawn(context.Background(), RoleOptimizer, "task", "")
	var cfgErr *ErrConfig
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ErrConfig", err)
	}
}

func TestSpawnAtCapacity(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{})),
		WithMaxConcurrent(1),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}
	// main occupies the only slot
	_, err := m.Spawn(context.Background(), RoleResearcher, "dig", "")
	var capErr *ErrCapacity
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want *ErrCapacity", err)
	}
	if capErr.Active != 1 || capErr.Max != 1 {
		t.Errorf("capacity = %+v", capErr)
	}
}

// gatedProvider holds its turn open until gate closes, so the spawned
// agent keeps its concurrency slot for the duration of a test.
type gatedProvider struct {
	gate chan struct{}
}

func (p *gatedProvider) Name() string { return "gated" }

func (p *gatedProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	return ChatResponse{Content: "done"}, nil
}

func (p *gatedProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	return p.Chat(ctx, req)
}

func TestSpawnConcurrentlyHoldsCap(t *testing.T) {
	gate := make(chan struct{})
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(func(p AgentProfile) (Provider, error) {
			return &gatedProvider{gate: gate}, nil
		}),
		WithMaxConcurrent(1),
	)

	const attempts = 4
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Spawn(context.Background(), RoleResearcher, "dig", "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var spawned, rejected int
	for err := range errs {
		if err == nil {
			spawned++
			continue
		}
		var capErr *ErrCapacity
		if !errors.As(err, &capErr) {
			t.Errorf("err = %v, want *ErrCapacity", err)
			continue
		}
		rejected++
	}
	if spawned != 1 || rejected != attempts-1 {
		t.Errorf("spawned = %d rejected = %d, want 1 and %d", spawned, rejected, attempts-1)
	}
	close(gate)
	m.Shutdown()
}

func TestSpawnHookInvoked(t *testing.T) {
	var mu sync.Mutex
	var roles []AgentRole
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"done"},
		})),
		WithSpawnHook(func(role AgentRole) {
			mu.Lock()
			roles = append(roles, role)
			mu.Unlock()
		}),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Spawn(context.Background(), RoleResearcher, "dig", ""); err != nil {
		t.Fatal(err)
	}
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	if len(roles) != 1 || roles[0] != RoleResearcher {
		t.Errorf("hook roles = %v", roles)
	}
}

func TestSubAgentSummaryDelivery(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"digging [SUMMARY]two promising leads[/SUMMARY]"},
		})),
	)
	main, err := m.SpawnMain(nil)
	if err != nil {
		t.Fatal(err)
	}
	id, err := m.Spawn(context.Background(), RoleResearcher, "dig", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "researcher-") {
		t.Errorf("id = %q", id)
	}

	waitUntil(t, "summary delivery", func() bool {
		for _, msg := range main.History() {
			if msg.Content == "[SUMMARY from researcher] two promising leads" {
				return true
			}
		}
		return false
	})
	if m.Stats().Summaries != 1 {
		t.Errorf("summaries = %d", m.Stats().Summaries)
	}
	waitUntil(t, "sub-agent completion", func() bool {
		return m.Agent(id).Status() == StatusCompleted
	})
}

func TestSubAgentErrorDelivery(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(func(p AgentProfile) (Provider, error) {
			if p.Role == RoleTester {
				return &scriptedProvider{errs: []error{errors.New("backend down")}}, nil
			}
			return &scriptedProvider{}, nil
		}),
	)
	main, err := m.SpawnMain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Spawn(context.Background(), RoleTester, "run suite", ""); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, "error delivery", func() bool {
		for _, msg := range main.History() {
			if strings.HasPrefix(msg.Content, "[ERROR from tester] ") {
				return true
			}
		}
		return false
	})
}

func TestCheckAndAutoSpawn(t *testing.T) {
	profiles := testProfiles()
	researcher := profiles[RoleResearcher]
	researcher.SpawnKeywords = []string{"research", "investigate"}
	profiles[RoleResearcher] = researcher

	m := NewManager(
		WithProfiles(profiles),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"done"},
		})),
		WithAutoSpawn(true),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}

	spawned := m.CheckAndAutoSpawn(context.Background(), "please RESEARCH the options")
	if len(spawned) != 1 {
		t.Fatalf("spawned = %v", spawned)
	}
	if more := m.CheckAndAutoSpawn(context.Background(), "no trigger words here"); len(more) != 0 {
		t.Errorf("spawned = %v", more)
	}
	m.Shutdown()
}

func TestAutoSpawnDisabled(t *testing.T) {
	profiles := testProfiles()
	researcher := profiles[RoleResearcher]
	researcher.SpawnKeywords = []string{"research"}
	profiles[RoleResearcher] = researcher

	m := NewManager(
		WithProfiles(profiles),
		WithProviderFactory(scriptedFactory(nil)),
		WithAutoSpawn(false),
	)
	if got := m.CheckAndAutoSpawn(context.Background(), "research this"); got != nil {
		t.Errorf("spawned = %v", got)
	}
}

func TestListAndTerminate(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"done"},
		})),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}
	id, err := m.Spawn(context.Background(), RoleResearcher, "dig", "")
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "sub-agent finish", func() bool {
		return m.Agent(id).Status() == StatusCompleted
	})

	if err := m.Terminate(id); err != nil {
		t.Fatal(err)
	}
	if err := m.Terminate("ghost"); err == nil {
		t.Error("terminating unknown agent succeeded")
	}

	visible := m.List(false)
	for _, info := range visible {
		if info.ID == id {
			t.Error("terminated agent listed")
		}
	}
	all := m.List(true)
	if len(all) != len(visible)+1 {
		t.Errorf("list sizes: all=%d visible=%d", len(all), len(visible))
	}

	subs := m.SubAgents(MainAgentID)
	if len(subs) != 1 || subs[0].ID != id {
		t.Errorf("subagents = %+v", subs)
	}
}

func TestTerminateChildren(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"done"},
			RoleTester:     {"done"},
		})),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	r, err := m.Spawn(ctx, RoleResearcher, "a", "")
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.Spawn(ctx, RoleTester, "b", "")
	if err != nil {
		t.Fatal(err)
	}
	m.TerminateChildren(MainAgentID)
	m.Shutdown()
	for _, id := range []string{r, s} {
		if st := m.Agent(id).Status(); st != StatusTerminated && st != StatusCompleted {
			t.Errorf("agent %s status = %s", id, st)
		}
	}
}

func TestStats(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleResearcher: {"done"},
		})),
	)
	if _, err := m.SpawnMain(nil); err != nil {
		t.Fatal(err)
	}
	id, err := m.Spawn(context.Background(), RoleResearcher, "dig", "")
	if err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "sub-agent finish", func() bool {
		return m.Agent(id).Status() == StatusCompleted
	})

	stats := m.Stats()
	if stats.Total != 2 {
		t.Errorf("total = %d", stats.Total)
	}
	if stats.Active != 1 { // completed researcher released its slot
		t.Errorf("active = %d", stats.Active)
	}
	if stats.MainAgentID != MainAgentID {
		t.Errorf("main = %q", stats.MainAgentID)
	}
	if stats.ByRole["researcher"] != 1 {
		t.Errorf("by role = %v", stats.ByRole)
	}
}

func TestRouteDirect(t *testing.T) {
	m := NewManager(
		WithProfiles(testProfiles()),
		WithProviderFactory(scriptedFactory(map[AgentRole][]string{
			RoleMain: {"acknowledged"},
		})),
	)
	main, err := m.SpawnMain(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RouteDirect(context.Background(), MainAgentID, "status?"); err != nil {
		t.Fatal(err)
	}
	hist := main.History()
	last := hist[len(hist)-1]
	if last.Role != "assistant" || last.Content != "acknowledged" {
		t.Errorf("last = %+v", last)
	}
	if err := m.RouteDirect(context.Background(), "ghost", "hi"); err == nil {
		t.Error("routing to unknown agent succeeded")
	}
}
