package deploy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artpar/stackpilot/internal/core/deployment"
	"github.com/artpar/stackpilot/internal/core/domain"
	"github.com/artpar/stackpilot/internal/shell/catalog"
	"github.com/artpar/stackpilot/internal/shell/store"
)

// =============================================================================
// Fake Runtime
// =============================================================================

type fakeRuntime struct {
	mu         sync.Mutex
	deployed   []string                       // stack names, call order
	removed    []string                       // stack names, call order
	specs      map[string]deployment.StackSpec // last spec per stack name
	stackNames map[string]string              // deployment id -> stack name
	failStacks map[string]error
	slowStacks map[string]bool
	failRemove map[string]error // by stack name
	dupStacks  map[string]bool  // report the app service twice
	health     map[string][]domain.ServiceHealth
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		specs:      make(map[string]deployment.StackSpec),
		stackNames: make(map[string]string),
		failStacks: make(map[string]error),
		slowStacks: make(map[string]bool),
		failRemove: make(map[string]error),
		dupStacks:  make(map[string]bool),
		health:     make(map[string][]domain.ServiceHealth),
	}
}

func (f *fakeRuntime) DeployStack(ctx context.Context, spec deployment.StackSpec) ([]domain.DeployedService, error) {
	f.mu.Lock()
	f.deployed = append(f.deployed, spec.StackName)
	f.specs[spec.StackName] = spec
	f.stackNames[spec.DeploymentID] = spec.StackName
	slow := f.slowStacks[spec.StackName]
	err := f.failStacks[spec.StackName]
	dup := f.dupStacks[spec.StackName]
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	services := []domain.DeployedService{
		{Name: "app", ContainerID: "c-" + spec.DeploymentID, ContainerName: spec.StackName + "-app", Image: "example/" + spec.StackName, Status: "running"},
		{Name: "worker", ContainerID: "w-" + spec.DeploymentID, ContainerName: spec.StackName + "-worker", Image: "example/" + spec.StackName, Status: "running"},
	}
	if dup {
		services = append(services, services[0])
	}
	return services, nil
}

func (f *fakeRuntime) RemoveStack(_ context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := f.stackNames[deploymentID]
	f.removed = append(f.removed, name)
	return f.failRemove[name]
}

func (f *fakeRuntime) InspectServiceHealth(_ context.Context, deploymentID string) ([]domain.ServiceHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.health[deploymentID]; ok {
		return h, nil
	}
	return nil, errors.New("no containers")
}

func (f *fakeRuntime) failStack(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failStacks, name)
		return
	}
	f.failStacks[name] = err
}

func (f *fakeRuntime) deployedStacks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deployed...)
}

func (f *fakeRuntime) removedStacks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func (f *fakeRuntime) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = nil
	f.removed = nil
}

// =============================================================================
// Recording Publisher
// =============================================================================

type publishedEvent struct {
	session, phase, message string
	percent                 int
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(sessionID, phase, message string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{sessionID, phase, message, percent})
}

func (p *recordingPublisher) last() publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return publishedEvent{}
	}
	return p.events[len(p.events)-1]
}

// =============================================================================
// Fixtures
// =============================================================================

const testManifest = "services:\n  app:\n    image: example/app\n"

func shopV1() *catalog.Product {
	return &catalog.Product{
		ID:        "shop",
		Name:      "Shop",
		Version:   "1.0.0",
		Variables: map[string]string{"DOMAIN": "shop.example.com"},
		Stacks: []catalog.Stack{
			{Name: "db", Order: 1, Manifest: testManifest},
			{Name: "api", Order: 2, Manifest: testManifest, Variables: map[string]string{"API_PORT": "8080"}},
			{Name: "web", Order: 3, Manifest: testManifest},
		},
	}
}

func shopV2() *catalog.Product {
	return &catalog.Product{
		ID:        "shop-v2",
		Name:      "Shop",
		Group:     "shop",
		Version:   "2.0.0",
		Variables: map[string]string{"DOMAIN": "shop.example.com"},
		Stacks: []catalog.Stack{
			{Name: "db", Order: 1, Manifest: testManifest},
			{Name: "api", Order: 2, Manifest: testManifest, Variables: map[string]string{"API_PORT": "9090", "WORKERS": "4"}},
			{Name: "web", Order: 3, Manifest: testManifest},
			{Name: "monitoring", Order: 4, Manifest: testManifest},
		},
	}
}

// shopSlim drops the web stack.
func shopSlim() *catalog.Product {
	p := shopV1()
	p.ID = "shop-slim"
	p.Group = "shop"
	p.Version = "1.1.0"
	p.Stacks = p.Stacks[:2]
	return p
}

// blog shares the db stack name with shop.
func blog() *catalog.Product {
	return &catalog.Product{
		ID:      "blog",
		Name:    "Blog",
		Version: "1.0.0",
		Stacks: []catalog.Stack{
			{Name: "db", Order: 1, Manifest: testManifest},
		},
	}
}

type testEnv struct {
	store     *store.SQLiteStore
	runtime   *fakeRuntime
	publisher *recordingPublisher
	locks     *Locks
	stacks    *StackService
	products  *ProductService
	health    *HealthService
}

func newTestEnv(t *testing.T, cfg ProductConfig) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cat, err := catalog.New(shopV1(), shopV2(), shopSlim(), blog())
	require.NoError(t, err)

	rt := newFakeRuntime()
	pub := &recordingPublisher{}
	locks := NewLocks()
	stacks := NewStackService(s, rt, locks, nil)
	return &testEnv{
		store:     s,
		runtime:   rt,
		publisher: pub,
		locks:     locks,
		stacks:    stacks,
		products:  NewProductService(s, stacks, cat, pub, locks, cfg, nil),
		health:    NewHealthService(s, rt, nil),
	}
}

func lenient() ProductConfig {
	return ProductConfig{StackTimeout: 5 * time.Second, ContinueOnError: true}
}

func boolPtr(b bool) *bool { return &b }
