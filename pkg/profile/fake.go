package profile

import (
	"context"
	"fmt"
	"sync"

	"github.com/corralhq/corral/pkg/types"
	"github.com/google/uuid"
)

// FakeDriver is an in-memory Driver for tests and local runs. Operations
// succeed unless a failure is injected for the operation name.
type FakeDriver struct {
	mu        sync.Mutex
	failures  map[string]error
	created   map[string]bool // physical ids
	callCount map[string]int
}

// NewFakeDriver creates a FakeDriver with no injected failures
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		failures:  make(map[string]error),
		created:   make(map[string]bool),
		callCount: make(map[string]int),
	}
}

// FailWith injects an error for the named operation ("create", "delete", ...)
func (f *FakeDriver) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

// Calls returns how many times the named operation ran
func (f *FakeDriver) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[op]
}

func (f *FakeDriver) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[op]++
	return f.failures[op]
}

func (f *FakeDriver) Create(ctx context.Context, n *types.Node) (string, error) {
	if err := f.record("create"); err != nil {
		return "", err
	}
	physical := "physical-" + uuid.New().String()
	f.mu.Lock()
	f.created[physical] = true
	f.mu.Unlock()
	return physical, nil
}

func (f *FakeDriver) Delete(ctx context.Context, n *types.Node) error {
	if err := f.record("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.created, n.PhysicalID)
	f.mu.Unlock()
	return nil
}

func (f *FakeDriver) Update(ctx context.Context, n *types.Node, newProfileID string) error {
	return f.record("update")
}

func (f *FakeDriver) Check(ctx context.Context, n *types.Node) error {
	if err := f.record("check"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.PhysicalID != "" && !f.created[n.PhysicalID] {
		return fmt.Errorf("physical resource '%s' is gone", n.PhysicalID)
	}
	return nil
}

func (f *FakeDriver) Recover(ctx context.Context, n *types.Node, params types.RecoverParams) (string, error) {
	if err := f.record("recover"); err != nil {
		return "", err
	}
	if params.ForceRecreate || n.PhysicalID == "" {
		physical := "physical-" + uuid.New().String()
		f.mu.Lock()
		delete(f.created, n.PhysicalID)
		f.created[physical] = true
		f.mu.Unlock()
		return physical, nil
	}
	return "", nil
}

func (f *FakeDriver) Join(ctx context.Context, n *types.Node, clusterID string) error {
	return f.record("join")
}

func (f *FakeDriver) Leave(ctx context.Context, n *types.Node) error {
	return f.record("leave")
}

func (f *FakeDriver) Operation(ctx context.Context, n *types.Node, op string, params map[string]string) error {
	return f.record("operation:" + op)
}
