package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/triage/datastore"
)

type fakeSource struct {
	services map[string]*datastore.ServiceDefinition
	err      error
	loads    int
}

func (f *fakeSource) All(_ context.Context) (map[string]*datastore.ServiceDefinition, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.services, nil
}

func testCatalog() map[string]*datastore.ServiceDefinition {
	return map[string]*datastore.ServiceDefinition{
		"strings": {Name: "strings", Category: "static", Stage: "core", Accepts: ".*"},
		"sandbox": {Name: "sandbox", Category: "dynamic", Stage: "post", Accepts: ".*"},
	}
}

func TestRegistryRefresh(t *testing.T) {
	src := &fakeSource{services: testCatalog()}
	reg := New(src, []string{"core", "post"}, time.Minute, nil)

	services, err := reg.Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 2 {
		t.Errorf("got %d services, want 2", len(services))
	}

	def, ok, err := reg.Lookup(context.Background(), "strings")
	if err != nil || !ok {
		t.Fatalf("Lookup(strings) = %v, %v, %v", def, ok, err)
	}
	if def.FailureLimit != datastore.DefaultFailureLimit {
		t.Errorf("defaults not applied: FailureLimit = %d", def.FailureLimit)
	}

	if _, ok, _ := reg.Lookup(context.Background(), "missing"); ok {
		t.Error("Lookup(missing) reported found")
	}
}

func TestRegistryCachesWithinInterval(t *testing.T) {
	src := &fakeSource{services: testCatalog()}
	reg := New(src, []string{"core", "post"}, time.Hour, nil)

	ctx := context.Background()
	if _, err := reg.Services(ctx); err != nil {
		t.Fatalf("Services: %v", err)
	}
	if _, err := reg.Services(ctx); err != nil {
		t.Fatalf("Services: %v", err)
	}
	if src.loads != 1 {
		t.Errorf("source loaded %d times within interval, want 1", src.loads)
	}
}

func TestRegistryDropsUnknownStage(t *testing.T) {
	catalog := testCatalog()
	catalog["misplaced"] = &datastore.ServiceDefinition{
		Name: "misplaced", Category: "static", Stage: "nowhere", Accepts: ".*",
	}
	src := &fakeSource{services: catalog}
	reg := New(src, []string{"core", "post"}, time.Minute, nil)

	services, err := reg.Services(context.Background())
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if _, ok := services["misplaced"]; ok {
		t.Error("service with unknown stage kept in catalog")
	}
}

func TestRegistryServesStaleOnSourceFailure(t *testing.T) {
	src := &fakeSource{services: testCatalog()}
	reg := New(src, []string{"core", "post"}, 0, nil) // every access is stale

	ctx := context.Background()
	if _, err := reg.Services(ctx); err != nil {
		t.Fatalf("initial load: %v", err)
	}

	src.err = errors.New("kv unavailable")
	services, err := reg.Services(ctx)
	if err != nil {
		t.Fatalf("expected stale snapshot, got error: %v", err)
	}
	if len(services) != 2 {
		t.Errorf("stale snapshot has %d services, want 2", len(services))
	}
}

func TestRegistryFailsWhenNeverLoaded(t *testing.T) {
	src := &fakeSource{err: errors.New("kv unavailable")}
	reg := New(src, []string{"core"}, time.Minute, nil)

	if _, err := reg.Services(context.Background()); err == nil {
		t.Error("expected error when catalog never loaded")
	}
}

func TestRegistryCategories(t *testing.T) {
	src := &fakeSource{services: testCatalog()}
	reg := New(src, []string{"core", "post"}, time.Minute, nil)

	categories, err := reg.Categories(context.Background())
	if err != nil {
		t.Fatalf("Categories: %v", err)
	}
	if len(categories["static"]) != 1 || categories["static"][0] != "strings" {
		t.Errorf("static category = %v", categories["static"])
	}
}
