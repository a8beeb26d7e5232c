package fleetsync

import (
	"context"
	"errors"
	"testing"
)

// failingFetchAPI wraps fakeAPI, failing the vehicle fetch on demand.
type failingFetchAPI struct {
	*fakeAPI
	vehiclesErr error
}

func (f *failingFetchAPI) FetchVehicles(ctx context.Context) ([]Vehicle, error) {
	if f.vehiclesErr != nil {
		return nil, f.vehiclesErr
	}
	return f.fakeAPI.FetchVehicles(ctx)
}

func TestReferenceCacheRefresh(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	cache := NewReferenceCache(store, &fakeAPI{}, testLogger())

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	vehicles, err := cache.Vehicles()
	if err != nil {
		t.Fatalf("vehicles: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].Plate != "ABC-1234" {
		t.Errorf("vehicles = %+v", vehicles)
	}
	dests, _ := cache.Destinations()
	if len(dests) != 1 || dests[0].Name != "Depot" {
		t.Errorf("destinations = %+v", dests)
	}
	usage, _ := cache.RecentUsage()
	if len(usage) != 1 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestReferenceCachePartialFailureKeepsMirror(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	api := &failingFetchAPI{fakeAPI: &fakeAPI{}}
	cache := NewReferenceCache(store, api, testLogger())

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	// Vehicles now fail; the old mirror must survive and the other lists
	// must still refresh.
	api.vehiclesErr = errors.New("connection refused")
	err := cache.Refresh(context.Background())
	if err == nil {
		t.Fatal("partial failure not reported")
	}

	vehicles, _ := cache.Vehicles()
	if len(vehicles) != 1 {
		t.Errorf("vehicle mirror lost on failed fetch: %+v", vehicles)
	}
	dests, _ := cache.Destinations()
	if len(dests) != 1 {
		t.Errorf("destination mirror not refreshed: %+v", dests)
	}
}
