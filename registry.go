package scenemesh

import (
	"fmt"
	"sync"
)

type instanceKey struct {
	worldID   int32
	sceneName string
	handle    string
}

// Registry tracks the live scene instances this process knows about. It is
// purely in-memory state: the durable counterpart is the scene-lease table,
// which the registry never reads or writes itself.
type Registry struct {
	mu        sync.RWMutex
	instances map[instanceKey]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		instances: make(map[instanceKey]*Instance),
	}
}

// Register records a newly loaded local instance. Registering the same
// (worldID, sceneName, handle) triple twice is a process-level invariant
// violation and panics rather than continuing with corrupt state.
func (r *Registry) Register(worldID int32, sceneName, handle string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var key = instanceKey{worldID: worldID, sceneName: sceneName, handle: handle}
	if _, exists := r.instances[key]; exists {
		panic(fmt.Sprintf("scene instance registered twice: world=%d scene=%s handle=%s",
			worldID, sceneName, handle))
	}

	var instance = &Instance{
		WorldID:   worldID,
		SceneName: sceneName,
		Handle:    handle,
		local:     true,
	}
	r.instances[key] = instance
	return instance
}

// Adopt records an instance observed through the store (loaded by another
// process). Unlike Register it is idempotent: adopting an already-known
// triple returns the existing entry.
func (r *Registry) Adopt(worldID int32, sceneName, handle string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	var key = instanceKey{worldID: worldID, sceneName: sceneName, handle: handle}
	if existing, ok := r.instances[key]; ok {
		return existing
	}

	var instance = &Instance{
		WorldID:   worldID,
		SceneName: sceneName,
		Handle:    handle,
	}
	r.instances[key] = instance
	return instance
}

// Lookup returns an instance for (worldID, sceneName), preferring the least
// loaded one. The pick order is a policy choice, not a contract.
func (r *Registry) Lookup(worldID int32, sceneName string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Instance
	for key, instance := range r.instances {
		if key.worldID != worldID || key.sceneName != sceneName {
			continue
		}
		if best == nil || instance.occupancy < best.occupancy {
			best = instance
		}
	}

	return best, best != nil
}

// LookupHandle returns the instance with an exact triple match.
func (r *Registry) LookupHandle(worldID int32, sceneName, handle string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var instance, ok = r.instances[instanceKey{worldID: worldID, sceneName: sceneName, handle: handle}]
	return instance, ok
}

// Join increments an instance's occupancy.
func (r *Registry) Join(instance *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instance.occupancy++
}

// Leave decrements an instance's occupancy. Going negative means a
// character left an instance it never joined; that is the same invariant
// class as double registration and panics.
func (r *Registry) Leave(instance *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if instance.occupancy == 0 {
		panic(fmt.Sprintf("occupancy underflow: world=%d scene=%s handle=%s",
			instance.WorldID, instance.SceneName, instance.Handle))
	}
	instance.occupancy--
}

// Occupancy returns an instance's current occupancy.
func (r *Registry) Occupancy(instance *Instance) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return instance.occupancy
}

// LocalInstances returns a snapshot of the instances this process loaded
// itself, paired with their occupancy at snapshot time.
func (r *Registry) LocalInstances() []SceneLease {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var leases []SceneLease
	for _, instance := range r.instances {
		if !instance.local {
			continue
		}
		leases = append(leases, SceneLease{
			WorldID:   instance.WorldID,
			SceneName: instance.SceneName,
			Handle:    instance.Handle,
			Occupancy: instance.occupancy,
		})
	}

	return leases
}
