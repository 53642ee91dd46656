// Package policy holds the versioned policy store and the access decision
// engine that evaluates requests against committed policy versions.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/campusgate/backend/internal/core"
)

// VersionStore manages versioned policy history. Decisions record the exact
// version that applied; any prior version can be restored wholesale, which
// is what makes adjuster rollback safe.
type VersionStore struct {
	mu       sync.RWMutex
	versions map[string][]*core.Policy // policy ID -> ordered versions
	active   map[string]int            // policy ID -> active version number
}

func NewVersionStore() *VersionStore {
	return &VersionStore{
		versions: make(map[string][]*core.Policy),
		active:   make(map[string]int),
	}
}

// Push commits a new version of a policy and makes it active. The stored
// copy is detached from the caller's value so later edits cannot leak into
// committed history.
func (vs *VersionStore) Push(p core.Policy) *core.Policy {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	next := len(vs.versions[p.ID]) + 1
	p.Version = next
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if len(vs.versions[p.ID]) > 0 {
		// creation time of the policy is the first version's
		p.CreatedAt = vs.versions[p.ID][0].CreatedAt
	}
	stored := p
	stored.AllowedRoles = append([]string(nil), p.AllowedRoles...)
	stored.RestrictedHours = append([]int(nil), p.RestrictedHours...)

	vs.versions[p.ID] = append(vs.versions[p.ID], &stored)
	vs.active[p.ID] = next
	return &stored
}

// Rollback restores a previous version wholesale and makes it active.
func (vs *VersionStore) Rollback(policyID string, targetVersion int) (*core.Policy, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	versions, ok := vs.versions[policyID]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("no versions found for policy %s", policyID)
	}
	if targetVersion < 1 || targetVersion > len(versions) {
		return nil, fmt.Errorf("invalid version %d for policy %s (range 1-%d)", targetVersion, policyID, len(versions))
	}

	vs.active[policyID] = targetVersion
	return versions[targetVersion-1], nil
}

// GetActive returns the committed version currently in force for a policy.
func (vs *VersionStore) GetActive(policyID string) *core.Policy {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.activeLocked(policyID)
}

func (vs *VersionStore) activeLocked(policyID string) *core.Policy {
	ver, ok := vs.active[policyID]
	if !ok {
		return nil
	}
	versions := vs.versions[policyID]
	if ver < 1 || ver > len(versions) {
		return nil
	}
	return versions[ver-1]
}

// History returns all versions of a policy, oldest first.
func (vs *VersionStore) History(policyID string) []*core.Policy {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return append([]*core.Policy(nil), vs.versions[policyID]...)
}

// ActivePolicies returns the in-force version of every active policy, sorted
// by descending priority; ties break on earliest creation for stable
// ordering.
func (vs *VersionStore) ActivePolicies() []*core.Policy {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	out := make([]*core.Policy, 0, len(vs.active))
	for id := range vs.active {
		if p := vs.activeLocked(id); p != nil && p.Active {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
