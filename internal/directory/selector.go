package directory

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Selector picks one reviewer from an ordered candidate list. key scopes any
// state the strategy keeps (for example "manager" or "manager/aml").
type Selector interface {
	Select(key string, candidates []*User) *User
}

// FirstMatch always returns the first candidate in directory order. It is not
// a fairness policy; it reproduces the arbitrary-first-match behavior.
type FirstMatch struct{}

// Select implements Selector.
func (FirstMatch) Select(_ string, candidates []*User) *User {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

// RoundRobin rotates through candidates per key. Fairness only holds while the
// candidate list is stable between calls.
type RoundRobin struct {
	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobin returns an empty round-robin selector.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{next: make(map[string]int)}
}

// Select implements Selector.
func (r *RoundRobin) Select(key string, candidates []*User) *User {
	if len(candidates) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next[key] % len(candidates)
	r.next[key] = i + 1
	return candidates[i]
}

// SelectActive picks from candidates and re-reads the pick with GetUser. A
// pick that is gone or no longer active is dropped and the selector asked
// again, so a candidate list served from a cache never yields a deactivated
// user. The returned user is the re-read copy.
func SelectActive(ctx context.Context, dir Directory, sel Selector, key string, candidates []*User) (*User, error) {
	for len(candidates) > 0 {
		pick := sel.Select(key, candidates)
		if pick == nil {
			return nil, nil
		}
		u, ok, err := dir.GetUser(ctx, pick.ID)
		if err != nil {
			return nil, fmt.Errorf("confirm %s: %w", pick.ID, err)
		}
		if ok && u.Active {
			return u, nil
		}
		candidates = slices.DeleteFunc(slices.Clone(candidates), func(c *User) bool { return c.ID == pick.ID })
	}
	return nil, nil
}

// Strategy names accepted by NewSelector.
const (
	StrategyFirst      = "first"
	StrategyRoundRobin = "round-robin"
)

// NewSelector builds a selector from its configured name.
func NewSelector(name string) (Selector, error) {
	switch name {
	case "", StrategyFirst:
		return FirstMatch{}, nil
	case StrategyRoundRobin:
		return NewRoundRobin(), nil
	default:
		return nil, fmt.Errorf("unknown assignment strategy %q", name)
	}
}
