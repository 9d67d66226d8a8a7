package guard

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Capabilities is the role table consulted by every privileged entry point.
type Capabilities struct {
	mu    sync.RWMutex
	roles map[common.Address]map[domain.Role]bool
}

// NewCapabilities returns a table in which admin holds the Admin role.
func NewCapabilities(admin common.Address) *Capabilities {
	c := &Capabilities{roles: make(map[common.Address]map[domain.Role]bool)}
	c.set(admin, domain.RoleAdmin)
	return c
}

func (c *Capabilities) set(actor common.Address, role domain.Role) {
	if c.roles[actor] == nil {
		c.roles[actor] = make(map[domain.Role]bool)
	}
	c.roles[actor][role] = true
}

// Has reports whether actor holds role.
func (c *Capabilities) Has(actor common.Address, role domain.Role) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roles[actor][role]
}

// Require returns a GovernanceRejected unless actor holds one of roles.
func (c *Capabilities) Require(actor common.Address, roles ...domain.Role) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range roles {
		if c.roles[actor][r] {
			return nil
		}
	}
	return &domain.GovernanceRejected{
		Code:   domain.GovMissingCapability,
		Actor:  actor,
		Detail: fmt.Sprintf("requires %v", roles),
	}
}

// Grant gives role to actor. Only an Admin may grant.
func (c *Capabilities) Grant(by, actor common.Address, role domain.Role) error {
	if !validRole(role) {
		return &domain.GovernanceRejected{Code: domain.GovInvalidPayload, Actor: by, Detail: fmt.Sprintf("unknown role %q", role)}
	}
	if err := c.Require(by, domain.RoleAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(actor, role)
	return nil
}

// Revoke removes role from actor. Only an Admin may revoke, and the last
// Admin cannot be removed.
func (c *Capabilities) Revoke(by, actor common.Address, role domain.Role) error {
	if err := c.Require(by, domain.RoleAdmin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if role == domain.RoleAdmin && c.roles[actor][domain.RoleAdmin] && c.countLocked(domain.RoleAdmin) == 1 {
		return &domain.GovernanceRejected{Code: domain.GovInvalidPayload, Actor: by, Detail: "cannot revoke the last admin"}
	}
	delete(c.roles[actor], role)
	if len(c.roles[actor]) == 0 {
		delete(c.roles, actor)
	}
	return nil
}

func (c *Capabilities) countLocked(role domain.Role) int {
	n := 0
	for _, rs := range c.roles {
		if rs[role] {
			n++
		}
	}
	return n
}

// RolesOf returns the roles actor holds, in declaration order.
func (c *Capabilities) RolesOf(actor common.Address) []domain.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.Role
	for _, r := range domain.Roles {
		if c.roles[actor][r] {
			out = append(out, r)
		}
	}
	return out
}

// Members returns every actor holding role, ordered by address.
func (c *Capabilities) Members(role domain.Role) []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []common.Address
	for a, rs := range c.roles {
		if rs[role] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func validRole(r domain.Role) bool {
	for _, known := range domain.Roles {
		if r == known {
			return true
		}
	}
	return false
}
