// Package policy implements the permission resolver: it classifies an acting
// identity into a tier (blocked / free / premium / admin) from caller-supplied
// role data plus a file-backed policy document, and answers the per-tier daily
// quota.
//
// The document is loaded once at startup through Viper; when no file exists a
// built-in default document is written so operators have something to edit.
// The read path (TierFor / QuotaFor / IsBlocked) is pure over an immutable
// snapshot; admin mutations swap the snapshot and persist the document
// immediately.
package policy

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Tier is the classification of an acting identity.
type Tier string

// Tiers, in increasing order of privilege. Blocked short-circuits everything.
const (
	TierBlocked Tier = "blocked"
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
	TierAdmin   Tier = "admin"
)

// Unlimited is the sentinel daily limit meaning "no ceiling".
const Unlimited = -1

// Membership carries the role data the chat platform knows about an identity
// within one community. The zero value describes a direct-message sender.
type Membership struct {
	// Roles are the names of the roles the identity holds.
	Roles []string
	// IsGuildOwner is true when the identity owns the community.
	IsGuildOwner bool
	// HasAdminPermission is true when the platform grants the identity an
	// administrative capability flag independent of role names.
	HasAdminPermission bool
}

// document is the on-disk shape of the policy file.
type document struct {
	PremiumRoles []string       `mapstructure:"premium_roles"`
	AdminRoles   []string       `mapstructure:"admin_roles"`
	DailyLimits  map[string]int `mapstructure:"daily_limits"`
	BlockedUsers []string       `mapstructure:"blocked_users"`
}

// snapshot is the immutable, lookup-friendly form served to readers.
type snapshot struct {
	premiumRoles map[string]struct{}
	adminRoles   map[string]struct{}
	dailyLimits  map[Tier]int
	blocked      map[string]struct{}
}

// Policy is the process-wide permission policy. Safe for concurrent use:
// reads take an RLock over an immutable snapshot, admin writes rebuild the
// snapshot and persist through Viper.
type Policy struct {
	mu   sync.RWMutex
	v    *viper.Viper
	snap snapshot
}

// Load reads the policy document at path, creating it with built-in defaults
// when it does not exist yet.
func Load(path string) (*Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetDefault("premium_roles", []string{"Premium", "VIP", "Supporter"})
	v.SetDefault("admin_roles", []string{"Admin", "Moderator"})
	v.SetDefault("daily_limits", map[string]int{
		string(TierFree):    10,
		string(TierPremium): Unlimited,
		string(TierAdmin):   Unlimited,
	})
	v.SetDefault("blocked_users", []string{})

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, err
			}
		}
		// First run: materialize the defaults so operators can edit them.
		if dir := filepath.Dir(path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, mkErr
			}
		}
		if wErr := v.WriteConfigAs(path); wErr != nil {
			return nil, wErr
		}
	}

	var doc document
	if err := v.Unmarshal(&doc); err != nil {
		return nil, err
	}

	p := &Policy{v: v}
	p.snap = buildSnapshot(doc)
	return p, nil
}

func buildSnapshot(doc document) snapshot {
	s := snapshot{
		premiumRoles: toSet(doc.PremiumRoles),
		adminRoles:   toSet(doc.AdminRoles),
		blocked:      toSet(doc.BlockedUsers),
		dailyLimits:  make(map[Tier]int, len(doc.DailyLimits)),
	}
	for k, lim := range doc.DailyLimits {
		s.dailyLimits[Tier(strings.ToLower(k))] = lim
	}
	return s
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// IsBlocked reports whether the identity appears in the blocked set. Checked
// independently of any role data.
func (p *Policy) IsBlocked(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.snap.blocked[userID]
	return ok
}

// TierFor classifies an identity. Blocked membership short-circuits all role
// evaluation; otherwise owner status, the admin capability flag, or an
// admin-role name yield admin; a premium-role name yields premium; everything
// else is free. Pure over the loaded policy plus the supplied membership.
func (p *Policy) TierFor(userID string, m Membership) Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, blocked := p.snap.blocked[userID]; blocked {
		return TierBlocked
	}
	if m.IsGuildOwner || m.HasAdminPermission {
		return TierAdmin
	}
	for _, r := range m.Roles {
		if _, ok := p.snap.adminRoles[r]; ok {
			return TierAdmin
		}
	}
	for _, r := range m.Roles {
		if _, ok := p.snap.premiumRoles[r]; ok {
			return TierPremium
		}
	}
	return TierFree
}

// QuotaFor returns the configured daily ceiling for a tier. Unlimited (-1)
// means no ceiling; blocked identities get 0. Tiers missing from the document
// fall back to the free limit.
func (p *Policy) QuotaFor(t Tier) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if t == TierBlocked {
		return 0
	}
	if lim, ok := p.snap.dailyLimits[t]; ok {
		return lim
	}
	if lim, ok := p.snap.dailyLimits[TierFree]; ok {
		return lim
	}
	return 0
}

// BlockUser adds an identity to the blocked set and persists the document.
// Adding an already-blocked identity is a no-op.
func (p *Policy) BlockUser(userID string) error {
	return p.mutate(func(doc *document) bool {
		for _, id := range doc.BlockedUsers {
			if id == userID {
				return false
			}
		}
		doc.BlockedUsers = append(doc.BlockedUsers, userID)
		return true
	})
}

// UnblockUser removes an identity from the blocked set and persists the
// document. Unblocking an unknown identity is a no-op.
func (p *Policy) UnblockUser(userID string) error {
	return p.mutate(func(doc *document) bool {
		for i, id := range doc.BlockedUsers {
			if id == userID {
				doc.BlockedUsers = append(doc.BlockedUsers[:i], doc.BlockedUsers[i+1:]...)
				return true
			}
		}
		return false
	})
}

// AddPremiumRole registers a role name as conferring premium status and
// persists the document. Adding a known role is a no-op.
func (p *Policy) AddPremiumRole(role string) error {
	return p.mutate(func(doc *document) bool {
		for _, r := range doc.PremiumRoles {
			if r == role {
				return false
			}
		}
		doc.PremiumRoles = append(doc.PremiumRoles, role)
		return true
	})
}

// mutate applies fn to the current document and, when it reports a change,
// persists the document and swaps the read snapshot atomically.
func (p *Policy) mutate(fn func(*document) bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var doc document
	if err := p.v.Unmarshal(&doc); err != nil {
		return err
	}
	if !fn(&doc) {
		return nil
	}

	p.v.Set("premium_roles", doc.PremiumRoles)
	p.v.Set("admin_roles", doc.AdminRoles)
	p.v.Set("daily_limits", doc.DailyLimits)
	p.v.Set("blocked_users", doc.BlockedUsers)
	if err := p.v.WriteConfig(); err != nil {
		return err
	}
	p.snap = buildSnapshot(doc)
	return nil
}
