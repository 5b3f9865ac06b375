package tiers

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"attendbot/internal/models"
)

// RoleManager performs the actual Discord role mutation. Calls may fail with
// permission errors that must be tolerated.
type RoleManager interface {
	AssignRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID string) error
}

// TierSource supplies the configured tier definitions for a guild category.
type TierSource interface {
	RoleTiers(ctx context.Context, guildID, category string) ([]models.RoleTier, error)
}

// PanicSource exposes the global automation killswitch.
type PanicSource interface {
	IsPanicMode(ctx context.Context, guildID string) (bool, error)
}

// AuditLogger is a best-effort audit trail.
type AuditLogger interface {
	Log(ctx context.Context, guildID string, entry models.AuditEntry) error
}

// Notifier delivers progress messages to users. Delivery failures are soft.
type Notifier interface {
	DirectMessage(ctx context.Context, userID, content string) error
}

// Updater derives a member's tier role from their lifetime qualified-event
// count and reconciles it against the guild's configured tiers.
type Updater struct {
	roles  RoleManager
	tiers  TierSource
	panic  PanicSource
	audit  AuditLogger
	notify Notifier
}

// New creates an updater. audit and notify may be nil.
func New(roles RoleManager, tiers TierSource, panicSource PanicSource, audit AuditLogger, notify Notifier) *Updater {
	return &Updater{roles: roles, tiers: tiers, panic: panicSource, audit: audit, notify: notify}
}

// SyncResult reports the outcome of a tier reconciliation.
type SyncResult struct {
	// Selected is the tier the count earned, nil when no threshold is met.
	Selected *models.RoleTier
	// Applied is false when panic mode suppressed role mutation.
	Applied bool
	// Notices collects soft failures (role mutation, DM, audit log).
	Notices []string
}

// Sync selects the highest tier whose threshold qualifiedCount meets,
// removes every other configured tier role and grants the selected one.
// Role, DM and audit failures never fail the sync; they land in Notices.
func (u *Updater) Sync(ctx context.Context, guildID, userID, category string, qualifiedCount int) (*SyncResult, error) {
	defs, err := u.tiers.RoleTiers(ctx, guildID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load role tiers: %w", err)
	}
	if len(defs) == 0 {
		return &SyncResult{Applied: true}, nil
	}

	// Highest threshold first; the first one the count meets wins.
	sort.Slice(defs, func(i, j int) bool { return defs[i].Threshold > defs[j].Threshold })

	res := &SyncResult{}
	for i := range defs {
		if qualifiedCount >= defs[i].Threshold {
			res.Selected = &defs[i]
			break
		}
	}

	panicMode, err := u.panic.IsPanicMode(ctx, guildID)
	if err != nil {
		// Fail safe: treat an unreadable killswitch as engaged.
		res.Notices = append(res.Notices, fmt.Sprintf("panic mode check failed, roles untouched: %v", err))
		panicMode = true
	}
	if panicMode {
		logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID}).
			Warn("panic mode set, tier computed but no roles changed")
		return res, nil
	}
	res.Applied = true

	for _, def := range defs {
		if res.Selected != nil && def.RoleID == res.Selected.RoleID {
			continue
		}
		if err := u.roles.RemoveRole(ctx, guildID, userID, def.RoleID); err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("remove role %s failed: %v", def.TierName, err))
			logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID, "role": def.RoleID}).
				Warnf("tier role removal failed: %v", err)
		}
	}

	if res.Selected != nil {
		if err := u.roles.AssignRole(ctx, guildID, userID, res.Selected.RoleID); err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("assign role %s failed: %v", res.Selected.TierName, err))
			logrus.WithFields(logrus.Fields{"guild": guildID, "user": userID, "role": res.Selected.RoleID}).
				Warnf("tier role assignment failed: %v", err)
		} else if u.notify != nil {
			msg := fmt.Sprintf("You reached the %s tier with %d qualified events. Keep it up!",
				res.Selected.TierName, qualifiedCount)
			if err := u.notify.DirectMessage(ctx, userID, msg); err != nil {
				res.Notices = append(res.Notices, fmt.Sprintf("progress DM undeliverable: %v", err))
			}
		}
	}

	if u.audit != nil {
		tierName := "none"
		if res.Selected != nil {
			tierName = res.Selected.TierName
		}
		entry := models.AuditEntry{
			GuildID: guildID,
			ActorID: userID,
			Action:  "tier_sync",
			Detail:  fmt.Sprintf("category=%s count=%d tier=%s", category, qualifiedCount, tierName),
		}
		if err := u.audit.Log(ctx, guildID, entry); err != nil {
			res.Notices = append(res.Notices, fmt.Sprintf("audit log write failed: %v", err))
		}
	}

	return res, nil
}
