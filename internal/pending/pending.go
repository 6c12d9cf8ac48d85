// Package pending stores actions staged by an actor until they confirm or discard them.
// Each actor has at most one pending action and every action expires.
package pending

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind names a confirmable action
type Kind string

const (
	KindTriggerCampaign    Kind = "trigger_campaign"
	KindDeactivateTemplate Kind = "deactivate_template"
	KindCancelEnrollment   Kind = "cancel_enrollment"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindTriggerCampaign, KindDeactivateTemplate, KindCancelEnrollment:
		return true
	}
	return false
}

// DefaultTTL is used when a store is created without an expiry
const DefaultTTL = 5 * time.Minute

// ErrNotFound is returned when the actor has no live pending action
var ErrNotFound = errors.New("no pending action")

// Action is a staged operation awaiting confirmation
type Action struct {
	ActorID   string    `json:"actor_id"`
	Kind      Kind      `json:"kind"`
	TargetID  string    `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the action can no longer be confirmed at now
func (a *Action) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Store keeps one pending action per actor.
// Put replaces any earlier action of the same actor. Take returns and removes it.
type Store interface {
	Put(ctx context.Context, a *Action) error
	Take(ctx context.Context, actorID string) (*Action, error)
	Discard(ctx context.Context, actorID string) error
	Close() error
}

func stamp(a *Action, now time.Time, ttl time.Duration) error {
	if a.ActorID == "" {
		return errors.New("pending action requires an actor")
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown pending action kind: %q", a.Kind)
	}
	if a.TargetID == "" {
		return errors.New("pending action requires a target")
	}
	a.CreatedAt = now
	a.ExpiresAt = now.Add(ttl)
	return nil
}
