package trust

import (
	"context"
	"time"
)

// Store bundles the trust persistence interfaces.
type Store interface {
	Levels() LevelStore
	Relationships() RelationshipStore
	Groups() GroupStore
	Log() LogStore
}

// LevelStore manages trust levels. Levels are deactivated, never deleted.
type LevelStore interface {
	Create(ctx context.Context, level *TrustLevel) error
	Find(ctx context.Context, id string) (*TrustLevel, error)
	FindByName(ctx context.Context, name string) (*TrustLevel, error)
	List(ctx context.Context) ([]*TrustLevel, error)
	Deactivate(ctx context.Context, id string) error
	// SetSystemDefault marks id as the single system default, clearing the
	// flag on whichever level held it before.
	SetSystemDefault(ctx context.Context, id string) error
	SystemDefault(ctx context.Context) (*TrustLevel, error)
}

// RelationshipStore manages trust relationships.
type RelationshipStore interface {
	Create(ctx context.Context, rel *TrustRelationship) error
	Find(ctx context.Context, id string) (*TrustRelationship, error)
	// FindBetween returns the relationship granting sourceOrg access to data
	// owned by targetOrg, if any.
	FindBetween(ctx context.Context, sourceOrg, targetOrg string) (*TrustRelationship, error)
	Update(ctx context.Context, rel *TrustRelationship) error
	ListByOrg(ctx context.Context, org string) ([]*TrustRelationship, error)
}

// GroupStore manages trust groups and memberships.
type GroupStore interface {
	Create(ctx context.Context, group *TrustGroup) error
	Find(ctx context.Context, id string) (*TrustGroup, error)
	ListPublic(ctx context.Context) ([]*TrustGroup, error)
	AddMember(ctx context.Context, m TrustGroupMembership) error
	Members(ctx context.Context, groupID string) ([]TrustGroupMembership, error)
	Membership(ctx context.Context, groupID, org string) (*TrustGroupMembership, error)
}

// LogStore appends immutable trust log entries. Update and Delete exist only
// to fail loudly: the log is append-only by contract.
type LogStore interface {
	Append(ctx context.Context, entry *TrustLog) error
	Find(ctx context.Context, id string) (*TrustLog, error)
	List(ctx context.Context, org string, since time.Time) ([]*TrustLog, error)
	Update(ctx context.Context, entry *TrustLog) error
	Delete(ctx context.Context, id string) error
}
