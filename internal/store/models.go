package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Project is the shared collaborative document. Tasks and ChartData are
// opaque JSON at this boundary; the app layer validates their shape on read.
type Project struct {
	ID             string
	Title          string
	Goal           string
	TargetDate     *time.Time
	Tasks          json.RawMessage
	ChartData      json.RawMessage
	CreatedBy      string
	LastModifiedBy *string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProjectSummary is the minimal public shape returned after invitation
// redemption.
type ProjectSummary struct {
	ID    string
	Title string
	Goal  string
}

type Membership struct {
	ID        string
	ProjectID string
	UserID    string
	Role      string
	Status    string
	InvitedBy *string
	InvitedAt *time.Time
	JoinedAt  *time.Time
	CreatedAt time.Time
	// Joined fields for API responses
	UserEmail string
	UserName  string
}

type Invitation struct {
	ID        string
	ProjectID string
	Email     string
	Role      string
	TokenHash string
	InvitedBy string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// ProjectPatch carries the fields of an update; nil means "leave unchanged".
type ProjectPatch struct {
	Title      *string
	Goal       *string
	TargetDate *time.Time
	Tasks      json.RawMessage
	ChartData  json.RawMessage
}

// Empty reports whether the patch changes nothing.
func (p ProjectPatch) Empty() bool {
	return p.Title == nil && p.Goal == nil && p.TargetDate == nil && p.Tasks == nil && p.ChartData == nil
}
