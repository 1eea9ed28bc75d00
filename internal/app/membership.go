package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"planloom/api/internal/bus"
	"planloom/api/internal/rbac"
	"planloom/api/internal/store"
)

func (s *Service) ListMembers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpReadMembers); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, membershipPayload(member))
	}
	return items, nil
}

// ChangeMemberRole moves a member between editor and viewer. Owner is not a
// grantable role and the owner's own role cannot be changed.
func (s *Service) ChangeMemberRole(ctx context.Context, session Session, projectID, targetUserID, role string) (map[string]any, error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpManageMembers); err != nil {
		return nil, err
	}
	if !rbac.Invitable(rbac.Role(role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_ROLE", "role must be editor or viewer", nil)
	}

	target, err := s.store.GetMembership(ctx, projectID, targetUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	if target.Role == string(rbac.RoleOwner) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "The owner's role cannot be changed", nil)
	}

	changed, err := s.store.UpdateMembershipRole(ctx, projectID, targetUserID, role)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, errNotFound()
	}

	target.Role = role
	s.publishMembership(target, bus.OpUpdate)
	return membershipPayload(target), nil
}

// RemoveMember removes a non-owner member from the project.
func (s *Service) RemoveMember(ctx context.Context, session Session, projectID, targetUserID string) error {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpManageMembers); err != nil {
		return err
	}

	target, err := s.store.GetMembership(ctx, projectID, targetUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	if err != nil {
		return err
	}
	if target.Role == string(rbac.RoleOwner) {
		return domainError(http.StatusUnprocessableEntity, "INVALID_OPERATION", "The owner cannot be removed", nil)
	}

	removed, err := s.store.DeleteMembership(ctx, projectID, targetUserID)
	if err != nil {
		return err
	}
	if !removed {
		return errNotFound()
	}

	s.bus.Publish(bus.Event{
		ProjectID: projectID,
		Entity:    bus.EntityMembership,
		Op:        bus.OpDelete,
		Payload:   json.RawMessage(fmt.Sprintf(`{"projectId":%q,"userId":%q}`, projectID, targetUserID)),
	})
	return nil
}

func (s *Service) publishMembership(member store.Membership, op bus.Op) {
	payload, err := json.Marshal(membershipPayload(member))
	if err != nil {
		return
	}
	s.bus.Publish(bus.Event{
		ProjectID: member.ProjectID,
		Entity:    bus.EntityMembership,
		Op:        op,
		Payload:   payload,
	})
}

func membershipPayload(member store.Membership) map[string]any {
	payload := map[string]any{
		"id":        member.ID,
		"projectId": member.ProjectID,
		"userId":    member.UserID,
		"role":      member.Role,
		"status":    member.Status,
	}
	if member.UserEmail != "" {
		payload["email"] = member.UserEmail
	}
	if member.UserName != "" {
		payload["displayName"] = member.UserName
	}
	if member.InvitedBy != nil {
		payload["invitedBy"] = *member.InvitedBy
	}
	if member.JoinedAt != nil {
		payload["joinedAt"] = member.JoinedAt.Format(time.RFC3339)
	}
	return payload
}
