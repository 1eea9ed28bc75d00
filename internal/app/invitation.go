package app

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"planloom/api/internal/auth"
	"planloom/api/internal/bus"
	"planloom/api/internal/rbac"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

type InviteInput struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// RedeemResult is the structured outcome of a redemption attempt. Token-level
// failures are data, not errors: the endpoint always answers 200 with
// success=false and a stable error code.
type RedeemResult struct {
	Success   bool
	Project   *store.ProjectSummary
	Role      string
	ErrorCode string
}

// Invite creates a single-use invitation and mails the link when SMTP is
// configured. The raw token appears once, in this response; only its hash is
// stored.
func (s *Service) Invite(ctx context.Context, session Session, projectID string, input InviteInput) (map[string]any, error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpCreateInvitation); err != nil {
		return nil, err
	}

	emailAddr := strings.ToLower(strings.TrimSpace(input.Email))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, errValidation("a valid email is required")
	}
	if !rbac.Invitable(rbac.Role(input.Role)) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_ROLE", "role must be editor or viewer", nil)
	}

	member, err := s.store.HasAcceptedMemberByEmail(ctx, projectID, emailAddr)
	if err != nil {
		return nil, err
	}
	if member {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "That user is already a member of this project", nil)
	}

	rawToken := auth.NewRawToken()
	invitation := store.Invitation{
		ID:        util.NewID("inv"),
		ProjectID: projectID,
		Email:     emailAddr,
		Role:      input.Role,
		TokenHash: auth.HashToken(rawToken),
		InvitedBy: session.UserID,
		ExpiresAt: time.Now().Add(s.cfg.InviteTTL),
	}
	if err := s.store.CreateInvitation(ctx, invitation); err != nil {
		if err == store.ErrAlreadyInvited {
			return nil, domainError(http.StatusConflict, "ALREADY_INVITED", "A live invitation for that email already exists", nil)
		}
		return nil, err
	}

	s.sendInvitationEmail(ctx, session, projectID, invitation, rawToken)

	return map[string]any{
		"id":        invitation.ID,
		"projectId": invitation.ProjectID,
		"email":     invitation.Email,
		"role":      invitation.Role,
		"token":     rawToken,
		"expiresAt": invitation.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) sendInvitationEmail(ctx context.Context, session Session, projectID string, invitation store.Invitation, rawToken string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("email: load project %s for invitation: %v", projectID, err)
		return
	}
	link := strings.TrimRight(s.cfg.AppOrigin, "/") + "/invite/" + rawToken
	go func() {
		if err := s.mailer.SendInvitationEmail(invitation.Email, session.UserName, project.Title, invitation.Role, link); err != nil {
			log.Printf("email: send invitation to %s: %v", invitation.Email, err)
		}
	}()
}

func (s *Service) ListPendingInvitations(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.requireMember(ctx, projectID, session.UserID, rbac.OpReadInvitations); err != nil {
		return nil, err
	}
	invitations, err := s.store.ListPendingInvitations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(invitations))
	for _, inv := range invitations {
		items = append(items, map[string]any{
			"id":        inv.ID,
			"projectId": inv.ProjectID,
			"email":     inv.Email,
			"role":      inv.Role,
			"invitedBy": inv.InvitedBy,
			"expiresAt": inv.ExpiresAt.Format(time.RFC3339),
			"createdAt": inv.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// Redeem consumes an invitation token for the calling user. Unknown, expired
// and spent tokens all collapse into INVALID_OR_EXPIRED_TOKEN; a redeemer who
// is already a member gets ALREADY_MEMBER and the token stays live.
func (s *Service) Redeem(ctx context.Context, session Session, rawToken string) (RedeemResult, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return RedeemResult{ErrorCode: "INVALID_OR_EXPIRED_TOKEN"}, nil
	}

	member, summary, err := s.store.RedeemInvitation(ctx, auth.HashToken(rawToken), session.UserID, util.NewID("mem"))
	switch {
	case err == store.ErrInviteInvalid:
		return RedeemResult{ErrorCode: "INVALID_OR_EXPIRED_TOKEN"}, nil
	case err == store.ErrAlreadyMember:
		return RedeemResult{ErrorCode: "ALREADY_MEMBER"}, nil
	case err != nil:
		return RedeemResult{}, err
	}

	member.UserEmail = session.Email
	member.UserName = session.UserName
	s.publishMembership(member, bus.OpInsert)

	return RedeemResult{
		Success: true,
		Project: &summary,
		Role:    member.Role,
	}, nil
}
