// Package app holds the service layer and HTTP boundary of the Planloom API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"planloom/api/internal/auth"
	"planloom/api/internal/authpw"
	"planloom/api/internal/bus"
	"planloom/api/internal/config"
	"planloom/api/internal/email"
	"planloom/api/internal/plangen"
	"planloom/api/internal/rbac"
	"planloom/api/internal/search"
	"planloom/api/internal/store"
	"planloom/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	CreateProjectWithOwner(context.Context, store.Project, string) (store.Membership, error)
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsForUser(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, string, store.ProjectPatch, *int64, string) (store.Project, error)
	DeleteProject(context.Context, string) (bool, error)
	GetMembership(context.Context, string, string) (store.Membership, error)
	ListMembers(context.Context, string) ([]store.Membership, error)
	UpdateMembershipRole(context.Context, string, string, string) (bool, error)
	DeleteMembership(context.Context, string, string) (bool, error)
	HasAcceptedMemberByEmail(context.Context, string, string) (bool, error)
	CreateInvitation(context.Context, store.Invitation) error
	ListPendingInvitations(context.Context, string) ([]store.Invitation, error)
	RedeemInvitation(context.Context, string, string, string) (store.Membership, store.ProjectSummary, error)
	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions; Redis when configured, Postgres
// otherwise. Both backends expose the same three calls.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// eventBus is the change propagation surface the service publishes to and
// the SSE endpoint subscribes through.
type eventBus interface {
	Publish(event bus.Event)
	Subscribe(projectID string) (<-chan bus.Event, func())
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	bus      eventBus
	authpw   *authpw.Service

	searchPrimary  search.Searcher
	searchFallback search.Searcher
	indexer        search.Indexer
	mailer         *email.Service
	plans          plangen.Generator
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		bus:      bus.New(),
		authpw:   authpw.NewService(dataStore),
	}
}

// SetSessionStore swaps the refresh session backend (Redis when available).
func (s *Service) SetSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

// SetBus swaps the change propagation bus (Redis-bridged in multi-node runs).
func (s *Service) SetBus(b eventBus) {
	s.bus = b
}

// SetSearch wires the search backends: primary is used while healthy,
// fallback otherwise. The indexer receives project writes.
func (s *Service) SetSearch(primary, fallback search.Searcher, indexer search.Indexer) {
	s.searchPrimary = primary
	s.searchFallback = fallback
	s.indexer = indexer
}

func (s *Service) SetMailer(mailer *email.Service) {
	s.mailer = mailer
}

func (s *Service) SetPlanGenerator(g plangen.Generator) {
	s.plans = g
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// =============================================================================
// Sessions
// =============================================================================

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return Session{}, errValidation(err.Error())
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, emailAddr, password)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented token is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	if user.Email == "" {
		// Redis sessions carry only the user id.
		full, err := s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "Refresh token invalid", nil)
		}
		user = full
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := auth.NewRawToken()
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// =============================================================================
// Authorization
// =============================================================================

// requireMember loads the caller's accepted membership and checks the role
// table. A caller with no accepted membership gets NOT_FOUND rather than
// FORBIDDEN: project existence is never disclosed to outsiders.
func (s *Service) requireMember(ctx context.Context, projectID, userID string, op rbac.Operation) (store.Membership, error) {
	member, err := s.store.GetMembership(ctx, projectID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Membership{}, errNotFound()
	}
	if err != nil {
		return store.Membership{}, err
	}
	if member.Status != "accepted" {
		return store.Membership{}, errNotFound()
	}
	if !rbac.Can(rbac.Role(member.Role), op) {
		return store.Membership{}, errForbidden()
	}
	return member, nil
}

// =============================================================================
// Search
// =============================================================================

func (s *Service) Search(ctx context.Context, session Session, query string, limit, offset int) (search.Response, error) {
	query = strings.TrimSpace(query)
	resp := search.Response{Results: []search.Result{}, Query: query}
	if query == "" {
		return resp, nil
	}

	projects, err := s.store.ListProjectsForUser(ctx, session.UserID)
	if err != nil {
		return resp, err
	}
	ids := make([]string, 0, len(projects))
	for _, p := range projects {
		ids = append(ids, p.ID)
	}

	backend := s.searchFallback
	if s.searchPrimary != nil && s.searchPrimary.Healthy() {
		backend = s.searchPrimary
	}
	if backend == nil {
		return resp, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}

	results, total, err := backend.Search(search.Query{
		Text:       query,
		ProjectIDs: ids,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		// Primary failure falls through to the fallback once, then surfaces.
		if backend == s.searchPrimary && s.searchFallback != nil {
			results, total, err = s.searchFallback.Search(search.Query{
				Text:       query,
				ProjectIDs: ids,
				Limit:      limit,
				Offset:     offset,
			})
		}
		if err != nil {
			return resp, err
		}
	}
	if results != nil {
		resp.Results = results
	}
	resp.Total = total
	return resp, nil
}

// =============================================================================
// Plan generation
// =============================================================================

func (s *Service) GeneratePlan(ctx context.Context, goal, targetDate string) (plangen.Plan, error) {
	if s.plans == nil {
		return plangen.Plan{}, domainError(http.StatusServiceUnavailable, "PLAN_GENERATION_UNAVAILABLE", "Plan generation is not configured", nil)
	}
	if strings.TrimSpace(goal) == "" {
		return plangen.Plan{}, errValidation("goal is required")
	}

	var target *time.Time
	if strings.TrimSpace(targetDate) != "" {
		parsed, err := time.Parse("2006-01-02", targetDate)
		if err != nil {
			return plangen.Plan{}, errValidation("targetDate must be YYYY-MM-DD")
		}
		target = &parsed
	}

	plan, err := s.plans.Generate(ctx, goal, target)
	if err != nil {
		if errors.Is(err, plangen.ErrUnavailable) {
			log.Printf("plangen: %v", err)
			return plangen.Plan{}, domainError(http.StatusBadGateway, "PLAN_GENERATION_FAILED", "Plan generation failed", nil)
		}
		return plangen.Plan{}, errValidation(err.Error())
	}
	return plan, nil
}
