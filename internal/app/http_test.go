package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"planloom/api/internal/auth"
	"planloom/api/internal/bus"
)

func newTestHandler(t *testing.T) (http.Handler, *Service, *fakeStore) {
	t.Helper()
	fake := newFakeStore()
	svc := &Service{
		cfg:      testConfig(),
		store:    fake,
		sessions: fake,
		bus:      bus.New(),
	}
	return NewHTTPServer(svc, "*").Handler(), svc, fake
}

func bearerFor(t *testing.T, svc *Service, session Session) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		Sub:   session.UserID,
		Email: session.Email,
		JTI:   "jti_test",
		Exp:   time.Now().Add(15 * time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path, bearer string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", bearer)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func TestHealthEndpoint(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder, body := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK || body["ok"] != true {
		t.Errorf("expected healthy response, got %d %v", recorder.Code, body)
	}
}

func TestPreflightAnswers204WithoutBody(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/projects", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	if recorder.Body.Len() != 0 {
		t.Errorf("204 must carry no body, got %q", recorder.Body.String())
	}
	if recorder.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("preflight must carry CORS headers")
	}
}

func TestProjectRoutesRequireSession(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder, body := doJSON(t, handler, http.MethodGet, "/api/projects", "", nil)
	if recorder.Code != http.StatusUnauthorized || body["code"] != "UNAUTHENTICATED" {
		t.Errorf("expected 401 UNAUTHENTICATED, got %d %v", recorder.Code, body)
	}

	recorder, body = doJSON(t, handler, http.MethodGet, "/api/projects", "Bearer not-a-token", nil)
	if recorder.Code != http.StatusUnauthorized || body["code"] != "UNAUTHENTICATED" {
		t.Errorf("expected 401 for garbage token, got %d %v", recorder.Code, body)
	}
}

func TestSessionEndpointNeverRejects(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	recorder, body := doJSON(t, handler, http.MethodGet, "/api/session", "", nil)
	if recorder.Code != http.StatusOK || body["authenticated"] != false {
		t.Errorf("expected anonymous session response, got %d %v", recorder.Code, body)
	}
}

func TestRedeemAlwaysAnswers200(t *testing.T) {
	handler, svc, fake := newTestHandler(t)
	user := addUser(t, fake, "Bea", "bea@example.com")

	recorder, body := doJSON(t, handler, http.MethodPost, "/api/invitations/redeem",
		bearerFor(t, svc, user), map[string]any{"token": "bogus"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body["success"] != false || body["error"] != "INVALID_OR_EXPIRED_TOKEN" {
		t.Errorf("unexpected redeem body %v", body)
	}
}

func TestProjectLifecycleOverHTTP(t *testing.T) {
	handler, svc, fake := newTestHandler(t)
	owner := addUser(t, fake, "Ada", "ada@example.com")
	outsider := addUser(t, fake, "Eve", "eve@example.com")
	ownerBearer := bearerFor(t, svc, owner)

	recorder, created := doJSON(t, handler, http.MethodPost, "/api/projects", ownerBearer,
		map[string]any{"title": "Launch", "goal": "ship it"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d %v", recorder.Code, created)
	}
	projectID := created["id"].(string)
	if created["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", created["version"])
	}

	// Outsiders see 404, never 403.
	recorder, body := doJSON(t, handler, http.MethodGet, "/api/projects/"+projectID, bearerFor(t, svc, outsider), nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("expected 404 NOT_FOUND for outsider, got %d %v", recorder.Code, body)
	}

	recorder, updated := doJSON(t, handler, http.MethodPatch, "/api/projects/"+projectID, ownerBearer,
		map[string]any{"title": "Launch v2", "expectedVersion": 1})
	if recorder.Code != http.StatusOK || updated["version"].(float64) != 2 {
		t.Fatalf("update: got %d %v", recorder.Code, updated)
	}

	recorder, conflict := doJSON(t, handler, http.MethodPatch, "/api/projects/"+projectID, ownerBearer,
		map[string]any{"title": "stale", "expectedVersion": 1})
	if recorder.Code != http.StatusConflict || conflict["code"] != "VERSION_CONFLICT" {
		t.Fatalf("expected 409 VERSION_CONFLICT, got %d %v", recorder.Code, conflict)
	}
	details, ok := conflict["details"].(map[string]any)
	if !ok || details["currentVersion"].(float64) != 2 {
		t.Errorf("conflict must carry currentVersion, got %v", conflict["details"])
	}

	recorder, _ = doJSON(t, handler, http.MethodDelete, "/api/projects/"+projectID, ownerBearer, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", recorder.Code)
	}
	recorder, _ = doJSON(t, handler, http.MethodGet, "/api/projects/"+projectID, ownerBearer, nil)
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestInvitationFlowOverHTTP(t *testing.T) {
	handler, svc, fake := newTestHandler(t)
	owner := addUser(t, fake, "Ada", "ada@example.com")
	joiner := addUser(t, fake, "Bea", "bea@example.com")
	ownerBearer := bearerFor(t, svc, owner)

	_, created := doJSON(t, handler, http.MethodPost, "/api/projects", ownerBearer,
		map[string]any{"title": "Launch"})
	projectID := created["id"].(string)

	recorder, invitation := doJSON(t, handler, http.MethodPost,
		fmt.Sprintf("/api/projects/%s/invitations", projectID), ownerBearer,
		map[string]any{"email": joiner.Email, "role": "editor"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("invite: expected 201, got %d %v", recorder.Code, invitation)
	}
	token := invitation["token"].(string)

	recorder, redeemed := doJSON(t, handler, http.MethodPost, "/api/invitations/redeem",
		bearerFor(t, svc, joiner), map[string]any{"token": token})
	if recorder.Code != http.StatusOK || redeemed["success"] != true || redeemed["role"] != "editor" {
		t.Fatalf("redeem: got %d %v", recorder.Code, redeemed)
	}
	project, ok := redeemed["project"].(map[string]any)
	if !ok || project["id"] != projectID {
		t.Errorf("redeem must return the project summary, got %v", redeemed["project"])
	}

	recorder, members := doJSON(t, handler, http.MethodGet,
		fmt.Sprintf("/api/projects/%s/members", projectID), ownerBearer, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("members: expected 200, got %d", recorder.Code)
	}
	if list := members["members"].([]any); len(list) != 2 {
		t.Errorf("expected 2 members, got %d", len(list))
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	handler, svc, fake := newTestHandler(t)
	user := addUser(t, fake, "Ada", "ada@example.com")

	recorder, body := doJSON(t, handler, http.MethodGet, "/api/nope", bearerFor(t, svc, user), nil)
	if recorder.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
		t.Errorf("expected 404 NOT_FOUND, got %d %v", recorder.Code, body)
	}
}
