package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fightpaperwork/appeals/internal/platform/apperr"
	"github.com/fightpaperwork/appeals/internal/platform/auth"
)

func newTestContext(t *testing.T, method, body string, s *auth.Session) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if s != nil {
		req = req.WithContext(auth.WithSession(req.Context(), s))
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func newTestHandler(t *testing.T) (*Handler, *fixture) {
	t.Helper()
	f := newFixture(t)
	store := auth.NewMemoryRevocationStore()
	t.Cleanup(store.Close)
	sessions := auth.NewSessionManager(auth.SessionConfig{SigningKey: []byte("handler-test-key"), TTL: time.Hour}, store, zerolog.Nop())
	return NewHandler(f.svc, sessions), f
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHandler_SignupProfessional(t *testing.T) {
	h, f := newTestHandler(t)
	body, _ := json.Marshal(f.professionalSignup())
	c, rec := newTestContext(t, http.MethodPost, string(body), nil)
	if err := h.SignupProfessional(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["next_url"] != "https://checkout.example/session" {
		t.Errorf("unexpected body %v", resp)
	}
	if _, ok := resp["user_id"]; ok {
		t.Error("internal ids should not be exposed")
	}
}

func TestHandler_SignupProfessional_Invalid(t *testing.T) {
	h, _ := newTestHandler(t)
	c, _ := newTestContext(t, http.MethodPost, `{"user_signup_info":{"username":"x"}}`, nil)
	err := h.SignupProfessional(c)
	if apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_SignupPatient(t *testing.T) {
	h, f := newTestHandler(t)
	body, _ := json.Marshal(f.patientSignup())
	c, rec := newTestContext(t, http.MethodPost, string(body), nil)
	if err := h.SignupPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_LoginSetsCookie(t *testing.T) {
	h, f := newTestHandler(t)
	f.activeUser(t, "doc", "long-enough")

	c, rec := newTestContext(t, http.MethodPost, `{"username":"doc","password":"long-enough","domain":"clinic.example.org"}`, nil)
	if err := h.Login(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "HttpOnly") {
		t.Errorf("expected session cookie, got %q", rec.Header().Get("Set-Cookie"))
	}
}

func TestHandler_LoginWithStaleCookie(t *testing.T) {
	h, f := newTestHandler(t)
	f.activeUser(t, "doc", "long-enough")

	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	h.RegisterRoutes(e.Group("/api/v1", h.sessions.Middleware()), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"doc","password":"long-enough","domain":"clinic.example.org"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.AddCookie(&http.Cookie{Name: "appeals_session", Value: "signed.with.old-key"})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var fresh bool
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == "appeals_session" && ck.Value != "" {
			fresh = true
		}
	}
	if !fresh {
		t.Errorf("expected a new session cookie, got %v", rec.Header().Values("Set-Cookie"))
	}
}

func TestHandler_LoginBadPassword(t *testing.T) {
	h, f := newTestHandler(t)
	f.activeUser(t, "doc", "long-enough")

	c, rec := newTestContext(t, http.MethodPost, `{"username":"doc","password":"wrong-one","domain":"clinic.example.org"}`, nil)
	err := h.Login(c)
	if apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
	if rec.Header().Get("Set-Cookie") != "" {
		t.Error("no cookie on failed login")
	}
}

func TestHandler_Logout(t *testing.T) {
	h, _ := newTestHandler(t)
	s := &auth.Session{ID: uuid.NewString(), UserID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)}
	c, rec := newTestContext(t, http.MethodPost, "", s)
	if err := h.Logout(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_VerifyEmail(t *testing.T) {
	h, f := newTestHandler(t)
	res, err := f.svc.SignupProfessional(context.Background(), f.professionalSignup())
	if err != nil {
		t.Fatal(err)
	}
	tok := f.tokens.get(TokenVerification, res.UserID)

	body := `{"token":"` + tok.Value + `","user_id":"` + res.UserID.String() + `"}`
	c, rec := newTestContext(t, http.MethodPost, body, nil)
	if err := h.VerifyEmail(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decode(t, rec)["status"] != "success" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ = newTestContext(t, http.MethodPost, `{"token":"x","user_id":"not-a-uuid"}`, nil)
	if err := h.VerifyEmail(c); apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_PasswordReset(t *testing.T) {
	h, f := newTestHandler(t)
	u := f.activeUser(t, "doc", "long-enough")

	c, rec := newTestContext(t, http.MethodPost, `{"username":"doc","domain":"clinic.example.org"}`, nil)
	if err := h.RequestReset(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decode(t, rec)["status"] != "reset_requested" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	tok := f.tokens.get(TokenReset, u.ID)
	c, rec = newTestContext(t, http.MethodPost, `{"token":"`+tok.Value+`","new_password":"fresh-password"}`, nil)
	if err := h.FinishReset(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decode(t, rec)["status"] != "password_reset_complete" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_WhoAmI(t *testing.T) {
	h, f := newTestHandler(t)
	u := f.activeUser(t, "pat", "long-enough")
	f.profiles.CreatePatient(context.Background(), &Patient{UserID: u.ID, Active: true})

	c, rec := newTestContext(t, http.MethodGet, "", &auth.Session{UserID: u.ID, DomainID: f.domain.ID})
	if err := h.WhoAmI(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp := decode(t, rec)
	if resp["patient"] != true || resp["highest_role"] != "patient" {
		t.Errorf("unexpected body %v", resp)
	}
	if rec.Header().Get("Vary") != "Cookie" {
		t.Error("expected Vary: Cookie")
	}
}

func TestHandler_GetOrCreatePendingPatient(t *testing.T) {
	h, f := newTestHandler(t)
	u := f.activeUser(t, "doc", "long-enough")
	f.profiles.CreateProfessional(context.Background(), &Professional{UserID: u.ID, Active: true})
	s := &auth.Session{UserID: u.ID, DomainID: f.domain.ID}

	c, rec := newTestContext(t, http.MethodPost, `{"username":"p@example.com","first_name":"P","last_name":"Q"}`, s)
	if err := h.GetOrCreatePendingPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(decode(t, rec)["id"].(string)); err != nil {
		t.Errorf("expected patient id: %v", err)
	}
}

func TestHandler_GetOrCreatePendingPatient_PatientForbidden(t *testing.T) {
	h, f := newTestHandler(t)
	u := f.activeUser(t, "pat", "long-enough")
	f.profiles.CreatePatient(context.Background(), &Patient{UserID: u.ID, Active: true})

	c, _ := newTestContext(t, http.MethodPost, `{"first_name":"P","last_name":"Q"}`, &auth.Session{UserID: u.ID, DomainID: f.domain.ID})
	err := h.GetOrCreatePendingPatient(c)
	if apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}
