package practice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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

func TestHandler_Accept(t *testing.T) {
	f := newFixture(t, "sub_1")
	h := NewHandler(f.svc)
	_, prof := f.pending(t)

	body := `{"professional_user_id":"` + prof.String() + `"}`
	c, rec := newTestContext(t, http.MethodPost, body, &auth.Session{UserID: f.admin, DomainID: f.domain.ID})
	if err := h.Accept(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "accepted" || resp["message"] != "Professional user accepted" {
		t.Errorf("unexpected body %v", resp)
	}

	// Second accept is a 404.
	c, _ = newTestContext(t, http.MethodPost, body, &auth.Session{UserID: f.admin, DomainID: f.domain.ID})
	if err := h.Accept(c); apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_Accept_ExplicitDomain(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	_, prof := f.pending(t)

	body := `{"professional_user_id":"` + prof.String() + `","domain_id":"` + f.domain.ID.String() + `"}`
	c, rec := newTestContext(t, http.MethodPost, body, &auth.Session{UserID: f.admin})
	if err := h.Accept(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Accept_Forbidden(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	other, _ := f.pending(t)
	_, prof := f.pending(t)

	body := `{"professional_user_id":"` + prof.String() + `"}`
	c, _ := newTestContext(t, http.MethodPost, body, &auth.Session{UserID: other, DomainID: f.domain.ID})
	err := h.Accept(c)
	if apperr.HTTPStatus(apperr.CodeOf(err)) != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestHandler_Accept_BadInput(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)

	tests := []struct {
		name string
		body string
		sess *auth.Session
		want int
	}{
		{"anonymous", `{"professional_user_id":"` + uuid.NewString() + `"}`, nil, http.StatusUnauthorized},
		{"bad professional id", `{"professional_user_id":"x"}`, &auth.Session{UserID: f.admin, DomainID: f.domain.ID}, http.StatusBadRequest},
		{"no domain", `{"professional_user_id":"` + uuid.NewString() + `"}`, &auth.Session{UserID: f.admin}, http.StatusBadRequest},
		{"bad domain", `{"professional_user_id":"` + uuid.NewString() + `","domain_id":"x"}`, &auth.Session{UserID: f.admin}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(t, http.MethodPost, tt.body, tt.sess)
			err := h.Accept(c)
			if got := apperr.HTTPStatus(apperr.CodeOf(err)); got != tt.want {
				t.Errorf("expected %d, got %d (%v)", tt.want, got, err)
			}
		})
	}
}

func TestHandler_Reject(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	_, prof := f.pending(t)

	body := `{"professional_user_id":"` + prof.String() + `"}`
	c, rec := newTestContext(t, http.MethodPost, body, &auth.Session{UserID: f.admin, DomainID: f.domain.ID})
	if err := h.Reject(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_SuspendUnsuspend(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	_, prof := f.pending(t)
	sess := &auth.Session{UserID: f.admin, DomainID: f.domain.ID}
	body := `{"professional_user_id":"` + prof.String() + `"}`

	c, _ := newTestContext(t, http.MethodPost, body, sess)
	if err := h.Accept(c); err != nil {
		t.Fatal(err)
	}
	c, rec := newTestContext(t, http.MethodPost, body, sess)
	if err := h.Suspend(c); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !strings.Contains(rec.Body.String(), "suspended") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	c, rec = newTestContext(t, http.MethodPost, body, sess)
	if err := h.Unsuspend(c); err != nil {
		t.Fatalf("unsuspend: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListActive(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)

	c, rec := newTestContext(t, http.MethodGet, "", &auth.Session{UserID: f.admin, DomainID: f.domain.ID})
	if err := h.ListActive(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out []ProfessionalSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Errorf("expected the admin only, got %d", len(out))
	}
}

func TestHandler_ListPending(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)
	f.pending(t)
	f.pending(t)

	c, rec := newTestContext(t, http.MethodGet, "", &auth.Session{UserID: f.admin, DomainID: f.domain.ID})
	if err := h.ListPending(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Pending []ProfessionalSummary `json:"pending_professionals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Pending) != 2 {
		t.Errorf("expected 2 pending, got %d", len(out.Pending))
	}
}

func TestHandler_ListPending_NoDomain(t *testing.T) {
	f := newFixture(t, "")
	h := NewHandler(f.svc)

	c, _ := newTestContext(t, http.MethodGet, "", &auth.Session{UserID: f.admin})
	if err := h.ListPending(c); !apperr.Is(err, apperr.CodeNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
