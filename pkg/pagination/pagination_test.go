package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))
	if p.Page != 1 {
		t.Errorf("expected page 1, got %d", p.Page)
	}
	if p.PageSize != DefaultPageSize {
		t.Errorf("expected page size %d, got %d", DefaultPageSize, p.PageSize)
	}
	if p.Offset() != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset())
	}
}

func TestFromContext_Values(t *testing.T) {
	p := FromContext(contextWithQuery("page=3&page_size=25"))
	if p.Page != 3 || p.PageSize != 25 {
		t.Fatalf("unexpected params %+v", p)
	}
	if p.Offset() != 50 || p.Limit() != 25 {
		t.Errorf("expected offset 50 limit 25, got %d %d", p.Offset(), p.Limit())
	}
}

func TestFromContext_Invalid(t *testing.T) {
	p := FromContext(contextWithQuery("page=-2&page_size=abc"))
	if p.Page != 1 || p.PageSize != DefaultPageSize {
		t.Errorf("expected defaults, got %+v", p)
	}
	p = FromContext(contextWithQuery("page_size=1000"))
	if p.PageSize != MaxPageSize {
		t.Errorf("expected page size clamped to %d, got %d", MaxPageSize, p.PageSize)
	}
}

func TestNewResponse_SecondPageOfFifteen(t *testing.T) {
	p := New(2, 10)
	resp := NewResponse([]int{1, 2, 3, 4, 5}, 15, p)
	if resp.Next {
		t.Error("expected next=false")
	}
	if !resp.Previous {
		t.Error("expected previous=true")
	}
	if resp.Count != 15 {
		t.Errorf("expected count 15, got %d", resp.Count)
	}
}

func TestNewResponse_FirstPage(t *testing.T) {
	resp := NewResponse(nil, 11, New(1, 10))
	if !resp.Next || resp.Previous {
		t.Errorf("expected next=true previous=false, got %+v", resp)
	}
	resp = NewResponse(nil, 10, New(1, 10))
	if resp.Next {
		t.Error("expected next=false when page exactly covers count")
	}
}
