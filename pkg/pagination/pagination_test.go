package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	c := e.NewContext(req, httptest.NewRecorder())
	return FromContext(c)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  Params
	}{
		{"defaults", "", Params{Page: 1, Limit: DefaultLimit, SortOrder: "desc"}},
		{"explicit", "page=3&limit=10&sortBy=createdAt&sortOrder=asc", Params{Page: 3, Limit: 10, SortBy: "createdAt", SortOrder: "asc"}},
		{"limit capped", "limit=5000", Params{Page: 1, Limit: MaxLimit, SortOrder: "desc"}},
		{"negative page", "page=-2", Params{Page: 1, Limit: DefaultLimit, SortOrder: "desc"}},
		{"garbage values", "page=abc&limit=xyz&sortOrder=sideways", Params{Page: 1, Limit: DefaultLimit, SortOrder: "desc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := paramsFor(t, tt.query); got != tt.want {
				t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
			}
		})
	}
}

func TestOffsetAndTotalPages(t *testing.T) {
	p := Params{Page: 3, Limit: 10}
	if p.Offset() != 20 {
		t.Errorf("Offset = %d, want 20", p.Offset())
	}
	if got := p.TotalPages(95); got != 10 {
		t.Errorf("TotalPages(95) = %d, want 10", got)
	}
	if got := p.TotalPages(100); got != 10 {
		t.Errorf("TotalPages(100) = %d, want 10", got)
	}
	if got := p.TotalPages(0); got != 0 {
		t.Errorf("TotalPages(0) = %d, want 0", got)
	}
}

func TestNewResponseHasMore(t *testing.T) {
	p := Params{Page: 1, Limit: 20}
	if r := NewResponse(nil, 50, p); !r.HasMore {
		t.Error("page 1 of 50 should have more")
	}
	last := Params{Page: 3, Limit: 20}
	if r := NewResponse(nil, 50, last); r.HasMore {
		t.Error("last page should not have more")
	}
}
