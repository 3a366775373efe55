package respond

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(t *testing.T) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestOKEnvelope(t *testing.T) {
	c, rec := newContext(t)
	if err := OK(c, map[string]string{"name": "pat"}, "fetched"); err != nil {
		t.Fatal(err)
	}

	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || body.StatusCode != http.StatusOK {
		t.Errorf("status = %d/%d, want 200", rec.Code, body.StatusCode)
	}
	if !body.Success || body.Message != "fetched" {
		t.Errorf("envelope = %+v", body)
	}
}

func TestErrorEnvelope(t *testing.T) {
	c, rec := newContext(t)
	if err := Error(c, http.StatusConflict, "email already registered", "duplicate email"); err != nil {
		t.Fatal(err)
	}

	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Success {
		t.Error("failure envelope must have success=false")
	}
	if len(body.Errors) != 1 || body.Errors[0] != "duplicate email" {
		t.Errorf("errors = %v", body.Errors)
	}
}

func TestErrorEnvelopeEmptyDetails(t *testing.T) {
	c, rec := newContext(t)
	if err := Error(c, http.StatusBadRequest, "bad request"); err != nil {
		t.Fatal(err)
	}
	// errors must serialize as [] rather than null.
	if got := rec.Body.String(); !strings.Contains(got, `"errors":[]`) {
		t.Errorf("body = %s, want empty errors array", got)
	}
}

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{"echo http error", echo.NewHTTPError(http.StatusUnauthorized, "token expired"), http.StatusUnauthorized, "token expired"},
		{"plain error", errPlain{}, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, rec := newContext(t)
			HTTPErrorHandler(tt.err, c)

			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if body.Message != tt.wantMessage {
				t.Errorf("message = %q, want %q", body.Message, tt.wantMessage)
			}
			if body.Success {
				t.Error("success must be false")
			}
		})
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "boom" }
