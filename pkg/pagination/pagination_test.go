package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string, def int) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContextWithDefault(e.NewContext(req, rec), def)
}

func TestFromContext_Defaults(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	p := FromContext(e.NewContext(req, rec))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("/?limit=30&offset=10", DefaultLimit)
	if p.Limit != 30 {
		t.Errorf("expected limit 30, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor("/?limit=5000", DefaultLimit)
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_InvalidValues(t *testing.T) {
	p := paramsFor("/?limit=abc&offset=-5", 75)
	if p.Limit != 75 {
		t.Errorf("expected fallback limit 75, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 2})
	if resp.Total != 5 || resp.Limit != 2 || resp.Offset != 2 {
		t.Errorf("unexpected response %+v", resp)
	}
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}

	last := NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("expected HasMore to be false on the last page")
	}
}

func TestNewResponse_NilData(t *testing.T) {
	resp := NewResponse[int](nil, 0, Params{Limit: 10})
	if resp.Data == nil {
		t.Error("expected empty, non-nil data")
	}
}

func TestParams_NextOffset(t *testing.T) {
	p := Params{Limit: 20, Offset: 40}
	if p.NextOffset() != 60 {
		t.Errorf("expected 60, got %d", p.NextOffset())
	}
}
