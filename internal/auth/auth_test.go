package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/realmctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	tests := map[string]struct {
		token string
		ok    bool
	}{
		"Bearer abc":   {token: "abc", ok: true},
		"bearer  abc ": {token: "abc", ok: true},
		"Basic abc":    {ok: false},
		"Bearer":       {ok: false},
		"":             {ok: false},
	}
	for header, want := range tests {
		token, ok := BearerToken(header)
		if ok != want.ok || token != want.token {
			t.Fatalf("BearerToken(%q) = %q,%v want %q,%v", header, token, ok, want.token, want.ok)
		}
	}
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	calls := 0
	validator := FuncValidator(func(token string) error {
		calls++
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	r := gin.New()
	r.POST("/guarded", Middleware(validator), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/open", Middleware(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{path: "/guarded", header: "", want: http.StatusUnauthorized},
		{path: "/guarded", header: "Bearer nope", want: http.StatusUnauthorized},
		{path: "/guarded", header: "Bearer ok", want: http.StatusNoContent},
		{path: "/open", header: "", want: http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, tc.path, nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s with %q: status %d want %d", tc.path, tc.header, rr.Code, tc.want)
		}
	}
	if calls != 2 {
		t.Fatalf("validator called %d times, want 2", calls)
	}
}
