package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(t *testing.T, origins []string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	middleware, err := corsMiddleware(origins)
	if err != nil {
		t.Fatalf("failed to build cors middleware: %v", err)
	}
	if middleware != nil {
		router.Use(middleware)
	}
	router.OPTIONS("/notes", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func preflight(router http.Handler, origin string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodOptions, "/notes", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	request.Header.Set("Access-Control-Request-Headers", "Content-Type")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareEchoesListedOriginWithCredentials(t *testing.T) {
	recorder := preflight(newCORSRouter(t, []string{"https://app.example.com"}), "https://app.example.com")

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("expected the request origin to be echoed, got %q", got)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	router := newCORSRouter(t, []string{"https://notes.example.com/"})

	if recorder := preflight(router, "https://notes.example.com"); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected listed origin to pass preflight, got %d", recorder.Code)
	}
	if recorder := preflight(router, "https://evil.example.com"); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected unlisted origin to be refused, got %d", recorder.Code)
	}
}

func TestCORSMiddlewareRefusesWildcard(t *testing.T) {
	if _, err := corsMiddleware([]string{"https://notes.example.com", " * "}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected wildcard to be refused, got %v", err)
	}
}

func TestCORSWithoutOriginsGrantsNoCrossOriginAccess(t *testing.T) {
	recorder := preflight(newCORSRouter(t, nil), "https://evil.example.com")

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no cross-origin grant, got %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Fatalf("expected no credential grant, got %q", got)
	}
}
