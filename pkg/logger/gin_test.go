package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func accessLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestMiddleware_AccessLineCarriesDownstreamFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/calls", func(c *gin.Context) {
		SetGin(c, FromGin(c).With("user_id", "u-1"))
		From(c.Request.Context()).Info("handler")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/calls", nil)
	req.Header.Set(headerRequestID, "rid-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(headerRequestID); got != "rid-1" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	lines := accessLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected handler and access lines, got %d", len(lines))
	}
	for _, m := range lines {
		if m["request_id"] != "rid-1" || m["user_id"] != "u-1" {
			t.Fatalf("missing request fields: %v", m)
		}
	}
	if lines[1]["msg"] != "request" || lines[1]["path"] != "/calls" || lines[1]["level"] != "INFO" {
		t.Fatalf("unexpected access line: %v", lines[1])
	}
}

func TestMiddleware_LevelFollowsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	r := gin.New()
	r.Use(Middleware(slog.New(slog.NewJSONHandler(&buf, nil))))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for path, level := range map[string]string{"/missing": "WARN", "/boom": "ERROR"} {
		buf.Reset()
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
		lines := accessLines(t, &buf)
		if len(lines) != 1 || lines[0]["level"] != level {
			t.Fatalf("%s: expected one %s line, got %v", path, level, lines)
		}
	}
}

func TestRequestID(t *testing.T) {
	if got := requestID("  abc "); got != "abc" {
		t.Fatalf("expected trimmed id, got %q", got)
	}
	if got := requestID(""); got == "" {
		t.Fatalf("expected generated id")
	}
	if got := requestID(strings.Repeat("x", maxRequestIDLen+1)); len(got) != 36 {
		t.Fatalf("expected oversized id replaced by a uuid, got %q", got)
	}
}
