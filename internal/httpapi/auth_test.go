package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/davidkimai/godel-sub016/internal/agent"
	"github.com/davidkimai/godel-sub016/internal/auth"
	"github.com/davidkimai/godel-sub016/internal/quota"
)

// TestAuthProtectedAPI runs the surface behind real credentials and checks
// that the principal flows into agent ownership and quota reads.
func TestAuthProtectedAPI(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("gk_ops"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	mw := auth.New(auth.Options{
		Enabled:   true,
		JWTSecret: "test-secret",
		Keys: []auth.APIKey{{
			Name:   "ops",
			Hash:   string(hash),
			UserID: "u9",
			Scopes: []string{auth.ScopeAgentsManage},
		}},
	})
	env := newTestEnvWith(t, quota.Limits{}, mw.Wrap)

	do := func(method, path string, body any, set func(*http.Request)) (*http.Response, map[string]any) {
		t.Helper()
		var rd io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal request: %v", err)
			}
			rd = bytes.NewReader(raw)
		}
		req, err := http.NewRequest(method, env.ts.URL+path, rd)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		if set != nil {
			set(req)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var decoded map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				t.Fatalf("decode response %q: %v", raw, err)
			}
		}
		return resp, decoded
	}
	withKey := func(r *http.Request) { r.Header.Set("X-API-Key", "gk_ops") }

	resp, _ := do(http.MethodGet, "/api/v1/agents", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: status = %d", resp.StatusCode)
	}

	// Metrics stay reachable without credentials.
	mresp, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	_, _ = io.Copy(io.Discard, mresp.Body)
	mresp.Body.Close()
	if mresp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", mresp.StatusCode)
	}

	// An ownerless registration is billed to the key's principal.
	resp, body := do(http.MethodPost, "/api/v1/agents",
		agent.Config{ID: "owned-1", Runtime: agent.RuntimeLocal}, withKey)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status = %d body = %v", resp.StatusCode, body)
	}

	// The key carries agents:manage only; workflow writes are refused.
	resp, _ = do(http.MethodPost, "/api/v1/workflows",
		map[string]any{"id": "wf", "nodes": []any{}}, withKey)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("unscoped workflow write: status = %d", resp.StatusCode)
	}

	resp, body = do(http.MethodGet, "/api/v1/quotas/u9", nil, withKey)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own quota read: status = %d body = %v", resp.StatusCode, body)
	}
	usage, ok := body["usage"].([]any)
	if !ok || len(usage) == 0 {
		t.Fatalf("usage = %v", body["usage"])
	}
	if got := usage[0].(map[string]any)["concurrentAgents"]; got != float64(1) {
		t.Fatalf("concurrentAgents = %v, want 1", got)
	}

	// Reading another principal's usage needs the quotas scope.
	resp, _ = do(http.MethodGet, "/api/v1/quotas/someone-else", nil, withKey)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign quota read: status = %d", resp.StatusCode)
	}

	token, err := mw.Verifier().Issue(auth.Principal{
		UserID: "admin",
		Scopes: []string{auth.ScopeQuotasRead},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	resp, _ = do(http.MethodGet, "/api/v1/quotas/someone-else", nil, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped quota read: status = %d", resp.StatusCode)
	}
}
