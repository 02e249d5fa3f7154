package authbroker

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/xenote/mcp-relay/storage"
	"github.com/xenote/mcp-relay/storage/memory"
)

const testAuthURL = "https://xenote.test/mcp-auth"

func newTestBroker(t *testing.T, opts ...Option) (*httptest.Server, storage.Store) {
	t.Helper()
	store, err := memory.New(64)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mux := http.NewServeMux()
	New(store, testAuthURL, "xnt_", opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func noRedirectClient() *http.Client {
	return &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-verifier-0123456789-0123456789-0123456789"
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

// obtainCode drives the authorize callback and returns the issued code.
func obtainCode(t *testing.T, srv *httptest.Server, token, challenge, redirectURI, state string) string {
	t.Helper()
	q := url.Values{}
	q.Set("token", token)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}

	res, err := noRedirectClient().Get(srv.URL + "/authorize/callback?" + q.Encode())
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("callback status = %d, want 302", res.StatusCode)
	}

	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location header: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("callback redirect carries no code: %s", res.Header.Get("Location"))
	}
	if got := loc.Query().Get("state"); got != state {
		t.Fatalf("state = %q, want %q", got, state)
	}
	return code
}

func exchangeCode(t *testing.T, srv *httptest.Server, form url.Values) (map[string]string, int) {
	t.Helper()
	res, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("token request: %v", err)
	}
	defer res.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return body, res.StatusCode
}

func TestAuthServerMetadata(t *testing.T) {
	srv, _ := newTestBroker(t)
	res, err := http.Get(srv.URL + "/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}

	var doc map[string]any
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["issuer"] != srv.URL {
		t.Fatalf("issuer = %v, want %s", doc["issuer"], srv.URL)
	}
	if doc["authorization_endpoint"] != srv.URL+"/authorize" {
		t.Fatalf("authorization_endpoint = %v", doc["authorization_endpoint"])
	}
	if doc["token_endpoint"] != srv.URL+"/token" {
		t.Fatalf("token_endpoint = %v", doc["token_endpoint"])
	}
}

func TestProtectedResourceMetadata(t *testing.T) {
	srv, _ := newTestBroker(t)
	res, err := http.Get(srv.URL + "/.well-known/oauth-protected-resource")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["resource"] != srv.URL+"/mcp" {
		t.Fatalf("resource = %v, want %s/mcp", doc["resource"], srv.URL)
	}
	servers, ok := doc["authorization_servers"].([]any)
	if !ok || len(servers) != 1 || servers[0] != srv.URL {
		t.Fatalf("authorization_servers = %v", doc["authorization_servers"])
	}
}

func TestRegisterClient(t *testing.T) {
	srv, _ := newTestBroker(t)

	body := strings.NewReader(`{"client_name":"Test Client","redirect_uris":["https://client.test/cb"]}`)
	res, err := http.Post(srv.URL+"/register", "application/json", body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}

	var reg map[string]any
	if err := json.NewDecoder(res.Body).Decode(&reg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reg["client_id"] == "" || reg["client_id"] == nil {
		t.Fatal("registration response has no client_id")
	}
	if reg["token_endpoint_auth_method"] != "none" {
		t.Fatalf("token_endpoint_auth_method = %v, want none", reg["token_endpoint_auth_method"])
	}
}

func TestAuthorizeForwardsToAuthPage(t *testing.T) {
	srv, _ := newTestBroker(t)

	q := url.Values{}
	q.Set("client_id", "abc")
	q.Set("redirect_uri", "https://client.test/cb")
	q.Set("state", "s1")
	q.Set("code_challenge", "ch")
	q.Set("code_challenge_method", "S256")

	res, err := noRedirectClient().Get(srv.URL + "/authorize?" + q.Encode())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", res.StatusCode)
	}

	loc, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), testAuthURL) {
		t.Fatalf("redirect target = %s, want prefix %s", loc, testAuthURL)
	}
	lq := loc.Query()
	if lq.Get("client_id") != "abc" || lq.Get("state") != "s1" || lq.Get("code_challenge") != "ch" {
		t.Fatalf("authorization params not forwarded: %s", loc.RawQuery)
	}
	if lq.Get("callback") != srv.URL+"/authorize/callback" {
		t.Fatalf("callback = %q", lq.Get("callback"))
	}
}

func TestCallbackRejectsBadToken(t *testing.T) {
	srv, _ := newTestBroker(t)

	for _, token := range []string{"", "sk_wrongprefix"} {
		res, err := noRedirectClient().Get(srv.URL + "/authorize/callback?redirect_uri=https%3A%2F%2Fclient.test%2Fcb&token=" + url.QueryEscape(token))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		var body map[string]string
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("token %q: status = %d, want 400", token, res.StatusCode)
		}
		if body["error_description"] != "Missing or invalid token" {
			t.Fatalf("token %q: error_description = %q", token, body["error_description"])
		}
	}
}

func TestCallbackPreservesExistingQuery(t *testing.T) {
	srv, _ := newTestBroker(t)

	code := obtainCode(t, srv, "xnt_tok", "", "https://client.test/cb?foo=bar", "s1")
	if code == "" {
		t.Fatal("no code issued")
	}
}

func TestTokenExchangeFullFlow(t *testing.T) {
	srv, _ := newTestBroker(t)
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, "xnt_secret_token", challenge, "https://client.test/cb", "s1")

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.test/cb"},
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["access_token"] != "xnt_secret_token" {
		t.Fatalf("access_token = %q", body["access_token"])
	}
	if body["token_type"] != "Bearer" {
		t.Fatalf("token_type = %q", body["token_type"])
	}
}

func TestTokenCodeIsSingleUse(t *testing.T) {
	srv, _ := newTestBroker(t)
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, "xnt_tok", challenge, "https://client.test/cb", "")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.test/cb"},
	}
	if _, status := exchangeCode(t, srv, form); status != http.StatusOK {
		t.Fatalf("first redemption status = %d", status)
	}
	body, status := exchangeCode(t, srv, form)
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("second redemption: status = %d, body = %v", status, body)
	}
}

func TestTokenPKCEMismatchBurnsCode(t *testing.T) {
	srv, _ := newTestBroker(t)
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, "xnt_tok", challenge, "https://client.test/cb", "")

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
		"redirect_uri":  {"https://client.test/cb"},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
	if body["error_description"] != "PKCE verification failed" {
		t.Fatalf("error_description = %q", body["error_description"])
	}

	// The failed attempt consumed the code; the right verifier is now
	// useless.
	body, status = exchangeCode(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.test/cb"},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("retry after mismatch: status = %d, body = %v", status, body)
	}
}

func TestTokenRedirectURIMismatch(t *testing.T) {
	srv, _ := newTestBroker(t)
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, "xnt_tok", challenge, "https://client.test/cb", "")

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://evil.test/cb"},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	srv, _ := newTestBroker(t)

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type": {"client_credentials"},
	})
	if status != http.StatusBadRequest || body["error"] != "unsupported_grant_type" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
}

func TestTokenExpiredCode(t *testing.T) {
	srv, store := newTestBroker(t)

	rec, err := json.Marshal(codeRecord{Token: "xnt_tok"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Set(t.Context(), codeKeyPrefix+"stale", rec, storage.WithTTL(-time.Second)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type": {"authorization_code"},
		"code":       {"stale"},
	})
	if status != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
}

func TestTokenAcceptsJSONBody(t *testing.T) {
	srv, _ := newTestBroker(t)
	verifier, challenge := pkcePair()
	code := obtainCode(t, srv, "xnt_tok", challenge, "https://client.test/cb", "")

	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  "https://client.test/cb",
	})
	res, err := http.Post(srv.URL+"/token", "application/json", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || body["access_token"] != "xnt_tok" {
		t.Fatalf("status = %d, body = %v", res.StatusCode, body)
	}
}

func TestTokenWithoutPKCEChallenge(t *testing.T) {
	srv, _ := newTestBroker(t)
	code := obtainCode(t, srv, "xnt_tok", "", "https://client.test/cb", "")

	body, status := exchangeCode(t, srv, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {"https://client.test/cb"},
	})
	if status != http.StatusOK || body["access_token"] != "xnt_tok" {
		t.Fatalf("status = %d, body = %v", status, body)
	}
}
