// Package authbroker implements the OAuth 2.0 surface that lets MCP
// clients obtain a relay bearer token: RFC 8414 / RFC 9728 discovery
// documents, dynamic client registration, and an authorization-code flow
// with PKCE that brokers between the MCP client and the Xenote auth page.
//
// The broker never mints credentials of its own. The auth page hands it an
// existing bearer token via the authorize callback; the broker wraps that
// token in a single-use authorization code and gives the token back at the
// token endpoint once the code and PKCE verifier check out.
package authbroker

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xenote/mcp-relay/internal/wellknown"
	"github.com/xenote/mcp-relay/storage"
)

const (
	codeKeyPrefix   = "code:"
	clientKeyPrefix = "client:"

	// DefaultCodeTTL bounds how long an issued authorization code may sit
	// unredeemed.
	DefaultCodeTTL = 5 * time.Minute
)

// codeRecord is the state bound to one authorization code.
type codeRecord struct {
	Token               string `json:"token"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	RedirectURI         string `json:"redirect_uri,omitempty"`
	ClientID            string `json:"client_id,omitempty"`
}

// clientRecord is a dynamically registered OAuth client.
type clientRecord struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger. If not provided, logs are
// discarded.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log }
}

// WithCodeTTL overrides the authorization code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.codeTTL = ttl
		}
	}
}

// WithTokenPrefix overrides the prefix callback tokens must carry.
func WithTokenPrefix(prefix string) Option {
	return func(b *Broker) { b.tokenPrefix = prefix }
}

// WithResourceName sets the human-readable resource name surfaced in the
// protected resource metadata.
func WithResourceName(name string) Option {
	return func(b *Broker) { b.resourceName = name }
}

// Broker serves the OAuth endpoints backed by a key-value store.
type Broker struct {
	log          *slog.Logger
	store        storage.Store
	authURL      string
	codeTTL      time.Duration
	tokenPrefix  string
	resourceName string
}

// New constructs a Broker. authURL is the external auth page users are
// sent to for consent; it receives the original authorization parameters
// plus a callback URL pointing back at the broker.
func New(store storage.Store, authURL string, tokenPrefix string, opts ...Option) *Broker {
	b := &Broker{
		log:          slog.New(slog.DiscardHandler),
		store:        store,
		authURL:      authURL,
		codeTTL:      DefaultCodeTTL,
		tokenPrefix:  tokenPrefix,
		resourceName: "Xenote MCP Relay",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register mounts the broker's endpoints on mux.
func (b *Broker) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", b.handleAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", handleMetadataPreflight)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", b.handleProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", handleMetadataPreflight)
	mux.HandleFunc("POST /register", b.handleRegister)
	mux.HandleFunc("GET /authorize", b.handleAuthorize)
	mux.HandleFunc("GET /authorize/callback", b.handleAuthorizeCallback)
	mux.HandleFunc("POST /token", b.handleToken)
}

func handleMetadataPreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthServerMetadata serves the RFC 8414 document. All endpoint URLs
// are derived from the request origin so the relay works unchanged behind
// any hostname.
func (b *Broker) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := wellknown.RequestBaseURL(r)
	doc := wellknown.AuthServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		RegistrationEndpoint:              base + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
	writeMetadata(w, doc)
}

// handleProtectedResourceMetadata serves the RFC 9728 document describing
// the MCP endpoint, pointing clients at this same origin as the
// authorization server.
func (b *Broker) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	base := wellknown.RequestBaseURL(r)
	doc := wellknown.ProtectedResourceMetadata{
		Resource:               base + "/mcp",
		AuthorizationServers:   []string{base},
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           b.resourceName,
	}
	writeMetadata(w, doc)
}

func writeMetadata(w http.ResponseWriter, doc any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// handleRegister implements RFC 7591 dynamic client registration. The
// broker accepts any client and issues no secret: the token endpoint is
// PKCE-protected and public clients are the norm for MCP.
func (b *Broker) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		ClientName    string   `json:"client_name"`
		RedirectURIs  []string `json:"redirect_uris"`
		GrantTypes    []string `json:"grant_types"`
		ResponseTypes []string `json:"response_types"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body must be JSON")
		return
	}

	rec := clientRecord{
		ClientID:                uuid.NewString(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: "none",
		ClientIDIssuedAt:        time.Now().Unix(),
	}
	if len(rec.GrantTypes) == 0 {
		rec.GrantTypes = []string{"authorization_code"}
	}
	if len(rec.ResponseTypes) == 0 {
		rec.ResponseTypes = []string{"code"}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to encode client")
		return
	}
	if err := b.store.Set(ctx, clientKeyPrefix+rec.ClientID, data); err != nil {
		b.log.ErrorContext(ctx, "broker.register.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to persist client")
		return
	}

	b.log.InfoContext(ctx, "broker.register.ok",
		slog.String("client_id", rec.ClientID),
		slog.String("client_name", rec.ClientName))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(rec)
}

// handleAuthorize hands the user off to the external auth page. The
// original authorization parameters travel along untouched; the auth page
// finishes the flow by hitting the callback with a bearer token.
func (b *Broker) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	target, err := url.Parse(b.authURL)
	if err != nil {
		b.log.ErrorContext(r.Context(), "broker.authorize.authurl.invalid", slog.String("err", err.Error()))
		http.Error(w, "authorization endpoint misconfigured", http.StatusInternalServerError)
		return
	}

	q := target.Query()
	for k, vs := range r.URL.Query() {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("callback", wellknown.RequestBaseURL(r)+"/authorize/callback")
	target.RawQuery = q.Encode()

	b.log.InfoContext(r.Context(), "broker.authorize.redirect",
		slog.String("client_id", r.URL.Query().Get("client_id")))
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// handleAuthorizeCallback receives the bearer token from the auth page,
// binds it to a fresh single-use code, and bounces the user agent back to
// the client's redirect URI.
func (b *Broker) handleAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	token := q.Get("token")
	if token == "" || (b.tokenPrefix != "" && !strings.HasPrefix(token, b.tokenPrefix)) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid token")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required")
		return
	}

	rec := codeRecord{
		Token:               token,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		RedirectURI:         redirectURI,
		ClientID:            q.Get("client_id"),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to encode grant")
		return
	}

	code := uuid.NewString()
	if err := b.store.Set(ctx, codeKeyPrefix+code, data, storage.WithTTL(b.codeTTL)); err != nil {
		b.log.ErrorContext(ctx, "broker.callback.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "failed to persist grant")
		return
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	loc := redirectURI + sep + "code=" + url.QueryEscape(code)
	if state := q.Get("state"); state != "" {
		loc += "&state=" + url.QueryEscape(state)
	}

	b.log.InfoContext(ctx, "broker.callback.ok", slog.String("client_id", rec.ClientID))
	http.Redirect(w, r, loc, http.StatusFound)
}

// tokenRequest is the union of form-encoded and JSON token request bodies.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	ClientID     string `json:"client_id"`
}

func parseTokenRequest(r *http.Request) (*tokenRequest, error) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/json") {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
	}, nil
}

// handleToken redeems an authorization code for the bearer token it wraps.
// The code is consumed atomically up front, so a failed verification still
// burns it: a stolen code cannot be retried with new guesses.
func (b *Broker) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := parseTokenRequest(r)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed token request")
		return
	}

	if req.GrantType != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if req.Code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	item, err := b.store.GetDel(ctx, codeKeyPrefix+req.Code)
	if err != nil {
		b.log.ErrorContext(ctx, "broker.token.store.fail", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "storage failure")
		return
	}
	if item == nil {
		b.log.InfoContext(ctx, "broker.token.code.miss")
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	var rec codeRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		b.log.ErrorContext(ctx, "broker.token.record.corrupt", slog.String("err", err.Error()))
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	if rec.CodeChallenge != "" {
		if !verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, req.CodeVerifier) {
			b.log.InfoContext(ctx, "broker.token.pkce.fail", slog.String("client_id", rec.ClientID))
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	if rec.RedirectURI != "" && req.RedirectURI != rec.RedirectURI {
		b.log.InfoContext(ctx, "broker.token.redirect.mismatch", slog.String("client_id", rec.ClientID))
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	b.log.InfoContext(ctx, "broker.token.ok", slog.String("client_id", rec.ClientID))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": rec.Token,
		"token_type":   "Bearer",
	})
}

// verifyPKCE checks a code verifier against the stored challenge. Only
// S256 is supported; the plain method is deliberately rejected.
func verifyPKCE(challenge, method, verifier string) bool {
	if verifier == "" {
		return false
	}
	if method != "" && method != "S256" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	_ = json.NewEncoder(w).Encode(body)
}
