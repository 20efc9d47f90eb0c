package keycloak

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	testRealm     = "transport-realm"
	testClientID  = "transport-app"
	testAdminUser = "admin"
	testAdminPass = "admin-secret"
	testKeyID     = "test-key-id"
)

type fakeUser struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	Password  string
	Enabled   bool
	Roles     []string
}

// fakeKeycloak emulates the subset of Keycloak used by the broker, the
// validator and the hosted flow.
type fakeKeycloak struct {
	t      *testing.T
	server *httptest.Server
	key    *rsa.PrivateKey

	tokenTTL time.Duration

	mu              sync.Mutex
	users           map[string]*fakeUser
	realmRoles      map[string]string
	adminTokens     map[string]bool
	refreshTokens   map[string]string
	authCodes       map[string]string
	codeChallenges  map[string]string
	failRoleMapping bool
	failDelete      bool
	failAdminToken  bool
	adminTokenCalls int
	passwordGrants  int
	refreshGrants   int
	deleted         []string
	lastScope       string
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fk := &fakeKeycloak{
		t:              t,
		key:            key,
		tokenTTL:       5 * time.Minute,
		users:          make(map[string]*fakeUser),
		realmRoles:     map[string]string{"admin": uuid.NewString(), "manager": uuid.NewString(), "driver": uuid.NewString()},
		adminTokens:    make(map[string]bool),
		refreshTokens:  make(map[string]string),
		authCodes:      make(map[string]string),
		codeChallenges: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/realms/{realm}/.well-known/openid-configuration", fk.handleDiscovery)
	r.Get("/realms/{realm}/protocol/openid-connect/certs", fk.handleCerts)
	r.Post("/realms/{realm}/protocol/openid-connect/token", fk.handleToken)
	r.Route("/admin/realms/{realm}", func(r chi.Router) {
		r.Use(fk.requireAdmin)
		r.Post("/users", fk.handleCreateUser)
		r.Delete("/users/{id}", fk.handleDeleteUser)
		r.Get("/roles/{name}", fk.handleGetRole)
		r.Post("/users/{id}/role-mappings/realm", fk.handleRoleMapping)
	})

	fk.server = httptest.NewServer(r)
	t.Cleanup(fk.server.Close)
	return fk
}

func (fk *fakeKeycloak) config() Config {
	return Config{
		BaseURL:       fk.server.URL,
		Realm:         testRealm,
		ClientID:      testClientID,
		AdminUsername: testAdminUser,
		AdminPassword: testAdminPass,
		HTTPTimeout:   5 * time.Second,
	}
}

func (fk *fakeKeycloak) issuer() string {
	return fk.server.URL + "/realms/" + testRealm
}

// addUser registers an account directly, bypassing the admin API.
func (fk *fakeKeycloak) addUser(email, password string, roles ...string) *fakeUser {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	u := &fakeUser{ID: uuid.NewString(), Email: email, Password: password, Enabled: true, Roles: roles}
	fk.users[u.ID] = u
	return u
}

type fakeStats struct {
	AdminTokenCalls int
	PasswordGrants  int
	RefreshGrants   int
	Deleted         []string
	LastScope       string
}

func (fk *fakeKeycloak) stats() fakeStats {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	return fakeStats{
		AdminTokenCalls: fk.adminTokenCalls,
		PasswordGrants:  fk.passwordGrants,
		RefreshGrants:   fk.refreshGrants,
		Deleted:         append([]string(nil), fk.deleted...),
		LastScope:       fk.lastScope,
	}
}

type fakeFailure int

const (
	breakAdminToken fakeFailure = iota
	breakRoleMapping
	breakDelete
)

func (fk *fakeKeycloak) fail(failures ...fakeFailure) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	for _, f := range failures {
		switch f {
		case breakAdminToken:
			fk.failAdminToken = true
		case breakRoleMapping:
			fk.failRoleMapping = true
		case breakDelete:
			fk.failDelete = true
		}
	}
}

func (fk *fakeKeycloak) userByID(id string) *fakeUser {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	return fk.users[id]
}

// signToken signs claims with the realm key.
func (fk *fakeKeycloak) signToken(claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(fk.key)
	require.NoError(fk.t, err)
	return signed
}

func (fk *fakeKeycloak) accessClaims(u *fakeUser, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	roles := make([]any, 0, len(u.Roles))
	for _, r := range u.Roles {
		roles = append(roles, r)
	}
	return jwt.MapClaims{
		"iss":                fk.issuer(),
		"sub":                u.ID,
		"aud":                []string{"account"},
		"azp":                testClientID,
		"exp":                now.Add(ttl).Unix(),
		"iat":                now.Unix(),
		"email":              u.Email,
		"given_name":         u.FirstName,
		"family_name":        u.LastName,
		"preferred_username": u.Email,
		"realm_access":       map[string]any{"roles": roles},
		"resource_access": map[string]any{
			"account": map[string]any{"roles": []any{"manage-account"}},
		},
	}
}

func (fk *fakeKeycloak) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := fk.server.URL + "/realms/" + chi.URLParam(r, "realm")
	writeTestJSON(w, http.StatusOK, map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/protocol/openid-connect/auth",
		"token_endpoint":                        base + "/protocol/openid-connect/token",
		"jwks_uri":                              base + "/protocol/openid-connect/certs",
		"userinfo_endpoint":                     base + "/protocol/openid-connect/userinfo",
		"end_session_endpoint":                  base + "/protocol/openid-connect/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (fk *fakeKeycloak) handleCerts(w http.ResponseWriter, r *http.Request) {
	pub := fk.key.PublicKey
	writeTestJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kid": testKeyID,
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (fk *fakeKeycloak) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	realm := chi.URLParam(r, "realm")
	clientID := r.PostForm.Get("client_id")

	fk.mu.Lock()
	defer fk.mu.Unlock()

	if realm == "master" {
		fk.adminTokenCalls++
		if fk.failAdminToken || clientID != "admin-cli" ||
			r.PostForm.Get("username") != testAdminUser || r.PostForm.Get("password") != testAdminPass {
			writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
			return
		}
		token := "admin-" + uuid.NewString()
		fk.adminTokens[token] = true
		writeTestJSON(w, http.StatusOK, map[string]any{
			"access_token": token,
			"expires_in":   60,
			"token_type":   "Bearer",
		})
		return
	}

	if realm != testRealm || clientID != testClientID {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	var user *fakeUser
	switch r.PostForm.Get("grant_type") {
	case "password":
		fk.passwordGrants++
		fk.lastScope = r.PostForm.Get("scope")
		for _, u := range fk.users {
			if u.Email == r.PostForm.Get("username") && u.Password == r.PostForm.Get("password") && u.Enabled {
				user = u
				break
			}
		}
	case "authorization_code":
		code := r.PostForm.Get("code")
		id, ok := fk.authCodes[code]
		delete(fk.authCodes, code)
		if challenge, pkce := fk.codeChallenges[code]; pkce {
			delete(fk.codeChallenges, code)
			sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
			ok = ok && base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
		}
		if ok {
			user = fk.users[id]
		}
	case "refresh_token":
		fk.refreshGrants++
		rt := r.PostForm.Get("refresh_token")
		if id, ok := fk.refreshTokens[rt]; ok {
			delete(fk.refreshTokens, rt)
			user = fk.users[id]
		}
	}
	if user == nil {
		writeTestJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid user credentials",
		})
		return
	}

	refresh := "refresh-" + uuid.NewString()
	fk.refreshTokens[refresh] = user.ID
	writeTestJSON(w, http.StatusOK, map[string]any{
		"access_token":       fk.signToken(fk.accessClaims(user, fk.tokenTTL)),
		"refresh_token":      refresh,
		"expires_in":         int(fk.tokenTTL.Seconds()),
		"refresh_expires_in": 1800,
		"token_type":         "Bearer",
		"scope":              "openid profile email",
	})
}

func (fk *fakeKeycloak) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		fk.mu.Lock()
		ok := fk.adminTokens[token]
		fk.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (fk *fakeKeycloak) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var rep userRepresentation
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fk.mu.Lock()
	defer fk.mu.Unlock()

	for _, u := range fk.users {
		if u.Email == rep.Email {
			writeTestJSON(w, http.StatusConflict, map[string]string{"errorMessage": "User exists with same username"})
			return
		}
	}
	if len(rep.Credentials) != 1 || rep.Credentials[0].Temporary || !rep.Enabled || !rep.EmailVerified || rep.Username != rep.Email {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	u := &fakeUser{
		ID:        uuid.NewString(),
		Email:     rep.Email,
		FirstName: rep.FirstName,
		LastName:  rep.LastName,
		Password:  rep.Credentials[0].Value,
		Enabled:   true,
	}
	fk.users[u.ID] = u

	w.Header().Set("Location", fmt.Sprintf("%s/admin/realms/%s/users/%s", fk.server.URL, chi.URLParam(r, "realm"), u.ID))
	w.WriteHeader(http.StatusCreated)
}

func (fk *fakeKeycloak) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	fk.mu.Lock()
	defer fk.mu.Unlock()

	if fk.failDelete {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := fk.users[id]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(fk.users, id)
	fk.deleted = append(fk.deleted, id)
	w.WriteHeader(http.StatusNoContent)
}

func (fk *fakeKeycloak) handleGetRole(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fk.mu.Lock()
	id, ok := fk.realmRoles[name]
	fk.mu.Unlock()
	if !ok {
		writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "Could not find role"})
		return
	}
	writeTestJSON(w, http.StatusOK, roleRepresentation{ID: id, Name: name})
}

func (fk *fakeKeycloak) handleRoleMapping(w http.ResponseWriter, r *http.Request) {
	var roles []roleRepresentation
	if err := json.NewDecoder(r.Body).Decode(&roles); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	fk.mu.Lock()
	defer fk.mu.Unlock()

	if fk.failRoleMapping {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	u, ok := fk.users[chi.URLParam(r, "id")]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, role := range roles {
		if fk.realmRoles[role.Name] != role.ID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		u.Roles = append(u.Roles, role.Name)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fk *fakeKeycloak) setTokenTTL(ttl time.Duration) {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.tokenTTL = ttl
}

// issueCode returns a one-time authorization code for the user.
func (fk *fakeKeycloak) issueCode(u *fakeUser) string {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	code := "code-" + uuid.NewString()
	fk.authCodes[code] = u.ID
	return code
}

// issueCodeFor returns a code bound to the PKCE challenge of a hosted login URL.
func (fk *fakeKeycloak) issueCodeFor(u *fakeUser, challenge string) string {
	code := fk.issueCode(u)
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.codeChallenges[code] = challenge
	return code
}

// revokeRefreshTokens ends every SSO session.
func (fk *fakeKeycloak) revokeRefreshTokens() {
	fk.mu.Lock()
	defer fk.mu.Unlock()
	fk.refreshTokens = make(map[string]string)
}
