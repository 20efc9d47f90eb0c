package keycloak

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the Keycloak realm and client settings shared by the
// validator, the credential broker and the hosted flow.
type Config struct {
	BaseURL      string // e.g. http://localhost:8080
	Realm        string
	ClientID     string
	ClientSecret string // empty for public clients

	// Administrative access used for provisioning and token exchange.
	AdminRealm    string
	AdminClientID string
	AdminUsername string
	AdminPassword string

	// Audiences accepted by the validator in addition to ClientID.
	Audiences   []string
	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.AdminRealm == "" {
		c.AdminRealm = "master"
	}
	if c.AdminClientID == "" {
		c.AdminClientID = "admin-cli"
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Audiences == nil {
		c.Audiences = []string{"account"}
	}
	return c
}

// Issuer returns the realm issuer URL.
func (c Config) Issuer() string {
	return realmURL(c.BaseURL, c.Realm)
}

// TokenURL returns the realm token endpoint.
func (c Config) TokenURL() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

// AdminTokenURL returns the token endpoint of the administrative realm.
func (c Config) AdminTokenURL() string {
	return realmURL(c.BaseURL, c.AdminRealm) + "/protocol/openid-connect/token"
}

// AdminAPIURL returns the admin REST base for the realm.
func (c Config) AdminAPIURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/admin/realms/" + url.PathEscape(c.Realm)
}

func (c Config) newHTTPClient() *http.Client {
	return &http.Client{Timeout: c.HTTPTimeout}
}

func realmURL(base, realm string) string {
	return strings.TrimSuffix(base, "/") + "/realms/" + url.PathEscape(realm)
}
