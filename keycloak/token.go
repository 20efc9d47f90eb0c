package keycloak

import (
	"time"

	"golang.org/x/oauth2"
)

// TokenPair is the result of a password or refresh grant.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
	Expiry       time.Time `json:"expiry"`
}

func tokenPairFromOAuth2(tok *oauth2.Token) *TokenPair {
	pair := &TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	switch {
	case tok.ExpiresIn > 0:
		pair.ExpiresIn = int(tok.ExpiresIn)
	case !tok.Expiry.IsZero():
		pair.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if pair.TokenType == "" {
		pair.TokenType = "Bearer"
	}
	return pair
}
