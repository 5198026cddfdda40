package auth

import (
	"context"
	"fmt"

	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

// XOAuth2Mechanism is the SASL name used by Gmail and Outlook.
const XOAuth2Mechanism = "XOAUTH2"

type xoauth2 struct {
	user string
	src  oauth2.TokenSource
}

// XOAuth2 returns a SASL client that logs user in with the bearer token
// from src. Wrap it with SASL to use it as an Authenticator.
func XOAuth2(user string, src oauth2.TokenSource) sasl.Client {
	return &xoauth2{user: user, src: src}
}

func (a *xoauth2) Start() (string, []byte, error) {
	tok, err := a.src.Token()
	if err != nil {
		return "", nil, fmt.Errorf("oauth2 token: %w", err)
	}
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.user, tok.AccessToken)
	return XOAuth2Mechanism, []byte(ir), nil
}

// Next answers the JSON error challenge with an empty response, which makes
// the server finish with NO.
func (a *xoauth2) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}

// Provider names accepted by TokenSource.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// TokenSource builds a refreshing token source for a known provider.
func TokenSource(ctx context.Context, provider, clientID, clientSecret, refreshToken string) (oauth2.TokenSource, error) {
	cfg := &oauth2.Config{ClientID: clientID, ClientSecret: clientSecret}
	switch provider {
	case ProviderGmail:
		cfg.Endpoint = oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		}
		cfg.Scopes = []string{"https://mail.google.com/"}
	case ProviderOutlook:
		cfg.Endpoint = oauth2.Endpoint{
			AuthURL:   "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			AuthStyle: oauth2.AuthStyleAutoDetect,
		}
		cfg.Scopes = []string{"offline_access", "https://outlook.office365.com/IMAP.AccessAsUser.All"}
	default:
		return nil, fmt.Errorf("unknown oauth2 provider %q", provider)
	}
	tok := &oauth2.Token{TokenType: "Bearer", RefreshToken: refreshToken}
	return cfg.TokenSource(ctx, tok), nil
}
