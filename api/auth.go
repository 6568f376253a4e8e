// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/stockparfait/errors"
)

// tokenRefreshMargin is how long before expiry a token is refreshed.
const tokenRefreshMargin = 5 * time.Minute

// Token is a bearer token with an optional expiry.
type Token struct {
	Value  string
	Expiry time.Time // zero means never expires
}

// Valid reports whether the token is usable at time now, accounting for the
// refresh margin.
func (t Token) Valid(now time.Time) bool {
	if t.Value == "" {
		return false
	}
	return t.Expiry.IsZero() || now.Add(tokenRefreshMargin).Before(t.Expiry)
}

// Authenticator supplies bearer tokens.
type Authenticator interface {
	Token(ctx context.Context) (Token, error)
}

// StaticToken is a token that never expires.
type StaticToken string

var _ Authenticator = StaticToken("")

// Token implements Authenticator.
func (s StaticToken) Token(ctx context.Context) (Token, error) {
	if s == "" {
		return Token{}, errors.Reason("empty static token")
	}
	return Token{Value: string(s)}, nil
}

// PasswordAuth obtains an ID token from ERCOT's identity provider using the
// resource owner password flow.
type PasswordAuth struct {
	TokenURL   string
	ClientID   string
	Username   string
	Password   string
	HTTPClient *http.Client // default: http.DefaultClient
	Now        func() time.Time
}

var _ Authenticator = &PasswordAuth{}

// NewPasswordAuth creates a PasswordAuth from the config credentials.
func NewPasswordAuth(cfg Config) *PasswordAuth {
	return &PasswordAuth{
		TokenURL: cfg.TokenURL,
		ClientID: cfg.ClientID,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	IDToken     string          `json:"id_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

// expiresIn accepts both a number and a numeric string.
func (r *tokenResponse) expiresIn() time.Duration {
	if len(r.ExpiresIn) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(r.ExpiresIn, &f); err == nil {
		return seconds(f)
	}
	var s string
	if err := json.Unmarshal(r.ExpiresIn, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return seconds(f)
		}
	}
	return 0
}

// Token implements Authenticator.
func (a *PasswordAuth) Token(ctx context.Context) (Token, error) {
	if a.Username == "" || a.Password == "" {
		return Token{}, errors.Reason("username and password are required")
	}
	clientID := a.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	tokenURL := a.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	q := url.Values{}
	q.Set("username", a.Username)
	q.Set("password", a.Password)
	q.Set("grant_type", "password")
	q.Set("scope", "openid "+clientID+" offline_access")
	q.Set("client_id", clientID)
	q.Set("response_type", "id_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return Token{}, errors.Annotate(err, "failed to create token request")
	}
	hc := a.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return Token{}, errors.Annotate(err, "token request failed")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, errors.Annotate(err, "failed to read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, errors.Reason("token endpoint returned status %d: %s",
			resp.StatusCode, truncate(string(body), 200))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, errors.Annotate(err, "failed to parse token response")
	}
	value := tr.IDToken
	if value == "" {
		value = tr.AccessToken
	}
	if value == "" {
		return Token{}, errors.Reason("token response has no id_token")
	}
	tok := Token{Value: value}
	if d := tr.expiresIn(); d > 0 {
		now := time.Now
		if a.Now != nil {
			now = a.Now
		}
		tok.Expiry = now().Add(d)
	}
	return tok, nil
}

// authTransport adds the ERCOT headers to every request.
type authTransport struct {
	base  http.RoundTripper
	key   string
	token string
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if t.key != "" {
		r.Header.Set("Ocp-Apim-Subscription-Key", t.key)
	}
	if t.token != "" {
		r.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(r)
}

// session owns the HTTP client shared by all requests of a Client. The client
// is created lazily and recreated only when the token value changes.
type session struct {
	mu        sync.Mutex
	auth      Authenticator // nil: no bearer token
	key       string
	timeout   time.Duration
	verifySSL bool
	now       func() time.Time
	token     Token
	client    *http.Client
}

func (s *session) newHTTPClient(token string) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !s.verifySSL {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Timeout:   s.timeout,
		Transport: &authTransport{base: base, key: s.key, token: token},
	}
}

// httpClient returns the current authenticated client, refreshing the token
// when it is within the refresh margin of its expiry.
func (s *session) httpClient(ctx context.Context) (*http.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth == nil {
		if s.client == nil {
			s.client = s.newHTTPClient("")
		}
		return s.client, nil
	}
	if s.client != nil && s.token.Valid(s.now()) {
		return s.client, nil
	}
	tok, err := s.auth.Token(ctx)
	if err != nil {
		return nil, &AuthenticationError{Err: err}
	}
	if s.client != nil && tok.Value == s.token.Value {
		s.token = tok
		return s.client, nil
	}
	if s.client != nil {
		s.client.CloseIdleConnections()
	}
	s.token = tok
	s.client = s.newHTTPClient(tok.Value)
	return s.client, nil
}
