package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	svc "github.com/dropDatabas3/tokend/internal/http/services/oauth"
)

type stubService struct {
	gotReq svc.TokenRequest
	resp   *svc.TokenResponse
	err    error
}

func (s *stubService) Exchange(_ context.Context, req svc.TokenRequest) (*svc.TokenResponse, error) {
	s.gotReq = req
	return s.resp, s.err
}

func postForm(t *testing.T, c *TokenController, form url.Values, mod func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if mod != nil {
		mod(r)
	}
	w := httptest.NewRecorder()
	c.Token(w, r)
	return w
}

func TestToken_Success(t *testing.T) {
	stub := &stubService{resp: &svc.TokenResponse{
		AccessToken:  "at",
		TokenType:    "Bearer",
		ExpiresIn:    900,
		RefreshToken: "rt",
		IDToken:      "idt",
		Scope:        "openid",
	}}
	c := NewTokenController(stub)

	w := postForm(t, c, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {"abc123"},
		"redirect_uri":  {"https://app.test/cb"},
		"client_id":     {"web-app"},
		"code_verifier": {"ver"},
	}, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	if p := w.Header().Get("Pragma"); p != "no-cache" {
		t.Fatalf("Pragma = %q", p)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] != "at" || body["refresh_token"] != "rt" || body["id_token"] != "idt" {
		t.Fatalf("body = %v", body)
	}

	if stub.gotReq.GrantType != "authorization_code" || stub.gotReq.Code != "abc123" {
		t.Fatalf("service request = %+v", stub.gotReq)
	}
}

func TestToken_BasicAuthWinsOverForm(t *testing.T) {
	stub := &stubService{resp: &svc.TokenResponse{AccessToken: "at", TokenType: "Bearer"}}
	c := NewTokenController(stub)

	postForm(t, c, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"form-client"},
		"client_secret": {"form-secret"},
	}, func(r *http.Request) {
		r.SetBasicAuth("basic-client", "basic-secret")
	})

	if stub.gotReq.ClientID != "basic-client" || stub.gotReq.ClientSecret != "basic-secret" {
		t.Fatalf("client creds = %q/%q", stub.gotReq.ClientID, stub.gotReq.ClientSecret)
	}
}

func TestToken_HeadersForwarded(t *testing.T) {
	stub := &stubService{resp: &svc.TokenResponse{AccessToken: "at", TokenType: "DPoP"}}
	c := NewTokenController(stub)

	postForm(t, c, url.Values{
		"grant_type": {"refresh_token"},
		"client_id":  {"web-app"},
	}, func(r *http.Request) {
		r.Header.Set("DPoP", "proof-jwt")
		r.Header.Set("Sec-Token-Binding", "tb-message")
		r.Header.Set("X-ClientCert", "cert-hash")
	})

	if stub.gotReq.DPoPProof != "proof-jwt" {
		t.Fatalf("DPoPProof = %q", stub.gotReq.DPoPProof)
	}
	if stub.gotReq.SecTokenBinding != "tb-message" {
		t.Fatalf("SecTokenBinding = %q", stub.gotReq.SecTokenBinding)
	}
	if stub.gotReq.ClientCertHash != "cert-hash" {
		t.Fatalf("ClientCertHash = %q", stub.gotReq.ClientCertHash)
	}
	if stub.gotReq.HTTPMethod != http.MethodPost || !strings.HasSuffix(stub.gotReq.HTTPURL, "/token") {
		t.Fatalf("htm/htu = %q %q", stub.gotReq.HTTPMethod, stub.gotReq.HTTPURL)
	}
}

func TestToken_ErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{svc.ErrInvalidGrant, http.StatusBadRequest, "invalid_grant"},
		{svc.ErrInvalidClient, http.StatusUnauthorized, "invalid_client"},
		{svc.ErrDisabledClient, http.StatusForbidden, "disabled_client"},
		{svc.ErrSlowDown, http.StatusBadRequest, "slow_down"},
		{svc.ErrAuthorizationPending, http.StatusBadRequest, "authorization_pending"},
		{svc.ErrExpiredToken, http.StatusBadRequest, "expired_token"},
		{errors.New("boom"), http.StatusInternalServerError, "server_error"},
	}

	for _, tc := range cases {
		c := NewTokenController(&stubService{err: tc.err})
		w := postForm(t, c, url.Values{
			"grant_type": {"authorization_code"},
			"client_id":  {"web-app"},
		}, nil)

		if w.Code != tc.wantStatus {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.wantStatus)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["error"] != tc.wantCode {
			t.Fatalf("%v: error = %q, want %q", tc.err, body["error"], tc.wantCode)
		}
		if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
			t.Fatalf("Cache-Control = %q", cc)
		}
	}
}

func TestToken_ServerErrorHidesDetail(t *testing.T) {
	c := NewTokenController(&stubService{err: errors.New("pgx: connection refused")})
	w := postForm(t, c, url.Values{"grant_type": {"authorization_code"}}, nil)

	if strings.Contains(w.Body.String(), "pgx") {
		t.Fatalf("internal detail leaked: %s", w.Body.String())
	}
}

func TestToken_MethodNotAllowed(t *testing.T) {
	c := NewTokenController(&stubService{})
	r := httptest.NewRequest(http.MethodGet, "/token", nil)
	w := httptest.NewRecorder()
	c.Token(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "POST" {
		t.Fatalf("Allow = %q", allow)
	}
}
