package oauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/tokend/internal/audit"
	"github.com/dropDatabas3/tokend/internal/grant"
	jwtx "github.com/dropDatabas3/tokend/internal/jwt"
	"github.com/dropDatabas3/tokend/internal/security/password"
	"github.com/dropDatabas3/tokend/internal/security/pkce"
	tokens "github.com/dropDatabas3/tokend/internal/security/token"
)

const testClientSecret = "s3cret-de-prueba"

var (
	secretHashOnce sync.Once
	secretHash     string
)

func testSecretHash(t *testing.T) string {
	secretHashOnce.Do(func() {
		h, err := password.Hash(password.Default, testClientSecret)
		if err != nil {
			t.Fatalf("hash secret: %v", err)
		}
		secretHash = h
	})
	return secretHash
}

// clock es un reloj mutable compartido entre el service y el poll controller.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc     TokenService
	store   *grant.MemoryStore
	clients *MemoryClientStore
	clock   *clock
}

func newFixture(t *testing.T, mod func(*TokenDeps)) *fixture {
	t.Helper()

	ks, err := jwtx.NewKeystore()
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	issuer := jwtx.NewIssuer("https://issuer.test", ks)

	store := grant.NewMemoryStore(2 * time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{t: time.Now()}

	users := NewStaticUserAuthenticator()
	if err := users.AddUser("alice", "user-alice", "correcthorse"); err != nil {
		t.Fatalf("add user: %v", err)
	}

	clients := NewMemoryClientStore(
		&Client{
			ClientID:   "web-app",
			SecretHash: testSecretHash(t),
			GrantTypes: []string{
				"authorization_code", "refresh_token", "client_credentials", "password",
				string(grant.TypeCIBA), string(grant.TypeDeviceCode),
			},
			Scopes:                       []string{"openid", "profile", "api", "offline_access"},
			BackchannelTokenDeliveryMode: grant.DeliveryPoll,
		},
		&Client{
			ClientID:   "no-refresh",
			SecretHash: testSecretHash(t),
			GrantTypes: []string{"authorization_code"},
			Scopes:     []string{"openid", "api"},
		},
		&Client{
			ClientID:   "spa", // público, sin secret
			GrantTypes: []string{"authorization_code", "refresh_token", "client_credentials"},
			Scopes:     []string{"openid", "api"},
		},
		&Client{
			ClientID:   "off-client",
			SecretHash: testSecretHash(t),
			Disabled:   true,
			GrantTypes: []string{"authorization_code"},
		},
	)

	deps := TokenDeps{
		Grants:  store,
		Clients: clients,
		Issuer:  issuer,
		Poll:    grant.PollController{Interval: 5 * time.Second, Now: clk.now},
		Users:   AuthenticatorChain{users},
		Audit:   audit.Nop{},
		Refresh: RefreshPolicy{Rotation: RotationRotate, TTL: time.Hour},
		Now:     clk.now,
	}
	if mod != nil {
		mod(&deps)
	}

	return &fixture{
		svc:     NewTokenService(deps),
		store:   store,
		clients: clients,
		clock:   clk,
	}
}

func (f *fixture) seedAuthCode(t *testing.T, clientID, code, verifier string, scopes []string) *grant.Grant {
	t.Helper()
	g := &grant.Grant{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		UserID:    "user-alice",
		Scopes:    scopes,
		Kind:      grant.TypeAuthorizationCode,
		CreatedAt: f.clock.now(),
		AuthCode: &grant.AuthCodeData{
			Code:                tokens.SHA256Base64URL(code),
			CodeChallenge:       pkce.Challenge(verifier),
			CodeChallengeMethod: pkce.MethodS256,
			Nonce:               "nonce-1",
			RedirectURI:         "https://app.test/cb",
			ExpiresAt:           f.clock.now().Add(2 * time.Minute),
		},
	}
	if err := f.store.Put(context.Background(), g); err != nil {
		t.Fatalf("seed auth code: %v", err)
	}
	return g
}

func wantOAuthErr(t *testing.T, err error, code string) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", code)
	}
	var oe *Error
	if !errors.As(err, &oe) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if oe.Code != code {
		t.Fatalf("expected %s, got %s (%s)", code, oe.Code, oe.Description)
	}
	return oe
}

func TestExchangeAuthorizationCode_SuccessAndReplay(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid", "profile", "offline_access"})

	req := TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	}

	resp, err := f.svc.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access_token")
	}
	if resp.IDToken == "" {
		t.Fatal("expected id_token for openid scope")
	}
	if resp.RefreshToken == "" {
		t.Fatal("expected refresh_token")
	}
	if resp.TokenType != "Bearer" {
		t.Fatalf("token_type = %q", resp.TokenType)
	}
	if resp.ExpiresIn <= 0 {
		t.Fatalf("expires_in = %d", resp.ExpiresIn)
	}

	// Replay del mismo código: exactamente una redención gana.
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "invalid_grant")
}

func TestExchangeAuthorizationCode_WrongVerifier(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAuthCode(t, "web-app", "abc123", "the-real-verifier", []string{"openid"})

	req := TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "not-the-verifier",
	}
	_, err := f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "invalid_grant")

	// El fallo PKCE consumió el código: el verifier correcto ya no sirve.
	req.CodeVerifier = "the-real-verifier"
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "invalid_grant")
}

func TestExchangeAuthorizationCode_ClientMismatchPurges(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid"})

	req := TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "no-refresh",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	}
	_, err := f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "invalid_grant")

	// El mismatch purgó el residuo: ni el cliente legítimo lo redime.
	req.ClientID = "web-app"
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "invalid_grant")
}

func TestExchangeAuthorizationCode_MissingCode(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
	})
	wantOAuthErr(t, err, "invalid_request")
}

func TestExchangeRefreshToken_Rotation(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid", "offline_access"})

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	})
	if err != nil {
		t.Fatalf("bootstrap exchange: %v", err)
	}
	oldRT := resp.RefreshToken

	refreshReq := TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		RefreshToken: oldRT,
	}
	resp2, err := f.svc.Exchange(context.Background(), refreshReq)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp2.RefreshToken == "" || resp2.RefreshToken == oldRT {
		t.Fatal("expected a fresh rotated refresh_token")
	}
	if resp2.IDToken != "" {
		t.Fatal("id_token on refresh requires the compat flag")
	}

	// El viejo quedó revocado.
	_, err = f.svc.Exchange(context.Background(), refreshReq)
	wantOAuthErr(t, err, "invalid_grant")

	// El nuevo funciona.
	refreshReq.RefreshToken = resp2.RefreshToken
	if _, err := f.svc.Exchange(context.Background(), refreshReq); err != nil {
		t.Fatalf("rotated refresh: %v", err)
	}
}

func TestExchangeRefreshToken_SkipRotation(t *testing.T) {
	f := newFixture(t, func(d *TokenDeps) {
		d.Refresh.Rotation = RotationSkip
	})
	f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid"})

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	})
	if err != nil {
		t.Fatalf("bootstrap exchange: %v", err)
	}

	refreshReq := TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		RefreshToken: resp.RefreshToken,
	}
	resp2, err := f.svc.Exchange(context.Background(), refreshReq)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp2.RefreshToken != "" {
		t.Fatal("skip policy must not mint a new refresh_token")
	}

	// El original sigue usable.
	if _, err := f.svc.Exchange(context.Background(), refreshReq); err != nil {
		t.Fatalf("second refresh with original token: %v", err)
	}
}

func TestExchangeRefreshToken_GrantTypeNotRegistered(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "no-refresh",
		ClientSecret: testClientSecret,
		RefreshToken: "rt1",
	})
	oe := wantOAuthErr(t, err, "invalid_grant")
	if oe.Description != "grant_type does not belong to client." {
		t.Fatalf("description = %q", oe.Description)
	}
}

func TestExchangeClientCredentials(t *testing.T) {
	f := newFixture(t, nil)

	// Secret incorrecto.
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "web-app",
		ClientSecret: "nope",
	})
	wantOAuthErr(t, err, "invalid_client")

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Scope:        "api",
	})
	if err != nil {
		t.Fatalf("client_credentials: %v", err)
	}
	if resp.AccessToken == "" || resp.Scope != "api" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.RefreshToken != "" {
		t.Fatal("no refresh_token without offline_access")
	}
	if resp.IDToken != "" {
		t.Fatal("no id_token for machine clients")
	}
}

func TestExchangeClientCredentials_OpenIDScope(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Scope:        "openid api",
	})
	if err != nil {
		t.Fatalf("client_credentials: %v", err)
	}
	if !strings.Contains(resp.Scope, "openid") {
		t.Fatalf("scope = %q", resp.Scope)
	}
	if resp.IDToken == "" {
		t.Fatal("openid granted: expected id_token")
	}
	if resp.RefreshToken != "" {
		t.Fatal("no refresh_token without offline_access")
	}
}

func TestExchangeClientCredentials_OfflineAccess(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Scope:        "api offline_access",
	})
	if err != nil {
		t.Fatalf("client_credentials: %v", err)
	}
	if resp.RefreshToken == "" {
		t.Fatal("offline_access requested: expected refresh_token")
	}

	// El refresh emitido es canjeable.
	if _, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "refresh_token",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		RefreshToken: resp.RefreshToken,
	}); err != nil {
		t.Fatalf("refresh after client_credentials: %v", err)
	}
}

func TestExchangeClientCredentials_PublicClient(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType: "client_credentials",
		ClientID:  "spa",
	})
	wantOAuthErr(t, err, "unauthorized_client")
}

func TestExchangePassword(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "password",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Username:     "alice",
		Password:     "correcthorse",
		Scope:        "openid profile",
	})
	if err != nil {
		t.Fatalf("password grant: %v", err)
	}
	if resp.AccessToken == "" || resp.IDToken == "" || resp.RefreshToken == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	_, err = f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "password",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Username:     "alice",
		Password:     "wrong",
	})
	oe := wantOAuthErr(t, err, "invalid_client")
	if oe.Description != "Invalid user." {
		t.Fatalf("description = %q", oe.Description)
	}
}

func seedCibaRequest(t *testing.T, f *fixture, authReqID string, mode grant.DeliveryMode) {
	t.Helper()
	now := f.clock.now()
	err := f.store.PutCibaRequest(context.Background(), &grant.CibaRequest{
		AuthReqID:    authReqID,
		ClientID:     "web-app",
		UserID:       "user-alice",
		Scopes:       []string{"openid", "offline_access"},
		DeliveryMode: mode,
		PollState: grant.PollState{
			Status:     grant.StatusPending,
			LastAccess: now,
			ExpiresAt:  now.Add(5 * time.Minute),
		},
	})
	if err != nil {
		t.Fatalf("seed ciba request: %v", err)
	}
}

func TestPollCiba_SlowDownThenPendingThenTokens(t *testing.T) {
	f := newFixture(t, nil)
	seedCibaRequest(t, f, "areq-1", grant.DeliveryPoll)

	req := TokenRequest{
		GrantType:    string(grant.TypeCIBA),
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		AuthReqID:    "areq-1",
	}

	// 2s después de la creación: dentro del intervalo de 5s.
	f.clock.advance(2 * time.Second)
	_, err := f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "slow_down")

	// 6s después del último poll.
	f.clock.advance(6 * time.Second)
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "authorization_pending")

	// Aprobación fuera de banda; el próximo poll entrega tokens.
	if _, err := grant.ApproveCiba(context.Background(), f.store, "areq-1", "user-alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	f.clock.advance(6 * time.Second)
	resp, err := f.svc.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("ciba delivery: %v", err)
	}
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Entrega única: el auth_req_id queda invalidado.
	_, err = f.svc.Exchange(context.Background(), req)
	oe := wantOAuthErr(t, err, "invalid_grant")
	if oe.Description != "AuthReqId is no longer available." {
		t.Fatalf("description = %q", oe.Description)
	}
}

func TestPollCiba_PushNotPollable(t *testing.T) {
	f := newFixture(t, nil)
	seedCibaRequest(t, f, "areq-push", grant.DeliveryPush)
	if _, err := grant.ApproveCiba(context.Background(), f.store, "areq-push", "user-alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    string(grant.TypeCIBA),
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		AuthReqID:    "areq-push",
	})
	wantOAuthErr(t, err, "unauthorized_client")
}

func TestPollCiba_PushRegisteredClient(t *testing.T) {
	f := newFixture(t, nil)
	f.clients.Put(&Client{
		ClientID:                     "push-client",
		SecretHash:                   testSecretHash(t),
		GrantTypes:                   []string{string(grant.TypeCIBA)},
		Scopes:                       []string{"openid"},
		BackchannelTokenDeliveryMode: grant.DeliveryPush,
	})

	// El grant quedó marcado como poll, pero la registración del
	// cliente dice push: la registración también cuenta.
	now := f.clock.now()
	err := f.store.PutCibaRequest(context.Background(), &grant.CibaRequest{
		AuthReqID:    "areq-push-reg",
		ClientID:     "push-client",
		UserID:       "user-alice",
		Scopes:       []string{"openid"},
		DeliveryMode: grant.DeliveryPoll,
		PollState: grant.PollState{
			Status:     grant.StatusPending,
			LastAccess: now,
			ExpiresAt:  now.Add(5 * time.Minute),
		},
	})
	if err != nil {
		t.Fatalf("seed ciba request: %v", err)
	}
	if _, err := grant.ApproveCiba(context.Background(), f.store, "areq-push-reg", "user-alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	_, err = f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    string(grant.TypeCIBA),
		ClientID:     "push-client",
		ClientSecret: testClientSecret,
		AuthReqID:    "areq-push-reg",
	})
	wantOAuthErr(t, err, "unauthorized_client")
}

func TestPollCiba_Denied(t *testing.T) {
	f := newFixture(t, nil)
	seedCibaRequest(t, f, "areq-deny", grant.DeliveryPoll)
	if err := grant.DenyCiba(context.Background(), f.store, "areq-deny"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	req := TokenRequest{
		GrantType:    string(grant.TypeCIBA),
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		AuthReqID:    "areq-deny",
	}
	f.clock.advance(6 * time.Second)
	_, err := f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "access_denied")

	// El registro denegado se eliminó: ahora es un id desconocido.
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "expired_token")
}

func TestPollCiba_UnknownAuthReqID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    string(grant.TypeCIBA),
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		AuthReqID:    "nope",
	})
	wantOAuthErr(t, err, "expired_token")
}

func TestPollDevice_SingleDelivery(t *testing.T) {
	f := newFixture(t, nil)
	now := f.clock.now()
	deviceCode := "dev-code-raw"
	codeHash := tokens.SHA256Base64URL(deviceCode)
	err := f.store.PutDeviceAuthorization(context.Background(), &grant.DeviceAuthorization{
		DeviceCode: codeHash,
		UserCode:   "WDJB-MJHT",
		ClientID:   "web-app",
		Scopes:     []string{"openid", "offline_access"},
		PollState: grant.PollState{
			Status:     grant.StatusPending,
			LastAccess: now,
			ExpiresAt:  now.Add(5 * time.Minute),
		},
	})
	if err != nil {
		t.Fatalf("seed device auth: %v", err)
	}

	req := TokenRequest{
		GrantType:    string(grant.TypeDeviceCode),
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		DeviceCode:   deviceCode,
	}

	f.clock.advance(6 * time.Second)
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "authorization_pending")

	if _, err := grant.ApproveDevice(context.Background(), f.store, codeHash, "user-alice"); err != nil {
		t.Fatalf("approve device: %v", err)
	}
	f.clock.advance(6 * time.Second)
	resp, err := f.svc.Exchange(context.Background(), req)
	if err != nil {
		t.Fatalf("device delivery: %v", err)
	}
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Entrega única: cualquier poll posterior ve el código purgado.
	f.clock.advance(6 * time.Second)
	_, err = f.svc.Exchange(context.Background(), req)
	wantOAuthErr(t, err, "expired_token")
}

func TestExchange_DisabledClient(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "off-client",
		ClientSecret: testClientSecret,
		Code:         "whatever",
	})
	oe := wantOAuthErr(t, err, "disabled_client")
	if oe.HTTPStatus != 403 {
		t.Fatalf("status = %d", oe.HTTPStatus)
	}
}

func TestExchange_UnsupportedGrantType(t *testing.T) {
	f := newFixture(t, func(d *TokenDeps) {
		d.SupportedGrantTypes = []string{"authorization_code"}
	})
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
	})
	wantOAuthErr(t, err, "unsupported_grant_type")
}

func TestExchange_MissingGrantType(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
	})
	wantOAuthErr(t, err, "invalid_request")
}

func TestExchange_UnknownClient(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType: "authorization_code",
		ClientID:  "ghost",
		Code:      "abc",
	})
	wantOAuthErr(t, err, "invalid_grant")
}

func TestExchange_DPoPBoundGrantRequiresProof(t *testing.T) {
	f := newFixture(t, nil)
	g := f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid"})
	g.DPoPJKT = "thumbprint-anclado"
	if err := f.store.Put(context.Background(), g); err != nil {
		t.Fatalf("rebind grant: %v", err)
	}

	_, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	})
	wantOAuthErr(t, err, "invalid_dpop_proof")
}

func TestExchange_UmaTicketDelegation(t *testing.T) {
	delegated := &TokenResponse{AccessToken: "rpt-token", TokenType: "Bearer"}
	f := newFixture(t, func(d *TokenDeps) {
		d.Uma = umaStub{resp: delegated}
	})

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		Ticket: "uma-ticket-1",
	})
	if err != nil {
		t.Fatalf("uma delegation: %v", err)
	}
	if resp.AccessToken != "rpt-token" {
		t.Fatalf("unexpected rpt response: %+v", resp)
	}
}

func TestExchange_UmaTicketWithoutDelegate(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Exchange(context.Background(), TokenRequest{Ticket: "uma-ticket-1"})
	wantOAuthErr(t, err, "invalid_request")
}

type umaStub struct {
	resp *TokenResponse
}

func (u umaStub) RequestRPT(context.Context, string, string) (*TokenResponse, error) {
	return u.resp, nil
}

func TestExchange_ClientCertHashBinding(t *testing.T) {
	const certHash = "bwcK0esc3ACC3DB2Y5_lESsXE8o9ltc05O89jdN-dg2"

	var issuer *jwtx.Issuer
	f := newFixture(t, func(d *TokenDeps) { issuer = d.Issuer })

	resp, err := f.svc.Exchange(context.Background(), TokenRequest{
		GrantType:      "client_credentials",
		ClientID:       "web-app",
		ClientSecret:   testClientSecret,
		Scope:          "api",
		ClientCertHash: certHash,
	})
	if err != nil {
		t.Fatalf("client_credentials: %v", err)
	}
	// El binding mTLS no cambia el token_type; eso es cosa de DPoP.
	if resp.TokenType != "Bearer" {
		t.Fatalf("token_type = %q", resp.TokenType)
	}

	tok, err := jwtv5.Parse(resp.AccessToken, issuer.Keyfunc(), jwtv5.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !tok.Valid {
		t.Fatalf("parse access token: %v", err)
	}
	claims := tok.Claims.(jwtv5.MapClaims)
	cnf, ok := claims["cnf"].(map[string]any)
	if !ok {
		t.Fatalf("cnf claim = %v", claims["cnf"])
	}
	if cnf["x5t#S256"] != certHash {
		t.Fatalf("x5t#S256 = %v", cnf["x5t#S256"])
	}
}

func TestConcurrentRedeem_ExactlyOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	f.seedAuthCode(t, "web-app", "abc123", "verifier-string-long-enough", []string{"openid"})

	req := TokenRequest{
		GrantType:    "authorization_code",
		ClientID:     "web-app",
		ClientSecret: testClientSecret,
		Code:         "abc123",
		RedirectURI:  "https://app.test/cb",
		CodeVerifier: "verifier-string-long-enough",
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Exchange(context.Background(), req)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		var oe *Error
		if !errors.As(err, &oe) || oe.Code != "invalid_grant" {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
}
