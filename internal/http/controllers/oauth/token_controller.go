// Package oauth - TokenController handles POST /token
package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	svc "github.com/dropDatabas3/tokend/internal/http/services/oauth"
	"github.com/dropDatabas3/tokend/internal/observability/logger"
)

// TokenController handles the OAuth2 token endpoint.
type TokenController struct {
	service svc.TokenService
}

// NewTokenController creates the controller.
func NewTokenController(s svc.TokenService) *TokenController {
	return &TokenController{service: s}
}

// Token handles POST /token.
// Implementa los seis grant types (authorization_code, refresh_token,
// client_credentials, password, CIBA, device_code) más delegación UMA.
func (c *TokenController) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("oauth.token"))

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		c.writeOAuthError(w, svc.ErrInvalidRequest.WithDescription("Only POST method is allowed."), http.StatusMethodNotAllowed)
		return
	}

	// Los forms OAuth son chicos; 64KB alcanza.
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)

	if err := r.ParseForm(); err != nil {
		log.Warn("failed to parse form", logger.Err(err))
		c.writeOAuthError(w, svc.ErrInvalidRequest.WithDescription("Invalid form data."), 0)
		return
	}

	req := c.buildRequest(r)
	log = log.With(logger.GrantType(req.GrantType), logger.ClientID(req.ClientID))

	resp, err := c.service.Exchange(ctx, req)
	if err != nil {
		oe := svc.FromError(err)
		if oe.Code == svc.ErrServerError.Code {
			// El detalle queda server-side; el caller ve un 500 genérico.
			log.Error("token endpoint error", logger.Err(err))
			oe = svc.ErrServerError
		}
		c.writeOAuthError(w, oe, 0)
		return
	}

	c.writeTokenResponse(w, resp)
}

// buildRequest arma el TokenRequest desde el form body y los headers.
// Las credenciales de cliente pueden venir por Basic auth o por form;
// Basic gana si están en los dos lados.
func (c *TokenController) buildRequest(r *http.Request) svc.TokenRequest {
	form := func(k string) string { return strings.TrimSpace(r.PostForm.Get(k)) }

	req := svc.TokenRequest{
		GrantType:       form("grant_type"),
		ClientID:        form("client_id"),
		ClientSecret:    form("client_secret"),
		Code:            form("code"),
		RedirectURI:     form("redirect_uri"),
		CodeVerifier:    form("code_verifier"),
		RefreshToken:    form("refresh_token"),
		Username:        form("username"),
		Password:        r.PostForm.Get("password"), // el password no se trimea
		ACRValues:       form("acr_values"),
		AuthReqID:       form("auth_req_id"),
		DeviceCode:      form("device_code"),
		Ticket:          form("ticket"),
		ClaimToken:      form("claim_token"),
		Scope:           form("scope"),
		DPoPProof:       r.Header.Get("DPoP"),
		SecTokenBinding: r.Header.Get("Sec-Token-Binding"),
		ClientCertHash:  r.Header.Get("X-ClientCert"),
		HTTPMethod:      r.Method,
		HTTPURL:         requestURL(r),
	}

	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}
	return req
}

// requestURL reconstruye el htu que el proof DPoP debe declarar.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func (c *TokenController) writeOAuthError(w http.ResponseWriter, oe *svc.Error, statusOverride int) {
	status := oe.HTTPStatus
	if statusOverride != 0 {
		status = statusOverride
	}
	if status == 0 {
		status = http.StatusBadRequest
	}
	noStore(w)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func (c *TokenController) writeTokenResponse(w http.ResponseWriter, resp *svc.TokenResponse) {
	noStore(w)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
}
