package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dropDatabas3/tokend/internal/audit"
	"github.com/dropDatabas3/tokend/internal/grant"
	jwtx "github.com/dropDatabas3/tokend/internal/jwt"
	"github.com/dropDatabas3/tokend/internal/metrics"
	"github.com/dropDatabas3/tokend/internal/observability/logger"
	"github.com/dropDatabas3/tokend/internal/security/dpop"
	"github.com/dropDatabas3/tokend/internal/security/password"
	"github.com/dropDatabas3/tokend/internal/security/pkce"
	tokens "github.com/dropDatabas3/tokend/internal/security/token"
	"github.com/dropDatabas3/tokend/internal/validation"
)

// TokenDeps contains dependencies for token service.
type TokenDeps struct {
	Grants  grant.Store
	Clients ClientStore
	Issuer  *jwtx.Issuer

	PKCE pkce.Validator
	DPoP dpop.Validator
	Poll grant.PollController

	Scopes  ScopePolicy       // nil = DefaultScopePolicy
	Users   UserAuthenticator // requerido para grant_type=password
	IDHook  IDTokenHook       // opcional
	Uma     UmaDelegate       // opcional; sin él, ticket es invalid_request
	Audit   audit.Sink        // nil = audit.LogSink
	Refresh RefreshPolicy

	// SupportedGrantTypes limita el set a nivel server. Vacío = todos.
	SupportedGrantTypes []string

	// Now inyecta el reloj en tests.
	Now func() time.Time
}

// tokenService implements TokenService.
type tokenService struct {
	grants  grant.Store
	clients ClientStore
	issuer  *jwtx.Issuer
	pkce    pkce.Validator
	dpop    dpop.Validator
	poll    grant.PollController
	scopes  ScopePolicy
	users   UserAuthenticator
	idHook  IDTokenHook
	uma     UmaDelegate
	audit   audit.Sink
	refresh RefreshPolicy

	supported map[string]bool
	now       func() time.Time
}

// NewTokenService creates a new TokenService.
func NewTokenService(d TokenDeps) TokenService {
	s := &tokenService{
		grants:  d.Grants,
		clients: d.Clients,
		issuer:  d.Issuer,
		pkce:    d.PKCE,
		dpop:    d.DPoP,
		poll:    d.Poll,
		scopes:  d.Scopes,
		users:   d.Users,
		idHook:  d.IDHook,
		uma:     d.Uma,
		audit:   d.Audit,
		refresh: d.Refresh,
		now:     d.Now,
	}
	if s.scopes == nil {
		s.scopes = DefaultScopePolicy{}
	}
	if s.audit == nil {
		s.audit = audit.LogSink{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if len(d.SupportedGrantTypes) > 0 {
		s.supported = make(map[string]bool, len(d.SupportedGrantTypes))
		for _, gt := range d.SupportedGrantTypes {
			s.supported[gt] = true
		}
	}
	return s
}

// Exchange es el dispatcher del token endpoint: valida la forma del
// request, resuelve el cliente, valida proof-of-possession y despacha
// por grant_type. Emite exactamente un evento de auditoría por request.
func (s *tokenService) Exchange(ctx context.Context, req TokenRequest) (resp *TokenResponse, err error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token"), logger.GrantType(req.GrantType))
	start := s.now()

	defer func() {
		// Una excepción inesperada nunca escapa al transporte sin tipar.
		if r := recover(); r != nil {
			log.Error("panic in token dispatch", logger.Any("panic", r))
			resp, err = nil, ErrServerError
		}
		result := "ok"
		action := "token.issue"
		errCode := ""
		if err != nil {
			oe := FromError(err)
			result = oe.Code
			errCode = oe.Code
			action = "token.deny"
			if oe.Code == ErrServerError.Code {
				action = "token.error"
			}
		}
		metrics.TokenRequests.WithLabelValues(req.GrantType, result).Inc()
		metrics.IssueDuration.Observe(time.Since(start).Seconds())
		s.audit.Record(ctx, audit.Event{
			Action:    action,
			GrantType: req.GrantType,
			ClientID:  req.ClientID,
			UserID:    req.Username,
			Scope:     req.Scope,
			ErrorCode: errCode,
			At:        s.now().UTC(),
		})
	}()

	// Un ticket delega el request entero al colaborador UMA.
	if req.Ticket != "" {
		if s.uma == nil {
			return nil, ErrInvalidRequest.WithDescription("ticket is not supported by this server.")
		}
		return s.uma.RequestRPT(ctx, req.Ticket, req.ClaimToken)
	}

	if req.GrantType == "" {
		return nil, ErrInvalidRequest.WithDescription("grant_type is required.")
	}
	if s.supported != nil && !s.supported[req.GrantType] {
		return nil, ErrUnsupportedGrantType
	}

	client, oerr := s.resolveClient(ctx, req)
	if oerr != nil {
		log.Warn("client resolution failed", logger.ClientID(req.ClientID), logger.String("error", oerr.Code))
		return nil, oerr
	}
	if client.Disabled {
		log.Warn("disabled client", logger.ClientID(client.ClientID))
		return nil, ErrDisabledClient
	}

	// Proof DPoP: si viene el header, se valida siempre; el thumbprint
	// resultante viaja al claim cnf.jkt de los tokens emitidos.
	var proof *dpop.Proof
	if req.DPoPProof != "" {
		p, perr := s.dpop.Validate(req.DPoPProof, req.HTTPMethod, req.HTTPURL)
		if perr != nil {
			log.Warn("dpop proof rejected", logger.Err(perr))
			return nil, ErrInvalidDPoPProof.WithCause(perr)
		}
		proof = p
	}

	if !client.AllowsGrantType(req.GrantType) {
		log.Warn("grant_type not registered for client", logger.ClientID(client.ClientID))
		return nil, ErrInvalidGrant.WithDescription("grant_type does not belong to client.")
	}

	switch grant.Type(req.GrantType) {
	case grant.TypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, client, proof, req)
	case grant.TypeRefreshToken:
		return s.exchangeRefreshToken(ctx, client, proof, req)
	case grant.TypeClientCredentials:
		return s.exchangeClientCredentials(ctx, client, proof, req)
	case grant.TypePassword:
		return s.exchangePassword(ctx, client, proof, req)
	case grant.TypeCIBA:
		return s.pollCiba(ctx, client, proof, req)
	case grant.TypeDeviceCode:
		return s.pollDeviceCode(ctx, client, proof, req)
	default:
		return nil, ErrUnsupportedGrantType
	}
}

// resolveClient autentica al cliente del request: resolución por ID y
// verificación de secret para clientes confidenciales.
func (s *tokenService) resolveClient(ctx context.Context, req TokenRequest) (*Client, *Error) {
	if req.ClientID == "" {
		return nil, ErrInvalidGrant.WithDescription("no client could be resolved from the request.")
	}
	client, err := s.clients.Resolve(ctx, req.ClientID)
	if err != nil || client == nil {
		return nil, ErrInvalidGrant.WithDescription("no client could be resolved from the request.")
	}
	if client.Confidential() {
		if req.ClientSecret == "" || !password.Verify(req.ClientSecret, client.SecretHash) {
			return nil, ErrInvalidClient
		}
	} else if req.ClientSecret != "" {
		return nil, ErrInvalidClient
	}
	return client, nil
}

// --- authorization_code ---

func (s *tokenService) exchangeAuthorizationCode(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.authcode"), logger.ClientID(client.ClientID))

	if req.Code == "" {
		return nil, ErrInvalidRequest.WithDescription("code is required.")
	}

	codeHash := tokens.SHA256Base64URL(req.Code)
	g, err := s.grants.RedeemCode(ctx, codeHash)
	if err != nil {
		// Cualquier residuo para ese código se purga incondicionalmente:
		// un código irredimible nunca deja estado reutilizable atrás.
		_ = s.grants.PurgeCode(ctx, codeHash)
		log.Warn("authorization code not redeemable", logger.Err(err))
		return nil, ErrInvalidGrant
	}

	if g.ClientID != client.ClientID {
		_ = s.grants.PurgeCode(ctx, codeHash)
		log.Warn("authorization code client mismatch")
		return nil, ErrInvalidGrant
	}
	if g.AuthCode.RedirectURI != "" && g.AuthCode.RedirectURI != req.RedirectURI {
		_ = s.grants.PurgeCode(ctx, codeHash)
		log.Warn("redirect_uri mismatch")
		return nil, ErrInvalidGrant
	}

	if !s.pkce.Matches(g.AuthCode.CodeChallenge, g.AuthCode.CodeChallengeMethod, req.CodeVerifier) {
		// El código ya quedó consumido: el fallo PKCE no lo revive.
		log.Warn("pkce verification failed")
		return nil, ErrInvalidGrant
	}

	if oerr := s.checkProofBinding(g, proof); oerr != nil {
		return nil, oerr
	}

	// Si la autorización no capturó binding pero el request lo trae, se
	// captura acá (el hash viaja al cnf del id_token).
	if g.TokenBindingHash == "" {
		if h, ok := dpop.TokenBindingHash(req.SecTokenBinding, client.IDTokenTokenBindingCnf); ok {
			g.TokenBindingHash = h
		}
	}

	scopes, oerr := s.narrow(ctx, client, g.Scopes, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	resp, err := s.mint(ctx, client, g, proof, mintOpts{
		scopes:      scopes,
		wantRefresh: s.refresh.Eligible(client, g.Scopes, scopes),
		wantIDToken: containsScope(scopes, "openid"),
		certHash:    req.ClientCertHash,
		nonce:       g.AuthCode.Nonce,
		amr:         []string{"pwd"},
	})
	if err != nil {
		return nil, err
	}

	// El índice del código se elimina recién después de emitir: la
	// redención fue atómica en RedeemCode, esto solo desarma el residuo.
	if err := s.grants.PurgeCode(ctx, codeHash); err != nil {
		log.Warn("code purge after issue failed", logger.Err(err))
	}

	log.Info("authorization_code exchanged", logger.UserID(g.UserID), logger.Scope(resp.Scope))
	return resp, nil
}

// --- refresh_token ---

func (s *tokenService) exchangeRefreshToken(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.refresh"), logger.ClientID(client.ClientID))

	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest.WithDescription("refresh_token is required.")
	}

	tokenHash := tokens.SHA256Base64URL(req.RefreshToken)
	g, err := s.grants.GetByRefreshToken(ctx, client.ClientID, tokenHash)
	if err != nil {
		log.Warn("refresh token not found", logger.Err(err))
		return nil, ErrInvalidGrant
	}

	rt := g.FindRefreshToken(tokenHash)
	if rt == nil || !rt.IsValid() {
		log.Warn("refresh token revoked or expired")
		return nil, ErrInvalidGrant
	}

	if oerr := s.checkProofBinding(g, proof); oerr != nil {
		return nil, oerr
	}

	scopes, oerr := s.narrow(ctx, client, g.Scopes, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	now := s.now()
	var newRaw string
	var newRT grant.RefreshToken
	if s.refresh.Rotation != RotationSkip {
		newRaw, err = tokens.GenerateOpaqueToken(32)
		if err != nil {
			return nil, ErrServerError.WithCause(err)
		}
		newRT = grant.RefreshToken{
			Code:      tokens.SHA256Base64URL(newRaw),
			ExpiresAt: s.refresh.NextExpiry(now, client, rt),
		}
	}

	resp, err := s.mintAccessAndID(ctx, client, g, proof, mintOpts{
		scopes:      scopes,
		wantIDToken: s.refresh.IDTokenOnRefresh && containsScope(scopes, "openid"),
		certHash:    req.ClientCertHash,
		amr:         []string{"refresh"},
	})
	if err != nil {
		return nil, err
	}

	// El viejo se revoca recién después de emitir los tokens nuevos; la
	// rotación es atómica sobre el grant (perder la carrera = invalid_grant).
	if s.refresh.Rotation != RotationSkip {
		if err := s.grants.RotateRefreshToken(ctx, g.ID, tokenHash, newRT); err != nil {
			if errors.Is(err, grant.ErrTokenMismatch) || errors.Is(err, grant.ErrNotFound) {
				log.Warn("refresh rotation lost race", logger.Err(err))
				return nil, ErrInvalidGrant
			}
			return nil, ErrServerError.WithCause(err)
		}
		resp.RefreshToken = newRaw
	}

	log.Info("refresh_token exchanged", logger.UserID(g.UserID), logger.Scope(resp.Scope))
	return resp, nil
}

// --- client_credentials ---

func (s *tokenService) exchangeClientCredentials(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.clientcreds"), logger.ClientID(client.ClientID))

	if !client.Confidential() {
		log.Warn("client_credentials requires a confidential client")
		return nil, ErrUnauthorizedClient
	}

	scopes, oerr := s.narrow(ctx, client, client.Scopes, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	g := &grant.Grant{
		ID:        uuid.NewString(),
		ClientID:  client.ClientID,
		Scopes:    scopes,
		Kind:      grant.TypeClientCredentials,
		CreatedAt: s.now(),
		NoPersist: true,
	}

	// Solo hay refresh si offline_access fue pedido explícitamente y la
	// política lo permite; en ese caso el grant sí se persiste.
	wantRefresh := containsScope(validation.ParseScopes(req.Scope), "offline_access") &&
		s.refresh.Eligible(client, scopes, scopes)
	if wantRefresh {
		g.NoPersist = false
	}

	resp, err := s.mint(ctx, client, g, proof, mintOpts{
		scopes:      scopes,
		wantRefresh: wantRefresh,
		wantIDToken: containsScope(scopes, "openid"),
		certHash:    req.ClientCertHash,
		subOverride: client.ClientID,
		amr:         []string{"client"},
	})
	if err != nil {
		return nil, err
	}

	log.Info("client_credentials token issued", logger.Scope(resp.Scope))
	return resp, nil
}

// --- password (ROPC) ---

func (s *tokenService) exchangePassword(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.password"), logger.ClientID(client.ClientID))

	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidRequest.WithDescription("username and password are required.")
	}
	if s.users == nil {
		return nil, ErrUnsupportedGrantType
	}

	userID, err := s.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		log.Warn("ropc authentication failed", logger.String("username", req.Username))
		return nil, ErrInvalidClient.WithDescription("Invalid user.")
	}

	scopes, oerr := s.narrow(ctx, client, client.Scopes, req.Scope)
	if oerr != nil {
		return nil, oerr
	}

	g := &grant.Grant{
		ID:        uuid.NewString(),
		ClientID:  client.ClientID,
		UserID:    userID,
		Scopes:    scopes,
		Kind:      grant.TypePassword,
		CreatedAt: s.now(),
		ROPC: &grant.ROPCData{
			ACRValues: req.ACRValues,
			SessionID: uuid.NewString(),
		},
	}
	if h, ok := dpop.TokenBindingHash(req.SecTokenBinding, client.IDTokenTokenBindingCnf); ok {
		g.TokenBindingHash = h
	}

	resp, err := s.mint(ctx, client, g, proof, mintOpts{
		scopes:      scopes,
		wantRefresh: s.refresh.Eligible(client, scopes, scopes),
		wantIDToken: containsScope(scopes, "openid"),
		certHash:    req.ClientCertHash,
		acr:         req.ACRValues,
		amr:         []string{"pwd"},
	})
	if err != nil {
		return nil, err
	}

	log.Info("password grant exchanged", logger.UserID(userID), logger.Scope(resp.Scope))
	return resp, nil
}

// --- ciba ---

func (s *tokenService) pollCiba(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.ciba"), logger.ClientID(client.ClientID))

	if req.AuthReqID == "" {
		return nil, ErrInvalidRequest.WithDescription("auth_req_id is required.")
	}

	g, err := s.grants.GetByAuthReqID(ctx, req.AuthReqID)
	switch {
	case err == nil:
		// Ya hay grant aprobado: entrega única, solo PING/POLL.
		if g.ClientID != client.ClientID {
			log.Warn("ciba grant client mismatch")
			return nil, ErrInvalidGrant
		}
		// El modo registrado del cliente se chequea además del copiado
		// al grant en la iniciación: PUSH en cualquiera de los dos
		// significa que este cliente no puede pollear.
		if g.CIBA.DeliveryMode == grant.DeliveryPush || client.BackchannelTokenDeliveryMode == grant.DeliveryPush {
			log.Warn("push delivery mode is not pollable")
			return nil, ErrUnauthorizedClient
		}
		g, err = s.grants.MarkTokensDelivered(ctx, req.AuthReqID)
		if err != nil {
			if errors.Is(err, grant.ErrAlreadyDelivered) || errors.Is(err, grant.ErrNotFound) {
				log.Warn("ciba tokens already delivered")
				return nil, ErrInvalidGrant.WithDescription("AuthReqId is no longer available.")
			}
			return nil, ErrServerError.WithCause(err)
		}

		scopes, oerr := s.narrow(ctx, client, g.Scopes, req.Scope)
		if oerr != nil {
			return nil, oerr
		}
		resp, err := s.mint(ctx, client, g, proof, mintOpts{
			scopes:      scopes,
			wantRefresh: s.refresh.Eligible(client, g.Scopes, scopes),
			wantIDToken: containsScope(scopes, "openid"),
			certHash:    req.ClientCertHash,
			amr:         []string{"ciba"},
		})
		if err != nil {
			return nil, err
		}
		metrics.PollOutcomes.WithLabelValues("ciba", "delivered").Inc()
		log.Info("ciba tokens delivered", logger.UserID(g.UserID))
		return resp, nil

	case errors.Is(err, grant.ErrNotFound):
		// Todavía no hay grant: consultar el registro de polling.
		return s.decidePending(ctx, client, "ciba", func() (*grant.PollState, string, func() error, error) {
			r, err := s.grants.GetCibaRequest(ctx, req.AuthReqID)
			if err != nil {
				return nil, "", nil, err
			}
			return &r.PollState, r.ClientID, func() error {
				if r.Status == grant.StatusDenied || r.Status == grant.StatusExpired || s.now().After(r.ExpiresAt) {
					return s.grants.DeleteCibaRequest(ctx, req.AuthReqID)
				}
				return s.grants.UpdateCibaRequest(ctx, r)
			}, nil
		})

	default:
		return nil, ErrServerError.WithCause(err)
	}
}

// --- device_code ---

func (s *tokenService) pollDeviceCode(ctx context.Context, client *Client, proof *dpop.Proof, req TokenRequest) (*TokenResponse, error) {
	log := logger.From(ctx).With(logger.Layer("service"), logger.Op("oauth.token.device"), logger.ClientID(client.ClientID))

	if req.DeviceCode == "" {
		return nil, ErrInvalidRequest.WithDescription("device_code is required.")
	}

	codeHash := tokens.SHA256Base64URL(req.DeviceCode)
	g, err := s.grants.ConsumeByDeviceCode(ctx, codeHash)
	switch {
	case err == nil:
		// Entrega única: el device code ya quedó irresoluble.
		if g.ClientID != client.ClientID {
			log.Warn("device grant client mismatch")
			return nil, ErrInvalidGrant
		}
		scopes, oerr := s.narrow(ctx, client, g.Scopes, req.Scope)
		if oerr != nil {
			return nil, oerr
		}
		// El grant ya no porta el device code: si se re-persiste por un
		// refresh, el código no debe volver a resolver.
		g.Device = nil
		resp, err := s.mint(ctx, client, g, proof, mintOpts{
			scopes:      scopes,
			wantRefresh: s.refresh.Eligible(client, g.Scopes, scopes),
			wantIDToken: containsScope(scopes, "openid"),
			certHash:    req.ClientCertHash,
			amr:         []string{"device"},
		})
		if err != nil {
			return nil, err
		}
		metrics.PollOutcomes.WithLabelValues("device", "delivered").Inc()
		log.Info("device tokens delivered", logger.UserID(g.UserID))
		return resp, nil

	case errors.Is(err, grant.ErrNotFound):
		return s.decidePending(ctx, client, "device", func() (*grant.PollState, string, func() error, error) {
			d, err := s.grants.GetDeviceAuthorization(ctx, codeHash)
			if err != nil {
				return nil, "", nil, err
			}
			return &d.PollState, d.ClientID, func() error {
				if d.Status == grant.StatusDenied || d.Status == grant.StatusExpired || s.now().After(d.ExpiresAt) {
					return s.grants.DeleteDeviceAuthorization(ctx, codeHash)
				}
				return s.grants.UpdateDeviceAuthorization(ctx, d)
			}, nil
		})

	default:
		return nil, ErrServerError.WithCause(err)
	}
}

// decidePending aplica la regla de polling compartida de CIBA y device a
// un registro pre-grant. lookup devuelve el estado, el clientID dueño y
// el persist que guarda (o elimina, si terminal) el registro mutado.
func (s *tokenService) decidePending(ctx context.Context, client *Client, flow string, lookup func() (*grant.PollState, string, func() error, error)) (*TokenResponse, error) {
	st, ownerID, persist, err := lookup()
	if err != nil {
		if errors.Is(err, grant.ErrNotFound) {
			metrics.PollOutcomes.WithLabelValues(flow, "unknown").Inc()
			return nil, ErrExpiredToken
		}
		return nil, ErrServerError.WithCause(err)
	}
	if ownerID != client.ClientID {
		return nil, ErrInvalidGrant
	}

	// LastAccess avanza siempre, sea cual sea el resultado.
	decision := s.poll.Decide(st)
	if perr := persist(); perr != nil {
		return nil, ErrServerError.WithCause(perr)
	}

	switch decision {
	case grant.DecisionExpired:
		metrics.PollOutcomes.WithLabelValues(flow, "expired").Inc()
		return nil, ErrExpiredToken
	case grant.DecisionDenied:
		metrics.PollOutcomes.WithLabelValues(flow, "denied").Inc()
		return nil, ErrAccessDenied
	case grant.DecisionSlowDown:
		metrics.PollOutcomes.WithLabelValues(flow, "slow_down").Inc()
		return nil, ErrSlowDown
	default:
		metrics.PollOutcomes.WithLabelValues(flow, "pending").Inc()
		return nil, ErrAuthorizationPending
	}
}

// --- emisión ---

type mintOpts struct {
	scopes      []string
	wantRefresh bool
	wantIDToken bool
	nonce       string
	acr         string
	amr         []string
	// certHash es el hash del certificado mTLS del request (header
	// X-ClientCert); va al miembro cnf x5t#S256 (RFC 8705).
	certHash string
	// subOverride reemplaza el sub (client_credentials usa el clientID).
	subOverride string
}

// checkProofBinding valida que el proof DPoP del request corresponda a la
// clave con la que el grant fue atado en la autorización.
func (s *tokenService) checkProofBinding(g *grant.Grant, proof *dpop.Proof) *Error {
	if g.DPoPJKT == "" {
		return nil
	}
	if proof == nil {
		return ErrInvalidDPoPProof.WithDescription("grant is DPoP-bound but no proof was presented.")
	}
	if proof.Thumbprint != g.DPoPJKT {
		return ErrInvalidDPoPProof.WithDescription("proof key does not match the bound key.")
	}
	return nil
}

func (s *tokenService) narrow(ctx context.Context, client *Client, granted []string, requested string) ([]string, *Error) {
	out, err := s.scopes.Narrow(ctx, client, granted, validation.ParseScopes(requested))
	if err != nil {
		return nil, FromError(err)
	}
	return out, nil
}

// mint emite refresh (si corresponde), access y opcionalmente id_token, y
// persiste el grant con el refresh nuevo. El refresh se crea primero para
// que un fallo de emisión no deje tokens colgando sin grant.
func (s *tokenService) mint(ctx context.Context, client *Client, g *grant.Grant, proof *dpop.Proof, o mintOpts) (*TokenResponse, error) {
	now := s.now()

	var rawRT string
	if o.wantRefresh {
		raw, err := tokens.GenerateOpaqueToken(32)
		if err != nil {
			return nil, ErrServerError.WithCause(err)
		}
		rawRT = raw
		g.Refresh = append(g.Refresh, grant.RefreshToken{
			Code:      tokens.SHA256Base64URL(raw),
			ExpiresAt: s.refresh.NextExpiry(now, client, nil),
		})
	}

	if proof != nil && g.DPoPJKT == "" {
		g.DPoPJKT = proof.Thumbprint
	}

	if !g.NoPersist {
		if err := s.grants.Put(ctx, g); err != nil {
			return nil, ErrServerError.WithCause(err)
		}
	}

	resp, err := s.mintAccessAndID(ctx, client, g, proof, o)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = rawRT
	return resp, nil
}

// mintAccessAndID emite access y opcionalmente id_token sin tocar los
// refresh tokens del grant (refresh_token rota por separado).
func (s *tokenService) mintAccessAndID(ctx context.Context, client *Client, g *grant.Grant, proof *dpop.Proof, o mintOpts) (*TokenResponse, error) {
	sub := g.UserID
	if o.subOverride != "" {
		sub = o.subOverride
	}

	scopeOut := validation.JoinScopes(o.scopes)
	std := map[string]any{
		"scope":     scopeOut,
		"scp":       o.scopes,
		"client_id": client.ClientID,
	}
	if len(o.amr) > 0 {
		std["amr"] = o.amr
	}
	if o.acr != "" {
		std["acr"] = o.acr
	}

	tokenType := "Bearer"
	jkt := g.DPoPJKT
	if jkt == "" && proof != nil {
		jkt = proof.Thumbprint
	}
	accessCnf := map[string]any{}
	if jkt != "" {
		accessCnf["jkt"] = jkt
		tokenType = "DPoP"
	}
	if o.certHash != "" {
		accessCnf["x5t#S256"] = o.certHash
	}
	if len(accessCnf) > 0 {
		std["cnf"] = accessCnf
	}

	access, exp, err := s.issuer.IssueAccess(sub, client.ClientID, std, client.AccessTokenTTL)
	if err != nil {
		return nil, ErrServerError.WithCause(err)
	}

	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   tokenType,
		ExpiresIn:   int64(time.Until(exp).Seconds()),
		Scope:       scopeOut,
	}

	if o.wantIDToken {
		idStd := map[string]any{
			"at_hash": jwtx.AtHash(access),
			"azp":     client.ClientID,
		}
		if o.acr != "" {
			idStd["acr"] = o.acr
		}
		if len(o.amr) > 0 {
			idStd["amr"] = o.amr
		}
		cnf := map[string]any{}
		if jkt != "" {
			cnf["jkt"] = jkt
		}
		if o.certHash != "" {
			cnf["x5t#S256"] = o.certHash
		}
		// El hash de token binding capturado en la autorización se inyecta
		// bajo el nombre de miembro cnf registrado por el cliente.
		if g.TokenBindingHash != "" && client.IDTokenTokenBindingCnf != "" {
			cnf[client.IDTokenTokenBindingCnf] = g.TokenBindingHash
		}
		if len(cnf) > 0 {
			idStd["cnf"] = cnf
		}

		idExtra := map[string]any{}
		if o.nonce != "" {
			idExtra["nonce"] = o.nonce
		}
		if s.idHook != nil {
			s.idHook.ModifyIDToken(ctx, idExtra)
		}

		idToken, _, err := s.issuer.IssueIDToken(sub, client.ClientID, idStd, idExtra, client.IDTokenTTL)
		if err != nil {
			return nil, ErrServerError.WithCause(err)
		}
		resp.IDToken = idToken
	}

	return resp, nil
}
