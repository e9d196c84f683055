package grant

import (
	"time"
)

// PollStatus es el estado de un registro de polling pre-grant (CIBA/device).
type PollStatus string

const (
	StatusPending PollStatus = "pending"
	StatusDenied  PollStatus = "denied"
	StatusExpired PollStatus = "expired"
)

// PollState es la parte compartida de los registros de polling:
// estado + ventana deslizante de acceso.
type PollState struct {
	Status PollStatus `json:"status"`
	// LastAccess arranca en la creación del registro: el primer poll
	// dentro del intervalo desde la creación ya cuenta para slow_down.
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// CibaRequest es el registro de polling de una autenticación backchannel
// todavía no aprobada (pre-grant).
type CibaRequest struct {
	AuthReqID    string       `json:"auth_req_id"`
	ClientID     string       `json:"client_id"`
	UserID       string       `json:"user_id,omitempty"`
	Scopes       []string     `json:"scopes,omitempty"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
	PollState
}

// DeviceAuthorization es el registro de polling de un device flow
// todavía no aprobado (pre-grant).
type DeviceAuthorization struct {
	DeviceCode string   `json:"device_code"` // hasheado en los stores
	UserCode   string   `json:"user_code"`
	ClientID   string   `json:"client_id"`
	UserID     string   `json:"user_id,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	PollState
}

// Decision es el resultado de evaluar un poll contra un registro pendiente.
type Decision int

const (
	DecisionPending Decision = iota // authorization_pending
	DecisionSlowDown
	DecisionDenied
	DecisionExpired
)

// PollController decide pending/denied/expired/slow_down para CIBA y
// device code con la misma regla de backoff.
type PollController struct {
	// Interval es la separación mínima entre polls antes de slow_down.
	Interval time.Duration
	// Now permite inyectar el reloj en tests.
	Now func() time.Time
}

func (p PollController) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Decide evalúa el estado y aplica la regla de intervalo. Actualiza
// siempre st.LastAccess (ventana deslizante), sea cual sea el resultado;
// el caller persiste el registro después.
func (p PollController) Decide(st *PollState) Decision {
	now := p.now()
	last := st.LastAccess
	if last.IsZero() {
		// Registros legados sin LastAccess: el primer poll pasa.
		last = now.Add(-p.Interval - time.Second)
	}
	elapsed := now.Sub(last)
	st.LastAccess = now

	if st.Status == StatusExpired || (!st.ExpiresAt.IsZero() && now.After(st.ExpiresAt)) {
		return DecisionExpired
	}
	if st.Status == StatusDenied {
		return DecisionDenied
	}
	if elapsed <= p.Interval {
		return DecisionSlowDown
	}
	return DecisionPending
}
