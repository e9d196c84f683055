// Package audit define el sink de auditoría del token endpoint.
// Cada request al endpoint produce exactamente un evento, éxito o fallo.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/tokend/internal/observability/logger"
)

// Event es un registro de auditoría de una emisión (o denegación) de tokens.
type Event struct {
	Action    string    // "token.issue" | "token.deny" | "token.error"
	GrantType string
	ClientID  string
	UserID    string
	Scope     string
	ErrorCode string // código OAuth cuando Action != token.issue
	At        time.Time
}

// Sink recibe eventos de auditoría. La implementación puede escribirlos
// a log, DB o un transporte externo; el dispatcher no espera resultado.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink escribe los eventos como entradas estructuradas del logger.
type LogSink struct{}

func (LogSink) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	logger.From(ctx).Named("audit").Info(ev.Action,
		zap.String("grant_type", ev.GrantType),
		zap.String("client_id", ev.ClientID),
		zap.String("user_id", ev.UserID),
		zap.String("scope", ev.Scope),
		zap.String("error_code", ev.ErrorCode),
		zap.Time("ts", ev.At),
	)
}

// Nop descarta eventos; útil en tests.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
