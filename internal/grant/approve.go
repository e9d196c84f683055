package grant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transiciones de aprobación/denegación que ejecuta la plataforma
// (agente de autenticación, UI de device) sobre los registros de polling.
// El dispatcher del token endpoint solo las consume.

// ApproveCiba convierte un CibaRequest pendiente en un CIBAGrant activo.
// El registro de polling se elimina; el próximo poll resuelve el grant.
func ApproveCiba(ctx context.Context, s Store, authReqID, userID string) (*Grant, error) {
	r, err := s.GetCibaRequest(ctx, authReqID)
	if err != nil {
		return nil, err
	}
	g := &Grant{
		ID:        uuid.NewString(),
		ClientID:  r.ClientID,
		UserID:    userID,
		Scopes:    r.Scopes,
		Kind:      TypeCIBA,
		CreatedAt: time.Now(),
		CIBA: &CIBAData{
			AuthReqID:    r.AuthReqID,
			DeliveryMode: r.DeliveryMode,
		},
	}
	if userID == "" {
		g.UserID = r.UserID
	}
	if err := s.Put(ctx, g); err != nil {
		return nil, err
	}
	if err := s.DeleteCibaRequest(ctx, authReqID); err != nil {
		return nil, err
	}
	return g, nil
}

// DenyCiba marca el request como denegado; el próximo poll devuelve
// access_denied.
func DenyCiba(ctx context.Context, s Store, authReqID string) error {
	r, err := s.GetCibaRequest(ctx, authReqID)
	if err != nil {
		return err
	}
	r.Status = StatusDenied
	return s.UpdateCibaRequest(ctx, r)
}

// ApproveDevice convierte un DeviceAuthorization pendiente en un
// DeviceCodeGrant activo.
func ApproveDevice(ctx context.Context, s Store, deviceCodeHash, userID string) (*Grant, error) {
	d, err := s.GetDeviceAuthorization(ctx, deviceCodeHash)
	if err != nil {
		return nil, err
	}
	g := &Grant{
		ID:        uuid.NewString(),
		ClientID:  d.ClientID,
		UserID:    userID,
		Scopes:    d.Scopes,
		Kind:      TypeDeviceCode,
		CreatedAt: time.Now(),
		Device:    &DeviceCodeData{DeviceCode: d.DeviceCode},
	}
	if userID == "" {
		g.UserID = d.UserID
	}
	if err := s.Put(ctx, g); err != nil {
		return nil, err
	}
	if err := s.DeleteDeviceAuthorization(ctx, deviceCodeHash); err != nil {
		return nil, err
	}
	return g, nil
}

// DenyDevice marca la autorización de device como denegada.
func DenyDevice(ctx context.Context, s Store, deviceCodeHash string) error {
	d, err := s.GetDeviceAuthorization(ctx, deviceCodeHash)
	if err != nil {
		return err
	}
	d.Status = StatusDenied
	return s.UpdateDeviceAuthorization(ctx, d)
}
