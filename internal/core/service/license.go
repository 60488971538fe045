package service

import (
	"context"
	"docviewer/internal/core/domain/models"
	"docviewer/internal/core/domain/ports"
	"docviewer/internal/core/events"
	"fmt"
	"log"
)

const (
	ReasonNotActivated = "License Not Activated"
	ReasonExpired      = "License Expired"

	expiryWarningDays = 30
)

// LicenseGate refuses to start a viewing session without a valid license.
type LicenseGate struct {
	backend  ports.LicenseBackend
	redirect ports.Redirector
	bus      *events.Bus
}

func NewLicenseGate(backend ports.LicenseBackend, redirect ports.Redirector, bus *events.Bus) *LicenseGate {
	return &LicenseGate{backend: backend, redirect: redirect, bus: bus}
}

// Check returns models.ErrLicenseBlocked after handing the reason to the
// redirector when the license is inactive or invalid. A failed status
// request is logged and allowed; the server enforces the license anyway.
func (g *LicenseGate) Check(ctx context.Context) (models.LicenseSnapshot, error) {
	snap, err := g.backend.LicenseStatus(ctx)
	if err != nil {
		log.Printf("[License] status check failed, continuing: %v", err)
		return models.LicenseSnapshot{}, nil
	}

	if snap.Blocked() {
		reason := ReasonExpired
		if !snap.IsActive {
			reason = ReasonNotActivated
		}
		log.Printf("[License] blocked: %s", reason)
		g.bus.Notify(models.LevelError, reason)
		if g.redirect != nil {
			g.redirect.RedirectToLicense(reason, snap)
		}
		return snap, fmt.Errorf("%s: %w", reason, models.ErrLicenseBlocked)
	}

	if snap.DaysRemaining > 0 && snap.DaysRemaining <= expiryWarningDays {
		g.bus.Notify(models.LevelWarning, ExpiryWarning(snap.DaysRemaining))
	}
	log.Printf("[License] valid - edition: %s", snap.Edition)
	return snap, nil
}

func ExpiryWarning(days int) string {
	return fmt.Sprintf("License Expiring Soon: %d days remaining. Please contact your administrator for renewal.", days)
}
