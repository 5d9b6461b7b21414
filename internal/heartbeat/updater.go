// Copyright 2026 The fallbackd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package heartbeat

import (
	"github.com/traylinx/fallbackd/internal/registry"
)

// RegistryUpdater mirrors monitor status changes into the provider registry.
// Degraded providers stay available; only unreachable ones are withdrawn.
type RegistryUpdater struct {
	reg *registry.Registry
}

// NewRegistryUpdater creates an updater writing to reg.
func NewRegistryUpdater(reg *registry.Registry) *RegistryUpdater {
	return &RegistryUpdater{reg: reg}
}

// HandleEvent implements Handler.
func (u *RegistryUpdater) HandleEvent(ev Event) error {
	switch ev.Type {
	case EventProviderHealthy, EventProviderDegraded:
		u.reg.UpdateAvailability(ev.Provider, true, "")
	case EventProviderUnavailable:
		reason := "health check failed"
		if ev.Status != nil && ev.Status.ErrorMessage != "" {
			reason = ev.Status.ErrorMessage
		}
		u.reg.UpdateAvailability(ev.Provider, false, reason)
	}
	return nil
}

// Attach registers an HTTPChecker for every provider in reg that has a
// health URL, and installs a RegistryUpdater on m.
func Attach(m *Monitor, reg *registry.Registry, opts ...CheckerOption) error {
	for _, c := range CheckersFor(reg, opts...) {
		if err := m.Register(c); err != nil {
			return err
		}
	}
	m.AddHandler(NewRegistryUpdater(reg))
	return nil
}
