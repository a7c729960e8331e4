// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package sink applies master-written register values to the state store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ffutop/modbus-bridge/internal/state"
)

var (
	ErrTargetNotFound = errors.New("sink: target not found")
	ErrInvalidTarget  = errors.New("sink: invalid target")
)

var climateModes = map[string]bool{"heat": true, "cool": true, "auto": true, "dry": true, "fan_only": true}

// StateSink writes symbolic values into a state.Store.
//
// Targets are "domain.object" to set the entity state, or
// "domain.object.attribute" to set one attribute. Climate entities are
// driven through their services instead of a raw state overwrite.
type StateSink struct {
	store *state.Store
}

func New(store *state.Store) *StateSink {
	return &StateSink{store: store}
}

// Apply implements slave.Sink.
func (s *StateSink) Apply(ctx context.Context, target, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entityID, attribute, err := splitTarget(target)
	if err != nil {
		return err
	}
	e, ok := s.store.Get(entityID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, entityID)
	}

	if attribute != "" {
		if err := s.store.SetAttribute(entityID, attribute, value); err != nil {
			return err
		}
		slog.Info("Updated attribute", "entity", entityID, "attribute", attribute, "value", value)
		return nil
	}

	if e.Domain() == "climate" {
		return s.applyClimate(entityID, value)
	}
	s.store.Set(entityID, value, e.Attributes)
	slog.Info("Updated state", "entity", entityID, "value", value)
	return nil
}

func (s *StateSink) applyClimate(entityID, value string) error {
	mode := strings.ToLower(value)
	switch {
	case mode == "off":
		if err := s.store.CallService("climate", "turn_off", map[string]any{"entity_id": entityID}); err != nil {
			return err
		}
	case climateModes[mode]:
		data := map[string]any{"entity_id": entityID, "hvac_mode": mode}
		if err := s.store.CallService("climate", "set_hvac_mode", data); err != nil {
			return err
		}
	default:
		slog.Warn("Unknown HVAC mode", "entity", entityID, "mode", value)
		return nil
	}
	slog.Info("Updated HVAC mode", "entity", entityID, "mode", mode)
	return nil
}

// splitTarget separates "domain.object[.attribute]".
func splitTarget(target string) (entityID, attribute string, err error) {
	parts := strings.Split(strings.TrimSpace(target), ".")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
	}
	entityID = parts[0] + "." + parts[1]
	if len(parts) == 3 {
		attribute = parts[2]
	}
	return entityID, attribute, nil
}
