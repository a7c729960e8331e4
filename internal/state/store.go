// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package state is the in-process application state the bridge reads
// register values from and writes master values back into.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
)

var (
	ErrNotFound           = errors.New("state: entity not found")
	ErrUnsupportedService = errors.New("state: unsupported service")
	ErrInvalidServiceData = errors.New("state: invalid service data")
)

// HVAC modes accepted by climate.set_hvac_mode.
var hvacModes = map[string]bool{
	"off": true, "heat": true, "cool": true, "auto": true, "dry": true, "fan_only": true, "heat_cool": true,
}

// Entity is one piece of application state, identified as "domain.object".
type Entity struct {
	ID         string
	State      string
	Attributes map[string]any
}

// Domain returns the part of the id before the first dot.
func (e Entity) Domain() string {
	domain, _, _ := strings.Cut(e.ID, ".")
	return domain
}

func (e Entity) clone() Entity {
	e.Attributes = maps.Clone(e.Attributes)
	return e
}

// Change describes one entity update. Old is nil for a new entity.
type Change struct {
	ID  string
	Old *Entity
	New *Entity
}

// Store holds entities and notifies subscribers of every change.
// Subscribers run synchronously on the goroutine that made the change,
// after the store lock is released.
type Store struct {
	mu       sync.RWMutex
	entities map[string]Entity
	subs     map[uint64]func(Change)
	nextSub  uint64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string]Entity),
		subs:     make(map[uint64]func(Change)),
	}
}

// Get returns a copy of the entity.
func (s *Store) Get(id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// IDs returns the ids of all entities.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	return ids
}

// Set creates or replaces an entity. A nil attrs keeps the current attributes.
func (s *Store) Set(id, state string, attrs map[string]any) {
	s.mu.Lock()
	old, existed := s.entities[id]
	next := Entity{ID: id, State: state, Attributes: maps.Clone(attrs)}
	if attrs == nil && existed {
		next.Attributes = maps.Clone(old.Attributes)
	}
	s.entities[id] = next
	s.mu.Unlock()

	c := Change{ID: id, New: &next}
	if existed {
		c.Old = &old
	}
	s.notify(c)
}

// SetAttribute updates one attribute, keeping the state and the other attributes.
func (s *Store) SetAttribute(id, name string, value any) error {
	s.mu.Lock()
	old, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := old.clone()
	if next.Attributes == nil {
		next.Attributes = make(map[string]any)
	}
	next.Attributes[name] = value
	s.entities[id] = next
	s.mu.Unlock()

	s.notify(Change{ID: id, Old: &old, New: &next})
	return nil
}

// Remove deletes an entity.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	old, ok := s.entities[id]
	delete(s.entities, id)
	s.mu.Unlock()

	if ok {
		s.notify(Change{ID: id, Old: &old})
	}
	return ok
}

// CallService runs a domain service against the entity named by
// data["entity_id"]. Supported: climate.turn_off, climate.set_hvac_mode.
func (s *Store) CallService(domain, service string, data map[string]any) error {
	id, _ := data["entity_id"].(string)
	if id == "" {
		return fmt.Errorf("%w: missing entity_id", ErrInvalidServiceData)
	}
	e, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch domain + "." + service {
	case "climate.turn_off":
		s.Set(id, "off", e.Attributes)
	case "climate.set_hvac_mode":
		mode, _ := data["hvac_mode"].(string)
		mode = strings.ToLower(mode)
		if !hvacModes[mode] {
			return fmt.Errorf("%w: hvac_mode %q", ErrInvalidServiceData, mode)
		}
		s.Set(id, mode, e.Attributes)
	default:
		return fmt.Errorf("%w: %s.%s", ErrUnsupportedService, domain, service)
	}
	slog.Debug("Service called", "service", domain+"."+service, "entity", id)
	return nil
}

// Subscribe registers fn for every change. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Change)) (cancel func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) notify(c Change) {
	s.mu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
