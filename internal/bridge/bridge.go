// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package bridge registers register bindings and runs one RTU slave loop per
// serial port they use.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/ffutop/modbus-bridge/internal/registry"
	"github.com/ffutop/modbus-bridge/internal/registry/persistence"
	"github.com/ffutop/modbus-bridge/internal/slave"
	"github.com/ffutop/modbus-bridge/internal/source"
	"github.com/ffutop/modbus-bridge/internal/transcode"
	"github.com/ffutop/modbus-bridge/transport"
	"github.com/ffutop/modbus-bridge/transport/rtu"
	"github.com/google/uuid"
)

var (
	ErrImmutableField = errors.New("bridge: serial port, slave id and register address cannot change")
	ErrUnknownBinding = errors.New("bridge: unknown binding")
	ErrDuplicateName  = errors.New("bridge: duplicate binding name")
	ErrNoSource       = errors.New("bridge: expression given but no value source")
	ErrClosed         = errors.New("bridge: closed")
)

// Options configures a Bridge.
type Options struct {
	Opener     transport.Opener // defaults to rtu.Open
	Source     *source.Source   // required for bindings with an expression
	Sink       slave.Sink       // receives write-backs
	Ports      []config.PortConfig
	ErrorPause time.Duration
}

// Bridge owns the bindings and the per-port slave loops.
type Bridge struct {
	opener transport.Opener
	source *source.Source
	sink   slave.Sink

	mu         sync.Mutex
	closed     bool
	portCfgs   []config.PortConfig
	errorPause time.Duration
	ports      map[string]*portRunner
	bindings   map[uuid.UUID]*binding
	names      map[string]uuid.UUID
}

type binding struct {
	id   uuid.UUID
	cfg  config.BindingConfig
	port *portRunner
	sub  *source.Subscription
}

// portRunner is the single link of one serial device.
type portRunner struct {
	device   string
	baudRate int
	table    *registry.Table
	slave    *slave.Slave
	cancel   context.CancelFunc
	done     chan struct{}
	refs     int
}

// bindingListener stores value-source results into its binding.
type bindingListener struct {
	id       uuid.UUID
	name     string
	table    *registry.Table
	valueMap transcode.ValueMap
}

func (l *bindingListener) OnResult(r transcode.Result) {
	v := transcode.FromResult(r, l.valueMap)
	if !l.table.SetValue(l.id, v) {
		return
	}
	slog.Debug("Register value updated", "binding", l.name, "result", r.String(), "value", v)
}

// New creates a Bridge.
func New(opts Options) *Bridge {
	if opts.Opener == nil {
		opts.Opener = rtu.Open
	}
	if opts.ErrorPause <= 0 {
		opts.ErrorPause = config.DefaultErrorPause
	}
	return &Bridge{
		opener:     opts.Opener,
		source:     opts.Source,
		sink:       opts.Sink,
		portCfgs:   opts.Ports,
		errorPause: opts.ErrorPause,
		ports:      make(map[string]*portRunner),
		bindings:   make(map[uuid.UUID]*binding),
		names:      make(map[string]uuid.UUID),
	}
}

// Register activates a binding. The first binding on a device opens it; an
// open failure is returned and the binding stays inactive.
func (b *Bridge) Register(ctx context.Context, cfg config.BindingConfig) (uuid.UUID, error) {
	m, p, err := cfg.Validate()
	if err != nil {
		return uuid.Nil, err
	}
	if cfg.Expression != "" && b.source == nil {
		return uuid.Nil, ErrNoSource
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return uuid.Nil, ErrClosed
	}
	if _, ok := b.names[cfg.Name]; ok && cfg.Name != "" {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
	}

	port, err := b.acquirePort(ctx, cfg)
	if err != nil {
		return uuid.Nil, err
	}

	id := port.table.Register(registry.Binding{
		SlaveID: byte(cfg.SlaveID),
		Address: uint16(cfg.RegisterAddr),
		Config:  registryConfig(cfg, m, p),
	})
	bd := &binding{id: id, cfg: cfg, port: port}

	sub, err := b.subscribe(bd, cfg, m)
	if err != nil {
		port.table.Unregister(id)
		b.releasePort(port)
		return uuid.Nil, err
	}
	bd.sub = sub

	b.bindings[id] = bd
	if cfg.Name != "" {
		b.names[cfg.Name] = id
	}
	slog.Info("Binding registered", "binding", cfg.Name, "id", id, "device", cfg.SerialPort, "slave", cfg.SlaveID, "register", cfg.RegisterAddr)
	return id, nil
}

// Update replaces the value expression and write-back configuration of a
// binding. Device, slave id and register address are fixed.
func (b *Bridge) Update(id uuid.UUID, cfg config.BindingConfig) error {
	m, p, err := cfg.Validate()
	if err != nil {
		return err
	}
	if cfg.Expression != "" && b.source == nil {
		return ErrNoSource
	}
	// Nothing changes unless the new expression compiles.
	if cfg.Expression != "" {
		if _, err := source.Parse(cfg.Expression); err != nil {
			return fmt.Errorf("binding %q: %w", cfg.Name, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bd, ok := b.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBinding, id)
	}
	old := bd.cfg
	if old.SerialPort != cfg.SerialPort || old.SlaveID != cfg.SlaveID || old.RegisterAddr != cfg.RegisterAddr {
		return ErrImmutableField
	}
	if cfg.Name != old.Name {
		if _, taken := b.names[cfg.Name]; taken && cfg.Name != "" {
			return fmt.Errorf("%w: %s", ErrDuplicateName, cfg.Name)
		}
	}
	if cfg.BaudRate != 0 && cfg.BaudRate != bd.port.baudRate {
		slog.Warn("Baud rate change ignored while the port is open", "device", cfg.SerialPort, "open", bd.port.baudRate, "requested", cfg.BaudRate)
	}

	if bd.sub != nil {
		bd.sub.Unsubscribe()
		bd.sub = nil
	}
	sub, err := b.subscribe(bd, cfg, m)
	if err != nil {
		if oldMap, _, verr := old.Validate(); verr == nil {
			bd.sub, _ = b.subscribe(bd, old, oldMap)
		}
		return err
	}
	bd.sub = sub

	bd.port.table.Reconfigure(id, registryConfig(cfg, m, p))
	bd.cfg = cfg
	if old.Name != cfg.Name {
		delete(b.names, old.Name)
		if cfg.Name != "" {
			b.names[cfg.Name] = id
		}
	}
	slog.Info("Binding updated", "binding", cfg.Name, "id", id)
	return nil
}

// Unregister removes a binding. Removing the last binding of a device stops
// its loop and closes the port.
func (b *Bridge) Unregister(id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unregister(id)
}

func (b *Bridge) unregister(id uuid.UUID) error {
	bd, ok := b.bindings[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBinding, id)
	}
	if bd.sub != nil {
		bd.sub.Unsubscribe()
	}
	bd.port.table.Unregister(id)
	delete(b.bindings, id)
	if b.names[bd.cfg.Name] == id {
		delete(b.names, bd.cfg.Name)
	}
	b.releasePort(bd.port)
	slog.Info("Binding unregistered", "binding", bd.cfg.Name, "id", id)
	return nil
}

// Lookup returns the id of a named binding.
func (b *Bridge) Lookup(name string) (uuid.UUID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.names[name]
	return id, ok
}

// Value returns the current register value of a binding.
func (b *Bridge) Value(id uuid.UUID) (int16, bool) {
	b.mu.Lock()
	bd, ok := b.bindings[id]
	b.mu.Unlock()
	if !ok {
		return 0, false
	}
	return bd.port.table.Value(id)
}

// Devices lists the serial devices with a running loop.
func (b *Bridge) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.ports))
	for d := range b.ports {
		out = append(out, d)
	}
	return out
}

// Sync reconciles the live bindings with cfg by binding name: new names are
// registered, missing ones unregistered, changed ones updated, and ones whose
// device, slave id or register changed are re-registered. Unnamed bindings
// are named by config.AssignNames. A repeated name is reported and only its
// first occurrence is applied; bindings sharing a register are all kept and
// the table serves the first registered one.
func (b *Bridge) Sync(ctx context.Context, cfg *config.Config) error {
	var errs []error
	seen := make(map[string]bool, len(cfg.Bindings))
	var bindings []config.BindingConfig
	for _, bc := range config.AssignNames(cfg.Bindings) {
		if seen[bc.Name] {
			errs = append(errs, fmt.Errorf("binding %q: %w", bc.Name, ErrDuplicateName))
			continue
		}
		seen[bc.Name] = true
		bindings = append(bindings, bc)
	}

	b.mu.Lock()
	b.portCfgs = cfg.Ports
	if cfg.ErrorPause > 0 {
		b.errorPause = cfg.ErrorPause
	}
	var stale []uuid.UUID
	for name, id := range b.names {
		if !seen[name] {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		_ = b.unregister(id)
	}
	current := make(map[string]config.BindingConfig, len(b.names))
	for name, id := range b.names {
		current[name] = b.bindings[id].cfg
	}
	b.mu.Unlock()

	for _, bc := range bindings {
		old, exists := current[bc.Name]
		switch {
		case !exists:
			if _, err := b.Register(ctx, bc); err != nil {
				errs = append(errs, fmt.Errorf("binding %q: %w", bc.Name, err))
			}
		case old == bc:
		default:
			id, _ := b.Lookup(bc.Name)
			err := b.Update(id, bc)
			if errors.Is(err, ErrImmutableField) {
				if err = b.Unregister(id); err == nil {
					_, err = b.Register(ctx, bc)
				}
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("binding %q: %w", bc.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close unregisters every binding and waits for all loops to stop.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id := range b.bindings {
		_ = b.unregister(id)
	}
}

func registryConfig(cfg config.BindingConfig, m transcode.ValueMap, p transcode.Precedence) registry.Config {
	return registry.Config{
		WriteTarget: cfg.WriteTarget,
		ValueMap:    m,
		Scale:       transcode.EffectiveScale(cfg.Scale, cfg.Expression),
		Precedence:  p,
	}
}

// subscribe follows cfg's expression on behalf of bd. Caller must hold the mutex.
func (b *Bridge) subscribe(bd *binding, cfg config.BindingConfig, m transcode.ValueMap) (*source.Subscription, error) {
	if cfg.Expression == "" {
		return nil, nil
	}
	l := &bindingListener{id: bd.id, name: cfg.Name, table: bd.port.table, valueMap: m}
	sub, _, err := b.source.Subscribe(cfg.Expression, l)
	if err != nil {
		return nil, fmt.Errorf("binding %q: %w", cfg.Name, err)
	}
	return sub, nil
}

func (b *Bridge) portConfig(device string) config.PortConfig {
	c := config.Config{Ports: b.portCfgs}
	return c.Port(device)
}

// acquirePort returns the running loop of the binding's device, starting one
// if needed. Caller must hold the mutex.
func (b *Bridge) acquirePort(ctx context.Context, cfg config.BindingConfig) (*portRunner, error) {
	if p, ok := b.ports[cfg.SerialPort]; ok {
		if cfg.BaudRate != 0 && cfg.BaudRate != p.baudRate {
			slog.Warn("Baud rate differs from the open port, keeping the open one", "device", p.device, "open", p.baudRate, "requested", cfg.BaudRate)
		}
		p.refs++
		return p, nil
	}

	pc := b.portConfig(cfg.SerialPort)
	if cfg.BaudRate != 0 {
		pc.BaudRate = cfg.BaudRate
	}

	storage, err := persistence.Open(pc.Persistence.Type, pc.Persistence.Path)
	if err != nil {
		return nil, fmt.Errorf("port %s: %w", pc.Device, err)
	}
	table, err := registry.NewTable(storage)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("port %s: %w", pc.Device, err)
	}
	conn, err := b.opener(ctx, pc.SerialConfig)
	if err != nil {
		table.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sl := slave.NewSlave(table, b.sink)
	sl.Start(runCtx)
	server := rtu.NewServer(pc.Device, conn, sl)
	server.ErrorPause = b.errorPause

	p := &portRunner{
		device:   pc.Device,
		baudRate: pc.BaudRate,
		table:    table,
		slave:    sl,
		cancel:   cancel,
		done:     make(chan struct{}),
		refs:     1,
	}
	go func() {
		defer close(p.done)
		if err := server.Serve(runCtx); err != nil {
			slog.Error("RTU slave stopped with error", "device", p.device, "err", err)
		}
	}()
	b.ports[pc.Device] = p
	slog.Info("Serial port opened", "device", pc.Device, "baudRate", pc.BaudRate, "rs485", pc.RS485, "persistence", pc.Persistence.Type)
	return p, nil
}

// releasePort drops one reference and stops the loop with the last one.
// Caller must hold the mutex.
func (b *Bridge) releasePort(p *portRunner) {
	p.refs--
	if p.refs > 0 {
		return
	}
	delete(b.ports, p.device)
	p.cancel()
	<-p.done
	p.slave.Close()
	if err := p.table.Close(); err != nil {
		slog.Error("Closing persistence failed", "device", p.device, "err", err)
	}
	slog.Info("Serial port closed", "device", p.device)
}
