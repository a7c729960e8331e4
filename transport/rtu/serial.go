// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/modbus-bridge/internal/config"
	"github.com/grid-x/serial"
)

// Line settings of the bridge: 8 data bits, no parity, 2 stop bits,
// reads time out after one second.
const (
	serialDataBits = 8
	serialParity   = "N"
	serialStopBits = 2
	serialTimeout  = 1 * time.Second
)

// Open opens the serial device described by cfg with the bridge line settings.
// It satisfies transport.Opener.
func Open(ctx context.Context, cfg config.SerialConfig) (io.ReadWriteCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	sc := &serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: serialDataBits,
		StopBits: serialStopBits,
		Parity:   serialParity,
		Timeout:  serialTimeout,
	}
	if cfg.RS485 {
		sc.RS485.Enabled = true
		sc.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		sc.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		sc.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		sc.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		sc.RS485.RxDuringTx = cfg.RxDuringTx
	}

	port, err := serial.Open(sc)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", cfg.Device, err)
	}
	return port, nil
}

// isTimeout reports whether err is the read timeout of an idle line.
func isTimeout(err error) bool {
	return errors.Is(err, serial.ErrTimeout)
}
