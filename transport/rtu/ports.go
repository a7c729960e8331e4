// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"sort"

	bugserial "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name        string
	Description string
	USB         bool
	VID         string
	PID         string
	Serial      string
}

// ListPorts enumerates the serial ports of the host, sorted by name. When
// the detailed enumeration is unavailable only names are reported.
func ListPorts() ([]PortInfo, error) {
	detailed, err := enumerator.GetDetailedPortsList()
	if err == nil {
		out := make([]PortInfo, 0, len(detailed))
		for _, p := range detailed {
			out = append(out, PortInfo{
				Name:        p.Name,
				Description: p.Product,
				USB:         p.IsUSB,
				VID:         p.VID,
				PID:         p.PID,
				Serial:      p.SerialNumber,
			})
		}
		sortPorts(out)
		return out, nil
	}

	names, err := bugserial.GetPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(names))
	for _, name := range names {
		out = append(out, PortInfo{Name: name})
	}
	sortPorts(out)
	return out, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
