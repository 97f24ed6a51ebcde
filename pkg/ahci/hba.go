// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ahci

import (
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// Hba manages one AHCI controller: global bring-up, the implemented ports
// and the shared interrupt.
type Hba struct {
	dev     hw.PCIDevice
	regs    hw.RegBlock
	ports   []*Port
	trigger hw.Trigger
	errands *errand.Queue
	log     *logrus.Entry
}

// HbaOptions tweak controller bring-up.
type HbaOptions struct {
	// CheckAddressWidth rejects 32-bit controllers on 64-bit hosts. On by
	// default; the -A command line switch turns it off.
	CheckAddressWidth bool
}

// IsAhci reports whether the PCI device is an AHCI 1.3 host adapter
// (class code 0x010601).
func IsAhci(dev hw.PCIDevice) bool {
	return dev.ConfigRead32(hw.PciClassRevision)>>8 == hw.ClassAhci
}

// NewHba takes over the controller: enables bus mastering, switches it to
// AHCI mode and attaches the implemented ports. Commands cannot be issued
// until ScanPorts has run.
func NewHba(dev hw.PCIDevice, opts HbaOptions, q *errand.Queue, log *logrus.Entry) (*Hba, error) {
	h := &Hba{
		dev:     dev,
		regs:    dev.Bar(),
		errands: q,
		log:     log.WithField("component", "hba"),
	}

	cmd := dev.ConfigRead16(hw.PciCommand)
	if cmd&hw.PciCommandBusMaster == 0 {
		h.log.Debugf("enabling PCI bus master")
		dev.ConfigWrite16(hw.PciCommand, cmd|hw.PciCommandBusMaster)
	}

	hw.Set32(h.regs, HbaGhc, GhcAe)

	feats := h.Features()
	h.log.Debugf("capabilities 0x%08x: %d ports, %d command slots, s64a=%v",
		uint32(feats), feats.NP()+1, feats.NCS()+1, feats.S64A())

	if opts.CheckAddressWidth && hostBits == 64 && !feats.S64A() {
		return nil, Errorf(Unsupported,
			"cannot address 32bit devices on 64bit system, start driver with -A to disable test")
	}

	buswidth := 32
	if feats.S64A() {
		buswidth = 64
	}

	implemented := h.regs.Read32(HbaPi)
	h.log.Debugf("ports implemented: 0x%08x", implemented)

	h.ports = make([]*Port, MaxPorts)
	for i := range h.ports {
		p := NewPort(i, q, h.log)
		h.ports[i] = p
		if implemented&(1<<uint(i)) == 0 {
			continue
		}
		regs := hw.NewOffsetRegs(h.regs, uint32(PortsBase+i*PortSpan))
		if err := p.Attach(regs, buswidth, dev.DmaSpace()); err != nil {
			h.log.Debugf("registration of port %d failed: %v", i, err)
		}
	}

	return h, nil
}

// Features returns the decoded capability register.
func (h *Hba) Features() Features {
	return Features(h.regs.Read32(HbaCap))
}

// Ports returns the port array, including unattached slots.
func (h *Hba) Ports() []*Port { return h.ports }

// ScanPorts initializes and enables every populated port and reports the
// outcome through cb on the errand loop: the ready port, or nil for ports
// that are absent or failed to come up.
func (h *Hba) ScanPorts(cb func(*Port)) {
	ncs := h.Features().NCS() + 1
	for _, p := range h.ports {
		port := p
		if port.DeviceType() == DevNone {
			h.errands.Schedule(func() { cb(nil) }, 0)
			continue
		}
		port.Initialize(func() {
			if err := port.InitializeMemory(ncs); err != nil {
				h.log.Errorf("could not set up port %d memory: %v", port.Num(), err)
				cb(nil)
				return
			}
			port.Enable(func() {
				if port.IsReady() {
					cb(port)
				} else {
					cb(nil)
				}
			})
		})
	}
}

// HandleIrq demultiplexes the controller interrupt across ports, unmasks a
// level-triggered line and acknowledges the observed status bits.
func (h *Hba) HandleIrq() {
	is := h.regs.Read32(HbaIs)

	for i, p := range h.ports {
		if is&(1<<uint(i)) != 0 {
			p.ProcessInterrupts()
		}
	}

	if h.trigger == hw.TriggerLevel {
		if err := h.dev.IRQ().Unmask(); err != nil {
			h.log.WithError(err).Warnf("unmasking interrupt")
		}
	}

	h.regs.Write32(HbaIs, is)
}

// RegisterInterruptHandler arms the controller interrupt. The platform
// handler posts into the errand queue, so interrupt processing always runs
// on the dispatch loop.
func (h *Hba) RegisterInterruptHandler() error {
	hw.Clear32(h.regs, HbaGhc, GhcIe)

	trigger, err := h.dev.IRQ().Enable(func() {
		h.errands.Post(h.HandleIrq)
	})
	if err != nil {
		return Errorf(IoError, "enabling interrupt: %v", err)
	}
	h.trigger = trigger

	if err := h.dev.IRQ().Unmask(); err != nil {
		return Errorf(IoError, "unmasking interrupt: %v", err)
	}

	h.regs.Write32(HbaIs, 0xffffffff)
	hw.Set32(h.regs, HbaGhc, GhcIe)

	h.log.Debugf("interrupt registered, trigger %v", trigger)
	return nil
}

// hostBits is the width of the host address bus.
const hostBits = bits.UintSize
