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

package hw

import "errors"

// Trigger is the interrupt trigger mode reported when enabling an IRQ.
type Trigger int

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

// IrqLine is one hardware interrupt as handed out by the platform bus.
// Enable binds the handler and arms the line; the handler is invoked from
// the platform's interrupt context and must not block. Level-triggered
// lines must be unmasked again after each handled interrupt.
type IrqLine interface {
	Enable(handler func()) (Trigger, error)
	Unmask() error
}

// PCIDevice is the contract of the platform's PCI enumeration layer: config
// space access, the mapped ABAR and the device interrupt. How the device was
// found and mapped is the platform's business.
type PCIDevice interface {
	ConfigRead16(off uint32) uint16
	ConfigWrite16(off uint32, val uint16)
	ConfigRead32(off uint32) uint32

	Bar() RegBlock
	IRQ() IrqLine
	DmaSpace() DmaSpace
}

// Bus enumerates PCI devices of one class. The AHCI driver asks for mass
// storage class 0x010601 devices only.
type Bus interface {
	Devices() []PCIDevice
}

// PCI config space offsets and bits used by the driver.
const (
	PciCommand          = 0x04
	PciCommandBusMaster = 0x4
	PciClassRevision    = 0x08
	PciAbar             = 0x24

	// AHCI 1.3: class 0x01, subclass 0x06, prog-if 0x01
	ClassAhci = 0x010601
)

// ErrNoBus is returned by DiscoverBus when no platform bus provider has
// been registered for this build.
var ErrNoBus = errors.New("no platform bus support compiled in")

var busProvider func() (Bus, error)

// RegisterBusProvider installs the platform's PCI enumeration entry point.
// The hosting environment (or a test harness) calls this before the driver
// starts discovery.
func RegisterBusProvider(p func() (Bus, error)) {
	busProvider = p
}

// DiscoverBus returns the platform bus registered for this process.
func DiscoverBus() (Bus, error) {
	if busProvider == nil {
		return nil, ErrNoBus
	}
	return busProvider()
}
