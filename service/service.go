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

// Package service matches discovered devices and partitions with clients.
// Devices are assigned exclusively: while a client drives a partition, the
// whole disk cannot be handed out, and vice versa. Accessing different
// partitions of one disk in parallel is fine.
package service

import (
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
	"github.com/lightbitslabs/ahci-virtio/pkg/metrics"
	"github.com/lightbitslabs/ahci-virtio/pkg/virtioblk"
)

// PendingClient is a client with a pre-bound capability waiting for its
// device to be discovered.
type PendingClient struct {
	// Gate names the capability assigned to the client.
	Gate string
	// DeviceID is the HID the client asked for.
	DeviceID string
	// NumDS is the number of dataspaces the client may register.
	NumDS int
}

// Connection ties a device to at most one client interface. A disk forms
// the root; its partitions hang below it as sub-connections.
type Connection struct {
	device ahci.Device
	iface  *virtioblk.Interface
	subs   []*Connection
	log    *logrus.Entry
}

// NewConnection creates a connection for a device without a client.
func NewConnection(dev ahci.Device, log *logrus.Entry) *Connection {
	return &Connection{device: dev, log: log}
}

// Device returns the device at this node.
func (c *Connection) Device() ahci.Device { return c.device }

// Subs returns the partition connections below this node.
func (c *Connection) Subs() []*Connection { return c.subs }

// containsDevice checks the node and its subtree for an HID match.
func (c *Connection) containsDevice(name string) bool {
	if c.device.Info().HID == name {
		return true
	}
	for _, sub := range c.subs {
		if sub.containsDevice(name) {
			return true
		}
	}
	return false
}

// CreateInterfaceFor hands out a new client interface for the named device
// if the exclusion rules permit it: a bound node blocks itself and — in
// either direction — the rest of its subtree.
func (c *Connection) CreateInterfaceFor(name string, numds int) (*virtioblk.Interface, error) {
	if c.iface != nil {
		if c.containsDevice(name) {
			return nil, ahci.ErrBusy
		}
		return nil, ahci.ErrNotFound
	}

	busy := false
	for _, sub := range c.subs {
		if sub.iface != nil {
			busy = true
		}
		iface, err := sub.CreateInterfaceFor(name, numds)
		if !ahci.IsKind(err, ahci.NotFound) {
			return iface, err
		}
	}

	if c.device.Info().HID == name {
		if busy {
			return nil, ahci.ErrBusy
		}
		c.iface = virtioblk.NewInterface(c.device, numds, c.log)
		metrics.Metrics.ConnectedClients.Inc()
		return c.iface, nil
	}

	return nil, ahci.ErrNotFound
}

// ReleaseInterface disconnects the client holding iface anywhere in the
// subtree.
func (c *Connection) ReleaseInterface(iface *virtioblk.Interface) {
	if c.iface == iface {
		c.iface = nil
		metrics.Metrics.ConnectedClients.Dec()
		return
	}
	for _, sub := range c.subs {
		sub.ReleaseInterface(iface)
	}
}

// addPartitions creates sub-connections from a partition scan result.
func (c *Connection) addPartitions(parts []ahci.PartitionInfo) {
	for idx := range parts {
		pdev := ahci.NewPartDevice(c.device, &parts[idx], c.log)
		c.subs = append(c.subs, NewConnection(pdev, c.log))
	}
	metrics.Metrics.DevicesTotal.WithLabelValues("partition").Add(float64(len(parts)))
}

// StartDiskScan runs the device identification followed by the partition
// scan, then reports back on the errand loop.
func (c *Connection) StartDiskScan(q *errand.Queue, callback errand.Callback) {
	c.device.StartDeviceScan(func() {
		reader := ahci.NewPartitionReader(c.device, q, c.log)
		reader.Read(func() {
			c.addPartitions(reader.Partitions())
			callback()
		})
	})
}

// Service is the driver's factory surface: it owns the controllers, the
// connection tree and the list of clients waiting for devices.
type Service struct {
	errands *errand.Queue
	log     *logrus.Entry

	hbas      []*ahci.Hba
	conns     []*Connection
	pending   []PendingClient
	available int

	// StaticBind delivers an interface to a pre-bound client capability.
	// Installed by the host environment before discovery starts.
	StaticBind func(gate string, iface *virtioblk.Interface) error
}

// New creates an empty service on the given dispatch queue.
func New(q *errand.Queue, log *logrus.Entry) *Service {
	return &Service{
		errands: q,
		log:     log.WithField("component", "service"),
	}
}

// AddStaticClient registers a client that is attached as soon as its
// device shows up.
func (s *Service) AddStaticClient(gate, device string, numds int) {
	s.pending = append(s.pending, PendingClient{Gate: gate, DeviceID: device, NumDS: numds})
}

// Connections returns the current connection roots.
func (s *Service) Connections() []*Connection { return s.conns }

// StartDeviceDiscovery walks the bus, takes over every AHCI controller and
// starts the per-port scan chain. It returns once all scans are scheduled;
// completion is observed through the errand loop.
func (s *Service) StartDeviceDiscovery(bus hw.Bus, opts ahci.HbaOptions) {
	s.log.Infof("starting device discovery")

	for _, dev := range bus.Devices() {
		if !ahci.IsAhci(dev) {
			continue
		}

		hba, err := ahci.NewHba(dev, opts, s.errands, s.log.Logger.WithField("component", "hba"))
		if err != nil {
			s.log.WithError(err).Errorf("skipping controller")
			continue
		}
		if err := hba.RegisterInterruptHandler(); err != nil {
			s.log.WithError(err).Errorf("skipping controller")
			continue
		}
		s.hbas = append(s.hbas, hba)

		hba.ScanPorts(func(port *ahci.Port) {
			if port == nil {
				return
			}
			dev := ahci.NewDevice(port, s.errands, s.log.Logger.WithField("component", "device"))
			if dev == nil {
				return
			}
			metrics.Metrics.DevicesTotal.WithLabelValues("disk").Inc()
			conn := NewConnection(dev, s.log.Logger.WithField("component", "connection"))
			s.available++
			conn.StartDiskScan(s.errands, func() {
				s.conns = append(s.conns, conn)
				s.connectStaticClients(conn)
			})
		})
	}

	s.log.Infof("all controllers scanned")
}

// Create is the factory operation: it matches name against every known
// device and partition and returns a fresh virtio interface. While devices
// are still scanning, a miss yields Retry instead of NotFound.
func (s *Service) Create(numds int, name string) (*virtioblk.Interface, error) {
	if numds < 1 || numds > 256 {
		return nil, ahci.Errorf(ahci.InvalidArgument, "dataspace count %d out of range", numds)
	}
	if name == "" {
		return nil, ahci.Errorf(ahci.InvalidArgument, "empty device name")
	}

	for _, c := range s.conns {
		iface, err := c.CreateInterfaceFor(name, numds)
		if err == nil {
			return iface, nil
		}
		if !ahci.IsKind(err, ahci.NotFound) {
			return nil, err
		}
	}

	if s.available > len(s.conns) {
		return nil, ahci.ErrRetry
	}
	return nil, ahci.ErrNotFound
}

// Release disconnects a client interface from whichever connection holds
// it.
func (s *Service) Release(iface *virtioblk.Interface) {
	for _, c := range s.conns {
		c.ReleaseInterface(iface)
	}
}

// connectStaticClients resolves waiting static clients against a freshly
// scanned connection.
func (s *Service) connectStaticClients(con *Connection) {
	kept := s.pending[:0]
	for _, pc := range s.pending {
		s.log.Debugf("checking static client %s/%s", pc.Gate, pc.DeviceID)
		iface, err := con.CreateInterfaceFor(pc.DeviceID, pc.NumDS)
		if err != nil {
			kept = append(kept, pc)
			continue
		}
		if s.StaticBind == nil {
			s.log.Warnf("no static binding hook, dropping client %s", pc.Gate)
			con.ReleaseInterface(iface)
			continue
		}
		if err := s.StaticBind(pc.Gate, iface); err != nil {
			s.log.WithError(err).Warnf("invalid capability %q for static client", pc.Gate)
			con.ReleaseInterface(iface)
			kept = append(kept, pc)
		}
	}
	s.pending = kept

	if s.available == len(s.conns) {
		s.log.Infof("all devices scanned, factory available")
	}
}
