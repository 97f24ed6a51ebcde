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

package virtioblk

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
	"github.com/lightbitslabs/ahci-virtio/pkg/metrics"
)

// Interface drives one device through the virtio front end. It is the
// request pipeline: admission against the device's slot pool, DMA mapping
// of the payload, and completion delivery. The interface assumes it is the
// only driver of its device.
type Interface struct {
	*BlockDev
	dev     ahci.Device
	pending []*Request
	log     *logrus.Entry
}

// NewInterface creates the client interface for an initialized device.
func NewInterface(dev ahci.Device, numds int, log *logrus.Entry) *Interface {
	info := dev.Info()
	cfg := Config{
		Capacity: info.Capacity() >> 9,
		SizeMax:  DefaultSizeMax,
		SegMax:   ahci.MaxPRDs,
		BlkSize:  info.SectorSize,
	}
	iface := &Interface{
		dev: dev,
		log: log.WithField("interface", info.HID),
	}
	iface.BlockDev = NewBlockDev(cfg, info.Features.RO, numds, iface.log)
	iface.BlockDev.be = iface
	return iface
}

// Device returns the device driven by this interface.
func (i *Interface) Device() ahci.Device { return i.dev }

// ResetDevice resets the hardware behind the interface.
func (i *Interface) ResetDevice() { i.dev.ResetDevice() }

// queueStopped suspends ring processing while admitted requests wait for a
// free slot; they re-enter in FIFO order first.
func (i *Interface) queueStopped() bool { return len(i.pending) > 0 }

// processRequest admits one parsed request to the hardware.
func (i *Interface) processRequest(req *Request) bool {
	i.log.Tracef("request received: type 0x%x, sector 0x%x", req.Header.Type, req.Header.Sector)

	switch req.Header.Type {
	case TIn, TOut:
		if req.Header.Type == TOut {
			req.flags = ahci.ChfWrite
			req.dir = hw.ToDevice
		} else {
			req.dir = hw.FromDevice
		}

		err := i.buildDatablocks(req)
		if err == nil {
			err = i.inoutRequest(req)
		}
		if ahci.IsKind(err, ahci.Busy) {
			i.log.Tracef("port busy, queueing request")
			i.pending = append(i.pending, req)
			metrics.Metrics.PendingRequests.WithLabelValues(i.dev.Info().HID).
				Set(float64(len(i.pending)))
			return false
		}
		if err != nil {
			i.log.Debugf("request failed at admission: %v", err)
			i.unmapRequest(req)
			req.Status = StatusIoErr
			i.finalize(req, 0)
		}
		// on success the hardware owns the request until its callback runs
		return true

	default:
		req.Status = StatusUnsupp
		i.finalize(req, 0)
		return true
	}
}

// buildDatablocks resolves every scatter slice to a bus address. Each
// dataspace is mapped once per request and the mapping kept until
// completion.
func (i *Interface) buildDatablocks(req *Request) error {
	for _, slice := range req.Data {
		phys, err := i.mapDataspace(req, slice.DS)
		if err != nil {
			i.log.Debugf("cannot resolve physical address for 0x%x: %v", slice.Off, err)
			return err
		}
		req.blocks = append(req.blocks, ahci.DataBlock{
			Addr: phys + hw.BusAddr(slice.Off),
			Size: slice.Len,
		})
	}
	return nil
}

func (i *Interface) mapDataspace(req *Request, ds *Dataspace) (hw.BusAddr, error) {
	for _, m := range req.mappings {
		if m.ds == ds {
			return m.phys, nil
		}
	}
	phys, err := i.dev.DmaSpace().Map(ds, 0, uint64(len(ds.Mem)), req.dir)
	if err != nil {
		return 0, err
	}
	req.mappings = append(req.mappings, dsMapping{ds: ds, phys: phys, dir: req.dir})
	return phys, nil
}

func (i *Interface) unmapRequest(req *Request) {
	for _, m := range req.mappings {
		if err := i.dev.DmaSpace().Unmap(m.phys, uint64(len(m.ds.Mem)), m.dir); err != nil {
			i.log.WithError(err).Warnf("unmapping request dataspace")
		}
	}
	req.mappings = nil
}

// inoutRequest hands the prepared request to the device. The virtio sector
// is in 512-byte units regardless of the device's sector size.
func (i *Interface) inoutRequest(req *Request) error {
	sector := req.Header.Sector / uint64(i.dev.Info().SectorSize>>9)
	return i.dev.InOutData(sector, req.blocks,
		func(err error, transferred uint32) {
			i.taskFinished(req, err, transferred)
		}, req.flags)
}

// taskFinished is the hardware completion: release the payload mappings,
// deliver the status and let waiting requests move up.
func (i *Interface) taskFinished(req *Request, err error, transferred uint32) {
	i.unmapRequest(req)
	if err != nil {
		req.Status = StatusIoErr
	}
	i.finalize(req, transferred)
	i.checkPending()
}

func (i *Interface) finalize(req *Request, written uint32) {
	metrics.Metrics.RequestsTotal.WithLabelValues(i.dev.Info().HID,
		fmt.Sprintf("%d", req.Status)).Inc()
	i.FinalizeRequest(req, written)
}

// checkPending reissues the head of the pending queue until it is admitted,
// fails, or the device reports Busy again. Afterwards the available ring is
// drained of anything that arrived while the queue was stopped.
func (i *Interface) checkPending() {
	if len(i.pending) == 0 {
		return
	}

	for len(i.pending) > 0 {
		req := i.pending[0]
		err := i.inoutRequest(req)
		if ahci.IsKind(err, ahci.Busy) {
			// still no slot available
			return
		}
		i.pending = i.pending[1:]
		metrics.Metrics.PendingRequests.WithLabelValues(i.dev.Info().HID).
			Set(float64(len(i.pending)))
		if err != nil {
			i.unmapRequest(req)
			req.Status = StatusIoErr
			i.finalize(req, 0)
		}
	}

	i.Kick()
}
