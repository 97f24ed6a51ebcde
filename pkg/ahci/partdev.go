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
	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// PartDevice is a partition view on a parent disk. It translates sector
// addresses by the partition start and enforces its own in-flight cap so one
// partition cannot starve its siblings of command slots.
type PartDevice struct {
	parent Device
	start  uint64
	size   uint64

	devinfo     DeviceInfo
	inFlight    int
	maxInFlight int
	log         *logrus.Entry
}

// NewPartDevice wraps parent with a view on the given partition.
func NewPartDevice(parent Device, pi *PartitionInfo, log *logrus.Entry) *PartDevice {
	pd := &PartDevice{
		parent:      parent,
		start:       pi.First,
		size:        pi.Last - pi.First + 1,
		maxInFlight: parent.MaxInFlight(),
		log:         log.WithField("partition", pi.GUID),
	}

	pd.devinfo = *parent.Info()
	pd.devinfo.HID = pi.GUID
	pd.devinfo.NumSectors = pd.size
	return pd
}

func (pd *PartDevice) Info() *DeviceInfo     { return &pd.devinfo }
func (pd *PartDevice) DmaSpace() hw.DmaSpace { return pd.parent.DmaSpace() }
func (pd *PartDevice) MaxInFlight() int      { return pd.maxInFlight }

// ResetDevice is deliberately a no-op: resetting the port would kill the
// requests of peer partitions.
func (pd *PartDevice) ResetDevice() {}

// StartDeviceScan has nothing to read; partitions inherit the parent's
// configuration.
func (pd *PartDevice) StartDeviceScan(cb errand.Callback) { cb() }

// SetMaxInFlight adjusts the admission cap. A positive value is absolute
// (clamped to the parent's slot count); zero or negative values count down
// from the parent's slot count, with a floor of one.
func (pd *PartDevice) SetMaxInFlight(mx int) {
	parent := pd.parent.MaxInFlight()
	if mx > 0 {
		if mx > parent {
			mx = parent
		}
		pd.maxInFlight = mx
		return
	}
	if parent+mx < 1 {
		pd.maxInFlight = 1
		return
	}
	pd.maxInFlight = parent + mx
}

// InOutData checks the request against the partition boundaries, applies
// the in-flight cap and forwards to the parent with the translated start
// sector.
func (pd *PartDevice) InOutData(sector uint64, blocks []DataBlock, cb InOutCallback, flags uint32) error {
	var numbytes uint64
	for _, b := range blocks {
		numbytes += uint64(b.Size)
	}

	if sector >= pd.size || numbytes > (pd.size-sector)*512 {
		return Errorf(InvalidArgument, "request beyond end of partition")
	}

	if pd.inFlight >= pd.maxInFlight {
		return ErrBusy
	}
	pd.inFlight++

	err := pd.parent.InOutData(sector+pd.start, blocks,
		func(err error, transferred uint32) {
			pd.inFlight--
			cb(err, transferred)
		}, flags)
	if err != nil {
		pd.inFlight--
	}
	return err
}
