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

package virtioblk_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
	"github.com/lightbitslabs/ahci-virtio/pkg/testutils"
	"github.com/lightbitslabs/ahci-virtio/pkg/virtioblk"
)

// fakeDevice admits requests until told to report Busy, records the
// forwarded transfers and completes them on demand.
type fakeDevice struct {
	info    ahci.DeviceInfo
	dma     hw.DmaSpace
	busy    bool
	sectors []uint64
	flags   []uint32
	pending []ahci.InOutCallback
}

func newFakeDevice(dma hw.DmaSpace, sectors uint64) *fakeDevice {
	d := &fakeDevice{dma: dma}
	d.info.HID = "FAKE"
	d.info.SectorSize = 512
	d.info.NumSectors = sectors
	return d
}

func (d *fakeDevice) Info() *ahci.DeviceInfo              { return &d.info }
func (d *fakeDevice) ResetDevice()                        {}
func (d *fakeDevice) DmaSpace() hw.DmaSpace               { return d.dma }
func (d *fakeDevice) MaxInFlight() int                    { return 8 }
func (d *fakeDevice) StartDeviceScan(cb errand.Callback) { cb() }

func (d *fakeDevice) InOutData(sector uint64, blocks []ahci.DataBlock, cb ahci.InOutCallback, flags uint32) error {
	if d.busy {
		return ahci.ErrBusy
	}
	d.sectors = append(d.sectors, sector)
	d.flags = append(d.flags, flags)
	d.pending = append(d.pending, cb)
	return nil
}

func (d *fakeDevice) complete(err error, transferred uint32) {
	cb := d.pending[0]
	d.pending = d.pending[1:]
	cb(err, transferred)
}

type blkRig struct {
	arena  *testutils.Arena
	dev    *fakeDevice
	iface  *virtioblk.Interface
	client *testutils.VirtioClient
}

func newBlkRig(t *testing.T, dataBytes uint64) *blkRig {
	r := &blkRig{arena: testutils.NewArena(16 << 20)}
	r.dev = newFakeDevice(r.arena, 1 << 20)
	r.iface = virtioblk.NewInterface(r.dev, 4, logrus.WithField("test", t.Name()))

	client, err := testutils.NewVirtioClient(r.arena, r.iface, dataBytes)
	require.NoError(t, err)
	r.client = client
	return r
}

func TestDeviceConfig(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	cfg := r.iface.DeviceConfig()
	assert.Equal(t, uint64(1<<20), cfg.Capacity)
	assert.Equal(t, uint32(virtioblk.DefaultSizeMax), cfg.SizeMax)
	assert.Equal(t, uint32(ahci.MaxPRDs), cfg.SegMax)
	assert.Equal(t, uint32(512), cfg.BlkSize)

	features := r.iface.Features()
	assert.NotZero(t, features&virtioblk.FeatureSizeMax)
	assert.NotZero(t, features&virtioblk.FeatureSegMax)
	assert.NotZero(t, features&virtioblk.FeatureBlkSize)
	assert.NotZero(t, features&virtioblk.FeatureRingIndirectDesc)
	assert.Zero(t, features&virtioblk.FeatureRO)
}

func TestReadRequestLifecycle(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	addr, buf := r.client.AllocBuffer(512)
	head, status := r.client.Submit(virtioblk.TIn, 8,
		testutils.DataDesc{Addr: addr, Len: 512, Write: true})
	r.client.Kick()

	// admitted to the device with the right sector and direction
	require.Len(t, r.dev.pending, 1)
	assert.Equal(t, uint64(8), r.dev.sectors[0])
	assert.Equal(t, uint32(0), r.dev.flags[0])
	assert.Equal(t, byte(0xff), status[0], "status written only at completion")

	maps := r.arena.Maps
	assert.Equal(t, 1, maps, "one mapping per dataspace per request")

	r.dev.complete(nil, 512)

	assert.Equal(t, byte(virtioblk.StatusOK), status[0])
	used := r.client.Used()
	require.Len(t, used, 1)
	assert.Equal(t, head, used[0].Head)
	assert.Equal(t, uint32(512), used[0].Written)
	assert.Equal(t, 1, r.client.Kicks)
	assert.Equal(t, 1, r.arena.Unmaps, "request mappings released at completion")
	_ = buf
}

func TestWriteRequestSetsWriteFlag(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	addr, buf := r.client.AllocBuffer(1024)
	copy(buf, "payload")
	_, status := r.client.Submit(virtioblk.TOut, 16,
		testutils.DataDesc{Addr: addr, Len: 1024})
	r.client.Kick()

	require.Len(t, r.dev.pending, 1)
	assert.Equal(t, uint32(ahci.ChfWrite), r.dev.flags[0])

	r.dev.complete(nil, 1024)
	assert.Equal(t, byte(virtioblk.StatusOK), status[0])
}

func TestSectorUnitConversion(t *testing.T) {
	r := newBlkRig(t, 1<<20)
	r.dev.info.SectorSize = 4096

	addr, _ := r.client.AllocBuffer(4096)
	r.client.Submit(virtioblk.TIn, 16, testutils.DataDesc{Addr: addr, Len: 4096, Write: true})
	r.client.Kick()

	// virtio sectors are 512-byte units, the device speaks 4k sectors
	require.Len(t, r.dev.sectors, 1)
	assert.Equal(t, uint64(2), r.dev.sectors[0])
	r.dev.complete(nil, 4096)
}

func TestUnsupportedRequestType(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	_, status := r.client.Submit(virtioblk.TFlush, 0)
	r.client.Kick()

	assert.Empty(t, r.dev.pending, "no admission for unsupported types")
	assert.Equal(t, byte(virtioblk.StatusUnsupp), status[0])
	require.Len(t, r.client.Used(), 1)
}

func TestShortHeaderFailsDevice(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	addr, _ := r.client.AllocBuffer(8)
	head := r.client.BuildDesc(addr, 8, 0, 0) // lone descriptor, shorter than the header
	r.client.SubmitRaw(head)
	r.client.Kick()

	assert.True(t, r.iface.Failed())
	assert.Empty(t, r.dev.pending, "no slot reserved for a bad chain")
	require.Len(t, r.client.Used(), 1, "bad chain is consumed")
	assert.Zero(t, r.arena.Maps)
}

func TestHeaderOnlyChainFailsDevice(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	addr, _ := r.client.AllocBuffer(16)
	head := r.client.BuildDesc(addr, 16, 0, 0) // header but no room for a status byte
	r.client.SubmitRaw(head)
	r.client.Kick()

	assert.True(t, r.iface.Failed())
	assert.Empty(t, r.dev.pending)
}

func TestOversizedBlockYieldsUnsupported(t *testing.T) {
	r := newBlkRig(t, 6<<20)

	addr, _ := r.client.AllocBuffer(5 << 20)
	_, status := r.client.Submit(virtioblk.TIn, 0,
		testutils.DataDesc{Addr: addr, Len: 5 << 20, Write: true})
	r.client.Kick()

	// the walk continued to the status byte
	assert.False(t, r.iface.Failed())
	assert.Equal(t, byte(virtioblk.StatusUnsupp), status[0])
	assert.Empty(t, r.dev.pending)
}

func TestDeviceErrorYieldsIoError(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	addr, _ := r.client.AllocBuffer(512)
	_, status := r.client.Submit(virtioblk.TIn, 0,
		testutils.DataDesc{Addr: addr, Len: 512, Write: true})
	r.client.Kick()

	require.Len(t, r.dev.pending, 1)
	r.dev.complete(ahci.ErrIoError, 0)

	assert.Equal(t, byte(virtioblk.StatusIoErr), status[0])
	assert.Equal(t, 1, r.arena.Unmaps)
}

func TestPendingQueuePreservesOrder(t *testing.T) {
	r := newBlkRig(t, 1<<20)

	// first request is admitted, then the device saturates
	addr0, _ := r.client.AllocBuffer(512)
	_, status0 := r.client.Submit(virtioblk.TIn, 0, testutils.DataDesc{Addr: addr0, Len: 512, Write: true})

	r.client.Kick()
	require.Len(t, r.dev.pending, 1)

	r.dev.busy = true
	addr1, _ := r.client.AllocBuffer(512)
	_, status1 := r.client.Submit(virtioblk.TIn, 1, testutils.DataDesc{Addr: addr1, Len: 512, Write: true})
	addr2, _ := r.client.AllocBuffer(512)
	_, status2 := r.client.Submit(virtioblk.TIn, 2, testutils.DataDesc{Addr: addr2, Len: 512, Write: true})
	r.client.Kick()

	// the saturated request waits, the one behind it stays in the ring
	assert.Len(t, r.dev.pending, 1)

	// completion drains the pending queue in FIFO order
	r.dev.busy = false
	r.dev.complete(nil, 512)

	require.Len(t, r.dev.sectors, 3)
	assert.Equal(t, []uint64{0, 1, 2}, r.dev.sectors)

	r.dev.complete(nil, 512)
	r.dev.complete(nil, 512)

	assert.Equal(t, byte(virtioblk.StatusOK), status0[0])
	assert.Equal(t, byte(virtioblk.StatusOK), status1[0])
	assert.Equal(t, byte(virtioblk.StatusOK), status2[0])
	assert.Len(t, r.client.Used(), 3)
}
