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

package ahci_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbitslabs/ahci-virtio/pkg/ahci"
	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
)

// fakeParent records the transfers forwarded by a partition view and keeps
// their callbacks for manual completion.
type fakeParent struct {
	info     ahci.DeviceInfo
	sectors  []uint64
	pending  []ahci.InOutCallback
	failNext bool
	resets   int
}

func newFakeParent(sectors uint64) *fakeParent {
	p := &fakeParent{}
	p.info.HID = "PARENT"
	p.info.SectorSize = 512
	p.info.NumSectors = sectors
	return p
}

func (p *fakeParent) Info() *ahci.DeviceInfo { return &p.info }
func (p *fakeParent) ResetDevice()           { p.resets++ }
func (p *fakeParent) DmaSpace() hw.DmaSpace  { return nil }
func (p *fakeParent) MaxInFlight() int       { return 4 }

func (p *fakeParent) StartDeviceScan(cb errand.Callback) { cb() }

func (p *fakeParent) InOutData(sector uint64, blocks []ahci.DataBlock, cb ahci.InOutCallback, flags uint32) error {
	if p.failNext {
		p.failNext = false
		return ahci.ErrIoError
	}
	p.sectors = append(p.sectors, sector)
	p.pending = append(p.pending, cb)
	return nil
}

func (p *fakeParent) completeAll() {
	pending := p.pending
	p.pending = nil
	for _, cb := range pending {
		cb(nil, 0)
	}
}

func partition(first, last uint64) *ahci.PartitionInfo {
	return &ahci.PartitionInfo{
		GUID:  "01234567-89AB-CDEF-0123-456789ABCDEF",
		First: first,
		Last:  last,
	}
}

func TestPartDeviceTranslatesSectors(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(2048, 4095), logrus.WithField("test", t.Name()))

	assert.Equal(t, "01234567-89AB-CDEF-0123-456789ABCDEF", pd.Info().HID)
	assert.Equal(t, uint64(2048), pd.Info().NumSectors)

	blocks := []ahci.DataBlock{{Addr: 0, Size: 512}}
	err := pd.InOutData(10, blocks, func(error, uint32) {}, 0)
	require.NoError(t, err)
	require.Len(t, parent.sectors, 1)
	assert.Equal(t, uint64(2058), parent.sectors[0])
	parent.completeAll()
}

func TestPartDeviceRejectsOutOfRange(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(2048, 4095), logrus.WithField("test", t.Name()))

	cb := func(error, uint32) { t.Fatal("callback must not fire") }

	// start beyond the end
	err := pd.InOutData(2048, []ahci.DataBlock{{Size: 512}}, cb, 0)
	assert.True(t, ahci.IsKind(err, ahci.InvalidArgument))

	// length crossing the end
	err = pd.InOutData(2047, []ahci.DataBlock{{Size: 1024}}, cb, 0)
	assert.True(t, ahci.IsKind(err, ahci.InvalidArgument))

	// exactly the last sector is fine
	err = pd.InOutData(2047, []ahci.DataBlock{{Size: 512}}, func(error, uint32) {}, 0)
	assert.NoError(t, err)
	parent.completeAll()
}

func TestPartDeviceInFlightCap(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(0, 8191), logrus.WithField("test", t.Name()))

	blocks := []ahci.DataBlock{{Size: 512}}
	fired := 0
	cb := func(err error, _ uint32) {
		assert.NoError(t, err)
		fired++
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, pd.InOutData(uint64(i), blocks, cb, 0))
	}

	// the parent has four slots, the fifth request must queue at the caller
	err := pd.InOutData(4, blocks, cb, 0)
	assert.True(t, ahci.IsKind(err, ahci.Busy))

	parent.completeAll()
	assert.Equal(t, 4, fired)

	// capacity is available again
	require.NoError(t, pd.InOutData(5, blocks, cb, 0))
	parent.completeAll()
	assert.Equal(t, 5, fired)
}

func TestPartDeviceAdmissionReleasedOnError(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(0, 8191), logrus.WithField("test", t.Name()))
	pd.SetMaxInFlight(1)

	parent.failNext = true
	err := pd.InOutData(0, []ahci.DataBlock{{Size: 512}}, func(error, uint32) {}, 0)
	assert.True(t, ahci.IsKind(err, ahci.IoError))

	// the failed admission does not leak an in-flight slot
	err = pd.InOutData(0, []ahci.DataBlock{{Size: 512}}, func(error, uint32) {}, 0)
	assert.NoError(t, err)
	parent.completeAll()
}

func TestPartDeviceSetMaxInFlight(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(0, 8191), logrus.WithField("test", t.Name()))

	assert.Equal(t, 4, pd.MaxInFlight())

	pd.SetMaxInFlight(2)
	assert.Equal(t, 2, pd.MaxInFlight())

	// absolute values are clamped to the parent's slot count
	pd.SetMaxInFlight(100)
	assert.Equal(t, 4, pd.MaxInFlight())

	// non-positive values count down from the parent
	pd.SetMaxInFlight(-1)
	assert.Equal(t, 3, pd.MaxInFlight())

	// with a floor of one
	pd.SetMaxInFlight(-100)
	assert.Equal(t, 1, pd.MaxInFlight())
}

func TestPartDeviceResetIsNoop(t *testing.T) {
	parent := newFakeParent(100000)
	pd := ahci.NewPartDevice(parent, partition(0, 8191), logrus.WithField("test", t.Name()))

	pd.ResetDevice()
	assert.Equal(t, 0, parent.resets, "partition reset must not reach the parent")
}
