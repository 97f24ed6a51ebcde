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
	"encoding/binary"
	"fmt"
	"math/bits"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightbitslabs/ahci-virtio/pkg/errand"
	"github.com/lightbitslabs/ahci-virtio/pkg/hw"
	"github.com/lightbitslabs/ahci-virtio/pkg/metrics"
)

// State of a port. Transitions are driven by public methods and by errand
// callbacks; every errand callback re-checks that the state is still the one
// it was scheduled from and steps aside with a warning otherwise.
type State int

const (
	StateUndefined State = iota // no hardware association
	StatePresent                // IO address assigned, device detected
	StatePresentInit            // initializing during discovery
	StateAttached               // discovery finished
	StateDisabled               // port set up but DMA engine stopped
	StateEnabling
	StateDisabling
	StateReady // accepting IO commands
	StateError // IO error occurred, reset required
	StateErrorInit
	StateFatal // not recoverable, removed from service
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StatePresent:
		return "present"
	case StatePresentInit:
		return "present-init"
	case StateAttached:
		return "attached"
	case StateDisabled:
		return "disabled"
	case StateEnabling:
		return "enabling"
	case StateDisabling:
		return "disabling"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateErrorInit:
		return "error-init"
	case StateFatal:
		return "fatal"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// DeviceType classifies the signature found in PxSIG.
type DeviceType int

const (
	DevNone DeviceType = iota
	DevAta
	DevAtapi
	DevPmp
	DevSemb
	DevUnknown
)

// State-transition polls: 10 retries, 5 ms apart.
const (
	transRetries  = 10
	transInterval = 5 * time.Millisecond

	// COMRESET must be asserted for at least 5 ms before release.
	comresetHold = 5 * time.Millisecond
)

// SlotCallback reports completion of a slot: the error (nil on success) and
// the number of bytes the hardware transferred (PRDBC).
type SlotCallback func(err error, transferred uint32)

// slot is one in-flight command descriptor. A slot holds no ownership of
// client memory; payload mappings live with the request.
type slot struct {
	busy      bool
	cb        SlotCallback
	headerOff uint32
	tableOff  uint32
	tableBus  hw.BusAddr
}

// Port drives a single AHCI port: slot reservation, taskfile issue,
// completion demultiplexing and error recovery. All methods must be called
// from the dispatch loop.
type Port struct {
	num      int
	regs     hw.RegBlock
	devtype  DeviceType
	state    State
	slots    []slot
	cmdMem   *hw.Region
	dma      hw.DmaSpace
	buswidth int
	errands  *errand.Queue
	log      *logrus.Entry
}

// NewPort creates an unattached port.
func NewPort(num int, q *errand.Queue, log *logrus.Entry) *Port {
	return &Port{
		num:     num,
		devtype: DevNone,
		state:   StateUndefined,
		errands: q,
		log:     log.WithField("port", num),
	}
}

// Attach binds the port to its register bank and detects the device type
// from SSTS/SIG. Returns NotFound when no established device is present.
func (p *Port) Attach(regs hw.RegBlock, buswidth int, dma hw.DmaSpace) error {
	if p.state != StateUndefined {
		return Errorf(InvalidArgument, "port %d already attached", p.num)
	}

	p.regs = regs
	p.buswidth = buswidth
	p.state = StatePresent

	if p.deviceState() != 3 {
		p.devtype = DevNone
		return ErrNotFound
	}

	sig := p.regs.Read32(PortSig)
	lbah := (sig >> 24) & 0xff
	lbam := (sig >> 16) & 0xff
	switch {
	case lbam == 0 && lbah == 0:
		p.devtype = DevAta
	case lbam == 0x14 && lbah == 0xeb:
		p.devtype = DevAtapi
	case lbam == 0x69 && lbah == 0x96:
		p.devtype = DevPmp
	case lbam == 0x3c && lbah == 0xc3:
		p.devtype = DevSemb
	default:
		p.devtype = DevUnknown
	}

	p.dma = dma
	p.log.Debugf("attached, signature 0x%08x (%v)", sig, p.devtype)
	return nil
}

// Num returns the port index on its HBA.
func (p *Port) Num() int { return p.num }

// DeviceType returns what kind of device answered on the port.
func (p *Port) DeviceType() DeviceType { return p.devtype }

// BusWidth returns the address bus width the controller supports, 32 or 64.
func (p *Port) BusWidth() int { return p.buswidth }

// IsReady reports whether the port accepts IO commands.
func (p *Port) IsReady() bool { return p.state == StateReady }

// State returns the current engine state.
func (p *Port) State() State { return p.state }

// MaxSlots returns the number of command slots available on this port.
func (p *Port) MaxSlots() int { return len(p.slots) }

// DmaSpace returns the translation domain commands on this port use.
func (p *Port) DmaSpace() hw.DmaSpace { return p.dma }

// DevicePresent reports an established device connection.
func (p *Port) DevicePresent() bool { return p.deviceState() == 3 }

// DeviceReady reports an attached device with established communication.
func (p *Port) DeviceReady() bool {
	return p.devtype != DevNone && p.deviceState() == 3
}

func (p *Port) deviceState() uint32 { return p.regs.Read32(PortSsts) & 0xf }

func (p *Port) isStarted() bool {
	return p.regs.Read32(PortCmd)&CmdSt != 0
}

func (p *Port) isPortIdle() bool {
	return p.regs.Read32(PortTfd)&TfdStsBsy == 0
}

func (p *Port) noCommandListOverride() bool {
	return p.regs.Read32(PortCmd)&CmdClo == 0
}

func (p *Port) isCommandListDisabled() bool {
	return p.regs.Read32(PortCmd)&(CmdCr|CmdSt) == 0
}

func (p *Port) isCommandListRunning() bool {
	return p.regs.Read32(PortCmd)&CmdCr != 0
}

func (p *Port) isFisReceiveDisabled() bool {
	return p.regs.Read32(PortCmd)&(CmdFr|CmdFre) == 0
}

func (p *Port) currentCommandSlot() int {
	return int(p.regs.Read32(PortCmd)>>8) & 0x1f
}

func (p *Port) setState(s State) {
	p.state = s
	metrics.Metrics.PortState.WithLabelValues(fmt.Sprintf("%d", p.num)).Set(float64(s))
}

// InitializeMemory allocates and programs the DMA block holding the command
// list, FIS receive area and command tables, and builds the slot pool.
func (p *Port) InitializeMemory(maxslots int) error {
	if p.state != StateAttached {
		return Errorf(IoError, "port %d encountered fatal error", p.num)
	}
	if p.devtype == DevNone {
		return Errorf(NotFound, "device no longer available")
	}
	if maxslots > MaxPorts {
		maxslots = MaxPorts
	}

	// no interrupts until the slot pool is consistent
	p.regs.Write32(PortIe, 0)

	memsz := uint64(cmdListBytes + fisRxBytes + maxslots*cmdTableBytes)
	mem, err := p.dma.AllocRegion(memsz, hw.Bidirectional)
	if err != nil {
		return err
	}
	p.cmdMem = mem

	p.log.Debugf("initializing port memory, %d slots, %d bytes", maxslots, memsz)

	base := mem.Bus()
	p.regs.Write32(PortClb, uint32(base))
	p.regs.Write32(PortClbu, uint32(base>>32))

	fisBus := base + cmdListBytes
	p.regs.Write32(PortFb, uint32(fisBus))
	p.regs.Write32(PortFbu, uint32(fisBus>>32))

	hw.Set32(p.regs, PortCmd, CmdFre)

	p.regs.Write32(PortSerr, 0xffffffff)

	// a slot only becomes available once its CI and SACT bits are clear
	inflight := p.regs.Read32(PortCi) | p.regs.Read32(PortSact)

	p.slots = make([]slot, maxslots)
	tableBase := uint32(cmdListBytes + fisRxBytes)
	for i := range p.slots {
		s := &p.slots[i]
		s.headerOff = uint32(i * cmdHeaderBytes)
		s.tableOff = tableBase + uint32(i*cmdTableBytes)
		s.tableBus = base + hw.BusAddr(s.tableOff)
		s.busy = inflight&(1<<uint(i)) != 0
	}

	p.setState(StateDisabled)
	p.dumpRegisters()
	return nil
}

// Initialize starts the soft reset sequence: stop the command list, then
// stop FIS receive. Used both during discovery and for error recovery.
func (p *Port) Initialize(callback errand.Callback) {
	switch p.state {
	case StatePresent:
		p.setState(StatePresentInit)
	case StateError:
		p.setState(StateErrorInit)
	default:
		p.log.Errorf("initialize called out of order in state %v", p.state)
		p.setState(StateFatal)
		return
	}

	p.log.Debugf("starting port reset")
	if p.isCommandListDisabled() {
		p.disableFisReceive(callback)
		return
	}

	hw.Clear32(p.regs, PortCmd, CmdSt)

	p.errands.Poll(transRetries, transInterval, p.isCommandListDisabled,
		func(ok bool) {
			if p.state != StatePresentInit && p.state != StateErrorInit {
				p.log.Warnf("unexpected state %v in initialize", p.state)
				callback()
			} else if ok {
				p.disableFisReceive(callback)
			} else {
				p.log.Errorf("init: ST disable failed")
				p.dumpRegisters()
				p.setState(StateFatal)
				callback()
			}
		})
}

func (p *Port) disableFisReceive(callback errand.Callback) {
	finish := func() {
		if p.state == StatePresentInit {
			p.setState(StateAttached)
		} else {
			p.setState(StateDisabled)
		}
	}

	if p.isFisReceiveDisabled() {
		finish()
		callback()
		return
	}

	hw.Clear32(p.regs, PortCmd, CmdFre)

	p.errands.Poll(transRetries, transInterval, p.isFisReceiveDisabled,
		func(ok bool) {
			if p.state != StatePresentInit && p.state != StateErrorInit {
				p.log.Warnf("unexpected state %v in initialize", p.state)
			} else if ok {
				finish()
			} else {
				p.log.Errorf("reset: FIS receive disable failed")
				p.setState(StateFatal)
			}
			callback()
		})
}

// Enable puts the port into processing mode and, on success, enables its
// interrupts.
func (p *Port) Enable(callback errand.Callback) {
	if p.state != StateDisabled {
		callback()
		return
	}

	p.setState(StateEnabling)

	if !p.isPortIdle() {
		hw.Set32(p.regs, PortCmd, CmdClo)
		p.errands.Poll(transRetries, transInterval, p.noCommandListOverride,
			func(ok bool) {
				if p.state != StateEnabling {
					p.log.Warnf("unexpected state %v in enable", p.state)
					callback()
				} else if ok {
					p.dmaEnable(callback)
				} else {
					p.setState(StateFatal)
					callback()
				}
			})
		return
	}
	p.dmaEnable(callback)
}

func (p *Port) dmaEnable(callback errand.Callback) {
	hw.Set32(p.regs, PortCmd, CmdSt)

	p.errands.Poll(transRetries, transInterval, p.isCommandListRunning,
		func(ok bool) {
			if p.state != StateEnabling {
				p.log.Warnf("unexpected state %v in enable", p.state)
				callback()
			} else if ok {
				p.enableInts()
				p.setState(StateReady)
				callback()
			} else {
				p.setState(StateError)
				p.disable(callback)
			}
		})
}

func (p *Port) enableInts() {
	if p.devtype != DevNone {
		p.regs.Write32(PortIe, IsMaskNonFatal)
	}
}

// disable takes the port out of processing mode without notifying pending
// clients.
func (p *Port) disable(callback errand.Callback) {
	if p.state == StateDisabled {
		p.setState(StateFatal)
		p.log.Errorf("port disable called in unexpected state")
	}

	p.regs.Write32(PortIe, 0)
	hw.Clear32(p.regs, PortCmd, CmdSt)

	if p.isCommandListDisabled() {
		p.setState(StateDisabled)
		callback()
		return
	}

	p.setState(StateDisabling)

	p.errands.Poll(transRetries, transInterval, p.isCommandListDisabled,
		func(ok bool) {
			if p.state != StateDisabling {
				p.log.Warnf("unexpected state %v in disable", p.state)
			} else if ok {
				p.setState(StateDisabled)
			} else {
				p.setState(StateFatal)
				p.log.Errorf("could not disable port")
			}
			callback()
		})
}

// abort disables the port and cancels all outstanding requests. Callbacks
// of aborted slots run before the callback passed here, and before any
// subsequent reset touches the hardware.
func (p *Port) abort(callback errand.Callback) {
	p.disable(func() {
		for i := range p.slots {
			p.abortSlot(i)
		}
		callback()
	})
}

// Reset performs a full port reset via SControl, then waits for the device
// to report in again.
func (p *Port) Reset(callback errand.Callback) {
	p.log.Infof("doing full port reset")
	metrics.Metrics.PortResetsTotal.WithLabelValues(fmt.Sprintf("%d", p.num)).Inc()

	p.regs.Write32(PortSctl, 1)

	p.errands.Schedule(func() {
		p.regs.Write32(PortSctl, 0)

		p.errands.Poll(transRetries, transInterval, p.DevicePresent,
			func(ok bool) {
				if ok {
					p.waitTfd(callback)
				} else {
					callback()
				}
			})
	}, comresetHold)
}

func (p *Port) waitTfd(callback errand.Callback) {
	p.errands.Poll(transRetries, transInterval, p.isPortIdle,
		func(ok bool) {
			if ok {
				p.regs.Write32(PortSerr, 0xffffffff)
				p.regs.Write32(PortIs, 0xffffffff)
			}
			callback()
		})
}

// SendCommand reserves a slot, fills in the command FIS and PRD table and
// issues the command. Returns the slot number used; if the port was not
// ready the slot is aborted immediately and the caller sees the completion
// callback with an IO error. With no free slot, returns Busy.
func (p *Port) SendCommand(task *Taskfile, cb SlotCallback) (int, error) {
	if p.state == StateFatal || !p.DeviceReady() {
		return -1, ErrNotFound
	}
	if len(task.Blocks) > MaxPRDs {
		return -1, Errorf(InvalidArgument, "scatter list of %d entries exceeds %d",
			len(task.Blocks), MaxPRDs)
	}

	for i := range p.slots {
		s := &p.slots[i]
		if s.busy {
			continue
		}
		s.busy = true
		p.setupCommand(s, task, cb)
		p.setupData(s, task.Blocks)

		if p.state == StateReady {
			p.log.Tracef("sending off slot %d", i)
			p.cmdMem.Sync(uint64(s.headerOff), cmdHeaderBytes)
			p.cmdMem.Sync(uint64(s.tableOff), cmdTableBytes)
			p.regs.Write32(PortCi, 1<<uint(i))
			metrics.Metrics.CommandsIssuedTotal.WithLabelValues(fmt.Sprintf("%d", p.num)).Inc()
		} else {
			p.log.Debugf("device not ready for serving slot %d", i)
			p.abortSlot(i)
		}
		return i, nil
	}

	return -1, ErrBusy
}

// setupCommand writes the host-to-device register FIS and the command
// header for the slot.
func (p *Port) setupCommand(s *slot, task *Taskfile, cb SlotCallback) {
	mem := p.cmdMem.Bytes()

	fis := mem[s.tableOff : s.tableOff+cmdTableCfis]
	fis[0] = fisTypeRegH2D
	fis[1] = fisRegCFlag
	fis[2] = task.Command
	fis[3] = byte(task.Features)
	fis[4] = byte(task.LBA)
	fis[5] = byte(task.LBA >> 8)
	fis[6] = byte(task.LBA >> 16)
	fis[7] = task.Device
	fis[8] = byte(task.LBA >> 24)
	fis[9] = byte(task.LBA >> 32)
	fis[10] = byte(task.LBA >> 40)
	fis[11] = byte(task.Features >> 8)
	fis[12] = byte(task.Count)
	fis[13] = byte(task.Count >> 8)
	fis[14] = task.ICC
	fis[15] = task.Control

	// header: CFL=5 double words, clear-busy-on-ok, direction and hint bits
	flags := uint32(5) | 1<<10
	if task.Flags&ChfPrefetchable != 0 {
		flags |= 1 << 7
	}
	if task.Flags&ChfWrite != 0 {
		flags |= 1 << 6
	}
	if task.Flags&ChfAtapi != 0 {
		flags |= 1 << 5
	}

	hdr := mem[s.headerOff : s.headerOff+cmdHeaderBytes]
	binary.LittleEndian.PutUint32(hdr[0:], flags)
	binary.LittleEndian.PutUint32(hdr[4:], 0) // PRDBC
	binary.LittleEndian.PutUint32(hdr[8:], uint32(s.tableBus))
	binary.LittleEndian.PutUint32(hdr[12:], uint32(s.tableBus>>32))
	for i := 16; i < cmdHeaderBytes; i += 4 {
		binary.LittleEndian.PutUint32(hdr[i:], 0)
	}

	s.cb = cb
}

// setupData fills the PRD table from the scatter list and records the entry
// count in the command header.
func (p *Port) setupData(s *slot, blocks []DataBlock) {
	mem := p.cmdMem.Bytes()

	n := len(blocks)
	if n > MaxPRDs {
		n = MaxPRDs
	}

	prdBase := s.tableOff + cmdTableCfis + cmdTableAcmd
	for i := 0; i < n; i++ {
		prd := mem[prdBase+uint32(i*prdBytes):]
		binary.LittleEndian.PutUint32(prd[0:], uint32(blocks[i].Addr))
		binary.LittleEndian.PutUint32(prd[4:], uint32(blocks[i].Addr>>32))
		binary.LittleEndian.PutUint32(prd[8:], 0)
		binary.LittleEndian.PutUint32(prd[12:], blocks[i].Size-1)
	}

	hdr := mem[s.headerOff:]
	flags := binary.LittleEndian.Uint32(hdr[0:])
	flags = flags&0xffff | uint32(n)<<16
	binary.LittleEndian.PutUint32(hdr[0:], flags)
}

func (p *Port) slotTransferred(i int) uint32 {
	hdr := p.cmdMem.Bytes()[p.slots[i].headerOff:]
	return binary.LittleEndian.Uint32(hdr[4:])
}

// finishSlot completes a slot successfully. The callback is deferred
// through the errand queue because completion is detected inside the
// interrupt path.
func (p *Port) finishSlot(i int) {
	s := &p.slots[i]
	cb := s.cb
	transferred := p.slotTransferred(i)
	if cb != nil {
		p.errands.Schedule(func() { cb(nil, transferred) }, 0)
	}
	s.cb = nil
	s.busy = false
	metrics.Metrics.CommandCompletionsTotal.WithLabelValues(fmt.Sprintf("%d", p.num), "ok").Inc()
}

// abortSlot cancels an in-flight slot, reporting an IO error to its owner.
// The callback runs synchronously so that all aborts have fired before a
// following reset touches the hardware.
func (p *Port) abortSlot(i int) {
	s := &p.slots[i]
	if !s.busy {
		return
	}
	cb := s.cb
	transferred := p.slotTransferred(i)
	s.cb = nil
	s.busy = false
	if cb != nil {
		cb(ErrIoError, transferred)
	}
	metrics.Metrics.CommandCompletionsTotal.WithLabelValues(fmt.Sprintf("%d", p.num), "aborted").Inc()
}

// checkPendingCommands walks the slots in ascending order and completes
// every busy slot whose CI bit the hardware has cleared.
func (p *Port) checkPendingCommands() {
	ci := p.regs.Read32(PortCi)
	for i := range p.slots {
		if p.slots[i].busy && ci&(1<<uint(i)) == 0 {
			p.finishSlot(i)
		}
	}
}

// ProcessInterrupts handles all pending interrupt causes for this port.
func (p *Port) ProcessInterrupts() error {
	if p.devtype == DevNone {
		p.log.Warnf("interrupt for inactive port received")
		return ErrNotFound
	}

	istate := p.regs.Read32(PortIs)

	if istate&IsMaskStatus != 0 {
		p.log.Warnf("device state changed (IS 0x%08x)", istate)
		p.abort(func() {
			p.Reset(func() {
				p.recoverAfterReset()
			})
		})
		p.regs.Write32(PortIs, istate)
		return ErrIoError
	}

	if istate&(IsMaskFatal|IsMaskError) != 0 {
		p.handleError()
	} else {
		p.checkPendingCommands()
	}

	p.regs.Write32(PortIs, istate)
	return nil
}

// recoverAfterReset brings the port back to Ready after a state-change
// reset. The attached device keeps its identity; clients only see the IO
// errors of the aborted requests.
func (p *Port) recoverAfterReset() {
	if !p.DevicePresent() {
		p.log.Warnf("device gone after reset")
		return
	}
	p.setState(StateError)
	p.Initialize(func() {
		p.regs.Write32(PortSerr, 0)
		p.regs.Write32(PortIs, IsMaskFatal|IsMaskError|IsMaskStatus)
		p.Enable(func() {
			if !p.IsReady() {
				p.log.Errorf("port did not come back after reset")
			}
		})
	})
}

// handleError recovers from fatal and non-fatal error interrupts: abort the
// offending command (or all of them if the port already stopped), reset the
// engine and reissue whatever survived.
func (p *Port) handleError() {
	surviving := p.regs.Read32(PortCi)

	if p.isStarted() {
		// the port is still running, sacrifice the current command only
		cur := p.currentCommandSlot()
		surviving &^= 1 << uint(cur)
		p.abortSlot(cur)
		p.checkPendingCommands()
	} else {
		for i := range p.slots {
			p.abortSlot(i)
		}
		surviving = 0
	}

	p.setState(StateError)

	p.Initialize(func() {
		p.regs.Write32(PortSerr, 0)
		p.regs.Write32(PortIs, IsMaskFatal|IsMaskError)
		p.Enable(func() {
			if surviving == 0 {
				return
			}
			if p.IsReady() {
				p.log.Infof("reissuing %d surviving commands", bits.OnesCount32(surviving))
				p.regs.Write32(PortCi, surviving)
			} else {
				for i := range p.slots {
					p.abortSlot(i)
				}
			}
		})
	})
}

// DmaMap resolves a dataspace range into a bus address via the port's DMA
// space.
func (p *Port) DmaMap(ds hw.Dataspace, offset, size uint64, dir hw.Direction) (hw.BusAddr, error) {
	return p.dma.Map(ds, offset, size, dir)
}

// DmaUnmap releases a mapping established with DmaMap.
func (p *Port) DmaUnmap(addr hw.BusAddr, size uint64, dir hw.Direction) error {
	return p.dma.Unmap(addr, size, dir)
}

func (p *Port) dumpRegisters() {
	if !p.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	p.log.Tracef(" CLB: 0x%08x - 0x%08x", p.regs.Read32(PortClbu), p.regs.Read32(PortClb))
	p.log.Tracef("  FB: 0x%08x - 0x%08x", p.regs.Read32(PortFbu), p.regs.Read32(PortFb))
	p.log.Tracef("  IS: 0x%08x    IE: 0x%08x", p.regs.Read32(PortIs), p.regs.Read32(PortIe))
	p.log.Tracef(" CMD: 0x%08x   TFD: 0x%08x", p.regs.Read32(PortCmd), p.regs.Read32(PortTfd))
	p.log.Tracef(" SIG: 0x%08x  SSTS: 0x%08x", p.regs.Read32(PortSig), p.regs.Read32(PortSsts))
	p.log.Tracef("SERR: 0x%08x  SACT: 0x%08x", p.regs.Read32(PortSerr), p.regs.Read32(PortSact))
	p.log.Tracef("  CI: 0x%08x  SCTL: 0x%08x", p.regs.Read32(PortCi), p.regs.Read32(PortSctl))
}
