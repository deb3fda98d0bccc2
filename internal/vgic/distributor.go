// Package vgic implements the virtual GICv2 interrupt controller: an
// in-memory model of the distributor registers, decoded on the MMIO offsets
// the GICv2 architecture reference defines, plus the list-register scheduler
// that bridges pending virtual IRQs to the physical GIC virtualisation
// extensions.
package vgic

import (
	"sync"

	"github.com/smoynes/styx/internal/config"
	"github.com/smoynes/styx/internal/herr"
	"github.com/smoynes/styx/internal/log"
)

// Model is an IRQ's distribution model: 1-of-N (only one target CPU handles
// a pending assertion) or N-of-N (every targeted CPU sees it).
type Model uint8

const (
	ModelNofN Model = iota
	Model1ofN
)

// Trigger is an IRQ's trigger sense.
type Trigger uint8

const (
	TriggerLevel Trigger = iota
	TriggerEdge
)

// Distributor MMIO offsets, 4-byte aligned, following the ARM GICv2
// architecture reference (spec.md section 4.6): every offset the
// distributor must decode.
const (
	OffsetCTLR        = 0x000
	OffsetTYPER        = 0x004
	OffsetISENABLER    = 0x100
	OffsetICENABLER    = 0x180
	OffsetISPENDR      = 0x200
	OffsetICPENDR      = 0x280
	OffsetISACTIVER    = 0x300
	OffsetICACTIVER    = 0x380
	OffsetIPRIORITYR   = 0x400
	OffsetITARGETSR    = 0x800
	OffsetICFGR        = 0xc00
	OffsetSGIR         = 0xf00
)

// irqState is the per-IRQ state VirtualIrqState tracks (spec.md section 3).
type irqState struct {
	enabled uint8 // One bit per target CPU.
	pending uint8
	active  uint8
	level   uint8

	model   Model
	trigger Trigger
	target  uint8 // Affinity bitmap.
	prio    uint8 // Upper nibble significant.
}

// Distributor is the VgicDistributor of spec.md section 4.6: the per-guest,
// in-memory model of the GIC distributor registers.
type Distributor struct {
	mu sync.Mutex // Per-VGIC-guest lock (spec.md section 5: VGIC is first in lock order).

	numIRQs int
	numCPUs int

	irqs []irqState

	// sgiSource[cpu][sgi] accumulates, per destination CPU and SGI
	// number, the bitmap of source CPUs that have sent it and not yet
	// been acknowledged (spec.md section 4.6).
	sgiSource [][16]uint8

	onAssert func(irq int, targets uint8) // Hook invoked when an IRQ or SGI newly becomes pending; see OnAssert.

	log *log.Logger
}

// NewDistributor allocates a Distributor sized per cfg.
func NewDistributor(cfg config.Vgic, numCPUs int) *Distributor {
	d := &Distributor{
		numIRQs: cfg.NumIRQs,
		numCPUs: numCPUs,
		irqs:    make([]irqState, cfg.NumIRQs),
		log:     log.DefaultLogger(),
	}

	d.sgiSource = make([][16]uint8, numCPUs)

	return d
}

// OnAssert registers the callback invoked when AssertLevel newly sets a
// pending bit, and when an SGI is sent through SendSGI or a GICD_SGIR write.
// It is the hook for spec.md section 4.6, step 3 (flush to list registers
// or wake a VCPU blocked in wait-for-interrupt); no package in this module
// registers one.
func (d *Distributor) OnAssert(fn func(irq int, targets uint8)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onAssert = fn
}

func (d *Distributor) checkIRQ(irq int) error {
	if irq < 0 || irq >= d.numIRQs {
		return herr.New("vgic: distributor", herr.Invalid)
	}

	return nil
}

// AssertLevel implements spec.md section 4.6's level-assertion algorithm.
func (d *Distributor) AssertLevel(irq int, level bool) error {
	if err := d.checkIRQ(irq); err != nil {
		return err
	}

	d.mu.Lock()

	st := &d.irqs[irq]
	newLevel := uint8(0)
	if level {
		newLevel = 1
	}

	if st.level == newLevel {
		d.mu.Unlock()
		return nil // No-op: level unchanged.
	}

	st.level = newLevel

	var targets uint8

	if newLevel == 1 && (st.trigger == TriggerEdge || st.enabled != 0) {
		targets = st.target & st.enabled
		st.pending |= targets
	}

	fn := d.onAssert
	d.mu.Unlock()

	if targets != 0 && fn != nil {
		fn(irq, targets)
	}

	return nil
}

// SetEnabled sets or clears the enabled bit for the given target-CPU mask.
func (d *Distributor) SetEnabled(irq int, cpuMask uint8, enable bool) error {
	if err := d.checkIRQ(irq); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if enable {
		d.irqs[irq].enabled |= cpuMask
	} else {
		d.irqs[irq].enabled &^= cpuMask
	}

	return nil
}

// SetTarget assigns the affinity bitmap for irq.
func (d *Distributor) SetTarget(irq int, cpuMask uint8) error {
	if err := d.checkIRQ(irq); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.irqs[irq].target = cpuMask

	return nil
}

// SetPriority assigns the 8-bit priority (upper nibble significant) for irq.
func (d *Distributor) SetPriority(irq int, prio uint8) error {
	if err := d.checkIRQ(irq); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.irqs[irq].prio = prio & 0xf0

	return nil
}

// SetConfig assigns an IRQ's model and trigger sense.
func (d *Distributor) SetConfig(irq int, model Model, trigger Trigger) error {
	if err := d.checkIRQ(irq); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.irqs[irq].model = model
	d.irqs[irq].trigger = trigger

	return nil
}

// Pending reports whether irq is pending for the given CPU.
func (d *Distributor) Pending(irq, cpu int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.irqs[irq].pending&(1<<uint(cpu)) != 0
}

// Active reports whether irq is active for the given CPU.
func (d *Distributor) Active(irq, cpu int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.irqs[irq].active&(1<<uint(cpu)) != 0
}

// ClearPending clears the pending bit for irq on the given CPU mask. Neither
// ListRegs.Flush nor ListRegs.Sync calls it.
func (d *Distributor) ClearPending(irq int, cpuMask uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.irqs[irq].pending &^= cpuMask
}

// SetActive sets the active bit for irq on the given CPU mask.
func (d *Distributor) SetActive(irq int, cpuMask uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.irqs[irq].active |= cpuMask
}

// ClearActive clears the active bit for irq on the given CPU mask, and, if
// the IRQ is level-triggered and still asserted (level=1) on an enabled
// target, reasserts pending -- the sync-at-exit rule of spec.md section 4.7.
func (d *Distributor) ClearActive(irq int, cpuMask uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := &d.irqs[irq]
	st.active &^= cpuMask

	if st.trigger == TriggerLevel && st.level == 1 {
		st.pending |= cpuMask & st.enabled
	}
}

// SendSGI records a software-generated interrupt from source targeting
// destCPUs, accumulating per-destination source bits as spec.md section 4.6
// and the VGIC testable property require.
func (d *Distributor) SendSGI(sgi int, source int, destCPUs uint8) error {
	if sgi < 0 || sgi >= 16 {
		return herr.New("vgic: send_sgi", herr.Invalid)
	}

	d.mu.Lock()

	for cpu := 0; cpu < d.numCPUs; cpu++ {
		if destCPUs&(1<<uint(cpu)) == 0 {
			continue
		}

		d.sgiSource[cpu][sgi] |= 1 << uint(source)
		d.irqs[sgi].pending |= 1 << uint(cpu)
	}

	fn := d.onAssert
	d.mu.Unlock()

	if fn != nil {
		fn(sgi, destCPUs)
	}

	return nil
}

// AckSGI acknowledges sgi on behalf of destCPU from the given source,
// clearing that source's bit. The pending bit for destCPU clears only once
// every source has been separately acknowledged.
func (d *Distributor) AckSGI(sgi, destCPU, source int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sgiSource[destCPU][sgi] &^= 1 << uint(source)

	if d.sgiSource[destCPU][sgi] == 0 {
		d.irqs[sgi].pending &^= 1 << uint(destCPU)
	}
}

// SGISource returns the current source-CPU bitmap for sgi on destCPU.
func (d *Distributor) SGISource(sgi, destCPU int) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sgiSource[destCPU][sgi]
}

// ReadRegister decodes a 4-byte MMIO read at offset against the GICv2
// distributor register map.
func (d *Distributor) ReadRegister(offset uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == OffsetCTLR:
		return 1, nil // Enabled.
	case offset == OffsetTYPER:
		return uint32((d.numIRQs/32 - 1) | (d.numCPUs-1)<<5), nil
	case offset >= OffsetISENABLER && offset < OffsetICENABLER:
		return d.bitmapWord(offset-OffsetISENABLER, func(s *irqState) uint8 { return s.enabled }), nil
	case offset >= OffsetICENABLER && offset < OffsetISPENDR:
		return d.bitmapWord(offset-OffsetICENABLER, func(s *irqState) uint8 { return s.enabled }), nil
	case offset >= OffsetISPENDR && offset < OffsetICPENDR:
		return d.bitmapWord(offset-OffsetISPENDR, func(s *irqState) uint8 { return s.pending }), nil
	case offset >= OffsetICPENDR && offset < OffsetISACTIVER:
		return d.bitmapWord(offset-OffsetICPENDR, func(s *irqState) uint8 { return s.pending }), nil
	case offset >= OffsetIPRIORITYR && offset < OffsetITARGETSR:
		return d.byteRegisterWord(offset - OffsetIPRIORITYR, func(s *irqState) uint8 { return s.prio }), nil
	case offset >= OffsetITARGETSR && offset < OffsetICFGR:
		return d.byteRegisterWord(offset - OffsetITARGETSR, func(s *irqState) uint8 { return s.target }), nil
	default:
		return 0, herr.New("vgic: read_register", herr.Invalid)
	}
}

// WriteRegister decodes a 4-byte MMIO write at offset against the GICv2
// distributor register map, the other half of spec.md section 4.6's "reads
// and writes are decoded on 4-byte boundaries." fromCPU identifies the VCPU
// performing the access, needed only to attribute OffsetSGIR's source field.
func (d *Distributor) WriteRegister(offset uint32, value uint32, fromCPU int) error {
	d.mu.Lock()

	switch {
	case offset == OffsetCTLR:
		d.mu.Unlock()
		return nil // Distributor enable bit: no gating behavior modeled.
	case offset == OffsetTYPER:
		d.mu.Unlock()
		return herr.New("vgic: write_register", herr.Invalid) // Read-only.
	case offset >= OffsetISENABLER && offset < OffsetICENABLER:
		d.writeBitmapWord(offset-OffsetISENABLER, value, func(s *irqState) { s.enabled |= d.allCPUMask() })
		d.mu.Unlock()
		return nil
	case offset >= OffsetICENABLER && offset < OffsetISPENDR:
		d.writeBitmapWord(offset-OffsetICENABLER, value, func(s *irqState) { s.enabled &^= d.allCPUMask() })
		d.mu.Unlock()
		return nil
	case offset >= OffsetISPENDR && offset < OffsetICPENDR:
		d.writeBitmapWord(offset-OffsetISPENDR, value, func(s *irqState) { s.pending |= s.target & s.enabled })
		d.mu.Unlock()
		return nil
	case offset >= OffsetICPENDR && offset < OffsetISACTIVER:
		d.writeBitmapWord(offset-OffsetICPENDR, value, func(s *irqState) { s.pending &^= d.allCPUMask() })
		d.mu.Unlock()
		return nil
	case offset >= OffsetISACTIVER && offset < OffsetICACTIVER:
		d.writeBitmapWord(offset-OffsetISACTIVER, value, func(s *irqState) { s.active |= s.target & s.enabled })
		d.mu.Unlock()
		return nil
	case offset >= OffsetICACTIVER && offset < OffsetIPRIORITYR:
		d.writeBitmapWord(offset-OffsetICACTIVER, value, func(s *irqState) { s.active &^= d.allCPUMask() })
		d.mu.Unlock()
		return nil
	case offset >= OffsetIPRIORITYR && offset < OffsetITARGETSR:
		d.writeByteRegisterWord(offset-OffsetIPRIORITYR, value, func(s *irqState, b uint8) { s.prio = b & 0xf0 })
		d.mu.Unlock()
		return nil
	case offset >= OffsetITARGETSR && offset < OffsetICFGR:
		d.writeByteRegisterWord(offset-OffsetITARGETSR, value, func(s *irqState, b uint8) { s.target = b })
		d.mu.Unlock()
		return nil
	case offset >= OffsetICFGR && offset < OffsetSGIR:
		d.writeConfigWord(offset-OffsetICFGR, value)
		d.mu.Unlock()
		return nil
	case offset == OffsetSGIR:
		sgi, destCPUs := d.writeSGIR(value, fromCPU)
		fn := d.onAssert
		d.mu.Unlock()

		if destCPUs != 0 && fn != nil {
			fn(sgi, destCPUs)
		}

		return nil
	default:
		d.mu.Unlock()
		return herr.New("vgic: write_register", herr.Invalid)
	}
}

// allCPUMask returns a bitmap with one bit set per configured CPU.
func (d *Distributor) allCPUMask() uint8 {
	if d.numCPUs >= 8 {
		return 0xff
	}

	return uint8(1<<uint(d.numCPUs)) - 1
}

// writeBitmapWord applies apply to every IRQ whose bit is set in value,
// starting at the IRQ numbered byteOffset*8 -- the write-side counterpart of
// bitmapWord.
func (d *Distributor) writeBitmapWord(byteOffset uint32, value uint32, apply func(*irqState)) {
	base := int(byteOffset) * 8

	for i := 0; i < 32 && base+i < d.numIRQs; i++ {
		if value&(1<<uint(i)) != 0 {
			apply(&d.irqs[base+i])
		}
	}
}

// writeByteRegisterWord unpacks 4 IRQs' worth of an 8-bit-per-IRQ field from
// value, starting at the IRQ numbered byteOffset.
func (d *Distributor) writeByteRegisterWord(byteOffset uint32, value uint32, apply func(*irqState, uint8)) {
	base := int(byteOffset)

	for i := 0; i < 4 && base+i < d.numIRQs; i++ {
		apply(&d.irqs[base+i], uint8(value>>uint(i*8)))
	}
}

// writeConfigWord decodes an ICFGR word: 2 bits per IRQ, starting at the IRQ
// numbered byteOffset*4, with the high bit of each pair selecting edge vs.
// level trigger sense (the GICv2 ICFGR encoding).
func (d *Distributor) writeConfigWord(byteOffset uint32, value uint32) {
	base := int(byteOffset) * 4

	for i := 0; i < 16 && base+i < d.numIRQs; i++ {
		bits := uint8(value>>uint(i*2)) & 0x3

		st := &d.irqs[base+i]
		if bits&0x2 != 0 {
			st.trigger = TriggerEdge
		} else {
			st.trigger = TriggerLevel
		}
	}
}

// writeSGIR decodes a write to GICD_SGIR: bits[3:0] select the SGI number,
// bits[23:16] the CPU target list. The writing VCPU is recorded as the
// source, matching SendSGI/AckSGI's per-source bookkeeping. Called with d.mu
// held; the caller unlocks before invoking onAssert.
func (d *Distributor) writeSGIR(value uint32, fromCPU int) (sgi int, destCPUs uint8) {
	sgi = int(value & 0xf)
	destCPUs = uint8((value >> 16) & 0xff)

	for cpu := 0; cpu < d.numCPUs; cpu++ {
		if destCPUs&(1<<uint(cpu)) == 0 {
			continue
		}

		d.sgiSource[cpu][sgi] |= 1 << uint(fromCPU)
		d.irqs[sgi].pending |= 1 << uint(cpu)
	}

	return sgi, destCPUs
}

// bitmapWord packs 32 IRQs' worth of a single-bit field into one register
// word, starting at the IRQ numbered byteOffset*8.
func (d *Distributor) bitmapWord(byteOffset uint32, bit func(*irqState) uint8) uint32 {
	base := int(byteOffset) * 8

	var w uint32

	for i := 0; i < 32 && base+i < d.numIRQs; i++ {
		if bit(&d.irqs[base+i])&1 != 0 {
			w |= 1 << uint(i)
		}
	}

	return w
}

// byteRegisterWord packs 4 IRQs' worth of an 8-bit-per-IRQ field (priority,
// target_cpus) into one register word, starting at the IRQ numbered
// byteOffset.
func (d *Distributor) byteRegisterWord(byteOffset uint32, field func(*irqState) uint8) uint32 {
	base := int(byteOffset)

	var w uint32

	for i := 0; i < 4 && base+i < d.numIRQs; i++ {
		w |= uint32(field(&d.irqs[base+i])) << uint(i*8)
	}

	return w
}
