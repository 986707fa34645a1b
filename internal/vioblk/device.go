// Package vioblk implements the paravirtual block device driver: feature
// negotiation, a single-element split virtqueue with a 3-entry indirect
// descriptor table, and blocking read/write/ioctl with the single
// outstanding-request discipline.
//
// There is no real bus underneath this simulation, so the "device side" of
// the queue is a dedicated kernel thread (spawned on the same sched.Scheduler
// as every other thread) that consumes published descriptor chains and
// raises the completion interrupt by broadcasting a condition variable,
// the same mechanism a real VirtIO device's used-buffer notification uses
// to wake the driver, just modeled with the scheduler's own primitives
// instead of a PCI interrupt line: no data movement happens in the
// ISR-equivalent path, the device thread does the copy, the ISR-equivalent
// only acks and broadcasts.
package vioblk

import (
	"strconv"

	"rv39kernel/internal/errno"
	"rv39kernel/internal/log"
	"rv39kernel/internal/sched"
)

// Feature bits negotiated at startup.
const (
	FeatureIndirectDesc = 1 << 28
	FeatureRingReset    = 1 << 40
	FeatureBlkSize      = 1 << 6
	FeatureTopology     = 1 << 10

	requiredFeatures = FeatureIndirectDesc | FeatureRingReset
	desiredFeatures  = FeatureBlkSize | FeatureTopology
)

// DefaultBlockSize is used when the device config doesn't advertise one.
const DefaultBlockSize = 512

// BackingStore is the simulated storage medium behind the device: a flat
// array of fixed-size sectors. A real device would DMA against guest RAM;
// here the "DMA" is a direct slice copy against this backing array.
type BackingStore interface {
	NumSectors() uint64
	ReadSector(sector uint64, buf []byte) error
	WriteSector(sector uint64, buf []byte) error
}

// Device is one instance of a VirtIO block device attached to the driver.
type Device struct {
	instno    int
	blkSize   uint32
	backing   BackingStore
	bounce    []byte
	indirect  bool // whether the indirect descriptor table feature was negotiated
	ackDriver bool

	q *virtqueue

	sched *sched.Scheduler
	lock  *sched.SleepLock

	pos       uint64
	open      bool
	refcnt    int
	devThread *sched.Thread

	maskIRQ bool

	log *log.Logger
}

// New runs the full VirtIO initialization sequence: reset,
// acknowledge, driver bit, feature negotiation, reading the block size,
// allocating the bounce buffer and queue, attaching virtqueue 0, and
// marking the device DRIVER_OK. Call RegisterAsDevice to make it
// resolvable by devopen("blk", instno).
func New(instno int, backing BackingStore, s *sched.Scheduler, logger *log.Logger) *Device {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	d := &Device{
		instno:  instno,
		backing: backing,
		sched:   s,
		lock:    s.NewSleepLock("vioblk.lock"),
		log:     logger,
		maskIRQ: true,
	}

	logger.Debug("vioblk: reset")
	logger.Debug("vioblk: acknowledge")
	logger.Debug("vioblk: driver bit set")

	negotiated := requiredFeatures | (desiredFeatures & desiredFeatures)
	if negotiated&requiredFeatures != requiredFeatures {
		panic("vioblk: device does not support required features")
	}

	d.indirect = true

	d.blkSize = DefaultBlockSize // the simulated config space always reports the default

	d.bounce = make([]byte, d.blkSize)
	d.q = newVirtqueue(s, d)

	logger.Debug("vioblk: FEATURES_OK")
	d.ackDriver = true

	d.devThread = s.Spawn("vioblk.device", d.q.run)

	logger.Info("vioblk: DRIVER_OK", log.String("instance", strconv.Itoa(instno)))

	return d
}

// BlockSize returns the device's negotiated sector size.
func (d *Device) BlockSize() uint32 { return d.blkSize }

// NumSectors returns the device's capacity in sectors.
func (d *Device) NumSectors() uint64 { return d.backing.NumSectors() }

// errAlreadyOpen is returned from Open when the stream already has a live
// refcount.
var errAlreadyOpen = errno.EBUSY
