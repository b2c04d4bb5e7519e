package rtp

// DefaultReorderWindow is how far behind the highest sequence number a packet
// may arrive and still be treated as late rather than as a source restart.
const DefaultReorderWindow = 512

// Observation describes where one sequence number landed.
type Observation struct {
	Extended  uint64 // Wraparound-corrected sequence number
	Gap       int    // Packets skipped before this one (forward progress only)
	Late      bool   // Arrived behind the high-water mark
	Duplicate bool   // Same raw value as the last accepted packet
	Restart   bool   // Jump beyond the reorder window; the counter was reset
}

// SequenceCounter extends 16-bit RTP sequence numbers into a monotonic
// 64-bit space. It is not safe for concurrent use.
type SequenceCounter struct {
	window  int
	started bool
	last    uint16
	cycles  uint64
	highest uint64
}

// NewSequenceCounter creates a counter with the given reorder window.
// A non-positive window selects DefaultReorderWindow.
func NewSequenceCounter(window int) *SequenceCounter {
	if window <= 0 || window > 0x7FFF {
		window = DefaultReorderWindow
	}
	return &SequenceCounter{window: window}
}

// Observe records seq and returns its extended value.
func (c *SequenceCounter) Observe(seq uint16) Observation {
	if !c.started {
		c.start(seq)
		return Observation{Extended: c.highest}
	}

	delta := int(int16(seq - c.last))
	switch {
	case delta > 0:
		if seq < c.last {
			c.cycles++
		}
		c.last = seq
		c.highest = c.cycles<<16 | uint64(seq)
		return Observation{Extended: c.highest, Gap: delta - 1}

	case delta == 0:
		return Observation{Extended: c.highest, Duplicate: true}

	case delta >= -c.window:
		behind := uint64(-delta)
		if behind > c.highest {
			// precedes the first packet ever seen
			return Observation{Extended: 0, Late: true}
		}
		return Observation{Extended: c.highest - behind, Late: true}

	default:
		c.start(seq)
		return Observation{Extended: c.highest, Restart: true}
	}
}

// Highest returns the high-water extended sequence number.
func (c *SequenceCounter) Highest() uint64 {
	return c.highest
}

// Cycles returns how many times the 16-bit sequence space wrapped.
func (c *SequenceCounter) Cycles() uint64 {
	return c.cycles
}

// Reset forgets all state; the next Observe starts a fresh sequence.
func (c *SequenceCounter) Reset() {
	c.started = false
	c.last = 0
	c.cycles = 0
	c.highest = 0
}

func (c *SequenceCounter) start(seq uint16) {
	c.started = true
	c.last = seq
	c.cycles = 0
	c.highest = uint64(seq)
}
