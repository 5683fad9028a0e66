package initiator

import "sync/atomic"

// Counter is a per-connection atomic sequence counter. Counters are owned
// by the Pool and handed to FSMs by reference; no global/process-wide
// counter state exists anywhere in this package (spec §9).
type Counter struct {
	v uint32
}

func NewCounter(initial uint32) *Counter {
	return &Counter{v: initial}
}

func (c *Counter) Load() uint32 {
	return atomic.LoadUint32(&c.v)
}

func (c *Counter) Set(v uint32) {
	atomic.StoreUint32(&c.v, v)
}

// FetchAdd atomically adds delta and returns the pre-increment value,
// i.e. the value to stamp on the PDU being built.
func (c *Counter) FetchAdd(delta uint32) uint32 {
	return atomic.AddUint32(&c.v, delta) - delta
}

// NextITT allocates the next Initiator Task Tag, skipping the two reserved
// values (0 and 0xffffffff) per spec §4.7. ITT uniqueness is only required
// among currently in-flight tasks, so wraparound is not itself an error.
func NextITT(c *Counter) uint32 {
	for {
		v := c.FetchAdd(1)
		if v != 0 && v != 0xffffffff {
			return v
		}
	}
}
