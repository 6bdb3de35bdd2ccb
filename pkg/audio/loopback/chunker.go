package loopback

import "sync/atomic"

// chunker regroups the arbitrarily sized buffers delivered by the device
// callback into fixed periods. write is only ever called from the audio
// thread; read happens on the capture goroutine through out.
type chunker struct {
	periodBytes int
	buf         []byte
	out         chan []byte

	// overruns counts periods discarded because the reader fell behind.
	overruns atomic.Uint64
}

func newChunker(periodBytes, depth int) *chunker {
	return &chunker{
		periodBytes: periodBytes,
		buf:         make([]byte, 0, periodBytes),
		out:         make(chan []byte, depth),
	}
}

// write appends p and emits every completed period. It never blocks: when
// the reader is behind, the oldest queued period is discarded.
func (c *chunker) write(p []byte) {
	for len(p) > 0 {
		n := min(c.periodBytes-len(c.buf), len(p))
		c.buf = append(c.buf, p[:n]...)
		p = p[n:]
		if len(c.buf) == c.periodBytes {
			c.emit(c.buf)
			c.buf = make([]byte, 0, c.periodBytes)
		}
	}
}

func (c *chunker) emit(period []byte) {
	select {
	case c.out <- period:
		return
	default:
	}
	select {
	case <-c.out:
		c.overruns.Add(1)
	default:
	}
	select {
	case c.out <- period:
	default:
		c.overruns.Add(1)
	}
}
