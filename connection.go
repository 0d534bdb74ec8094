package redis

import (
	"net"
	"sync"
)

// readBufferSize is a conservative IPv6 path MSS: the 1280 byte IPv6
// minimum MTU minus a 40 byte IP header minus a 32 byte TCP header with
// timestamps. Reads are not required to fit in one MTU, but sizing the
// read buffer to it keeps small replies (the overwhelming majority) to a
// single syscall without over-allocating.
const readBufferSize = 1208

// connection pairs a live net.Conn with its own Decoder, and runs a
// reader and a writer goroutine so that neither a slow Read nor the
// socket's write buffer ever blocks the owning actor goroutine. write
// hands a frame to an in-memory queue and returns immediately; writeLoop
// drains that queue and is the only goroutine that ever calls
// netConn.Write, which keeps frames in submission order on the wire (the
// same order the FIFO was appended in).
type connection struct {
	netConn net.Conn
	dec     *Decoder

	repliesCh chan []Reply
	errCh     chan error

	writeMu  sync.Mutex
	writeBuf [][]byte
	writeSig chan struct{}

	closeOnce sync.Once
}

func newConnection(nc net.Conn) *connection {
	cn := &connection{
		netConn:   nc,
		dec:       NewDecoder(),
		repliesCh: make(chan []Reply, 16),
		errCh:     make(chan error, 2),
		writeSig:  make(chan struct{}, 1),
	}
	go cn.readLoop()
	go cn.writeLoop()
	return cn
}

// write queues b for the writer goroutine and returns without blocking,
// regardless of how far behind the writer is or whether the connection
// has already failed: the actor must never suspend on a socket write.
func (cn *connection) write(b []byte) {
	cn.writeMu.Lock()
	cn.writeBuf = append(cn.writeBuf, b)
	cn.writeMu.Unlock()

	select {
	case cn.writeSig <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine that touches netConn.Write. It wakes on
// writeSig, drains every frame queued so far, and goes back to waiting.
// On the first Write error it reports the error and returns without
// draining further — any frames still queued are simply abandoned, since
// the connection that would have carried them is already dead.
func (cn *connection) writeLoop() {
	for range cn.writeSig {
		for {
			cn.writeMu.Lock()
			if len(cn.writeBuf) == 0 {
				cn.writeMu.Unlock()
				break
			}
			b := cn.writeBuf[0]
			cn.writeBuf = cn.writeBuf[1:]
			cn.writeMu.Unlock()

			if _, err := cn.netConn.Write(b); err != nil {
				cn.reportErr(err)
				return
			}
		}
	}
}

func (cn *connection) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := cn.netConn.Read(buf)
		if n > 0 {
			replies, derr := cn.dec.Feed(buf[:n])
			if derr != nil {
				cn.reportErr(derr)
				return
			}
			if len(replies) > 0 {
				cn.repliesCh <- replies
			}
		}
		if err != nil {
			cn.reportErr(err)
			return
		}
	}
}

func (cn *connection) reportErr(err error) {
	select {
	case cn.errCh <- err:
	default:
	}
}

// close shuts down the socket and stops the writer goroutine. The reader
// goroutine observes the resulting Read error and exits on its own. Safe
// to call more than once.
func (cn *connection) close() {
	cn.closeOnce.Do(func() {
		cn.netConn.Close()
		close(cn.writeSig)
	})
}
