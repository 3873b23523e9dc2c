// Package ingest receives MPEG-TS over UDP, one Receiver per configured
// source. Multicast groups are auto-detected from the address; reads carry
// a 1 s deadline and three consecutive timeouts close and reopen the
// socket, clearing stale multicast joins and surviving interface flaps.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tellyhubcloud/ingestcore/internal/mpegts"
	"github.com/tellyhubcloud/ingestcore/signalbus"
)

const (
	readTimeout     = time.Second
	reopenThreshold = 3

	// maxDatagram covers the largest sane TS burst per datagram (jumbo
	// frames carry at most 48 packets).
	maxDatagram = 48 * mpegts.PacketSize
)

// Source describes one UDP input.
type Source struct {
	Index int
	Addr  string // "IP:port"
	Iface string // interface name, e.g. "lo" or "eth0"
}

// IsMulticast reports whether the source address is a multicast group,
// detected from the first octet (≥ 224).
func (s Source) IsMulticast() (bool, error) {
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return false, fmt.Errorf("ingest: parsing source address %q: %w", s.Addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false, fmt.Errorf("ingest: invalid source IP %q", host)
	}
	v4 := ip.To4()
	if v4 == nil {
		return false, fmt.Errorf("ingest: source %q is not IPv4", host)
	}
	return v4[0] >= 224, nil
}

// Receiver reads UDP datagrams for one source and writes them to a sink
// (typically the write end of a pipe feeding that source's TS demuxer).
type Receiver struct {
	log *slog.Logger
	bus *signalbus.Bus

	src  Source
	sink io.Writer

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	locked        atomic.Bool

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewReceiver creates a Receiver writing received datagrams to sink.
func NewReceiver(log *slog.Logger, bus *signalbus.Bus, src Source, sink io.Writer) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{
		log:  log.With("component", "ingest", "source", src.Index, "addr", src.Addr),
		bus:  bus,
		src:  src,
		sink: sink,
	}
}

// Stats returns the byte and datagram counters.
func (r *Receiver) Stats() (bytes, reads int64) {
	return r.bytesReceived.Load(), r.readCount.Load()
}

// Locked reports whether the receiver currently has signal.
func (r *Receiver) Locked() bool { return r.locked.Load() }

func (r *Receiver) open() (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", r.src.Addr)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolving %q: %w", r.src.Addr, err)
	}

	multicast, err := r.src.IsMulticast()
	if err != nil {
		return nil, err
	}

	var conn *net.UDPConn
	if multicast {
		var ifi *net.Interface
		if r.src.Iface != "" {
			ifi, err = net.InterfaceByName(r.src.Iface)
			if err != nil {
				return nil, fmt.Errorf("ingest: interface %q: %w", r.src.Iface, err)
			}
		}
		conn, err = net.ListenMulticastUDP("udp4", ifi, addr)
	} else {
		conn, err = net.ListenUDP("udp4", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: listening on %q: %w", r.src.Addr, err)
	}
	return conn, nil
}

// Run receives datagrams until ctx is cancelled. Listen failures are
// reported on the signal bus as ERROR_IP and returned: a source that cannot
// bind is an invalid configuration, not a transient fault.
func (r *Receiver) Run(ctx context.Context) error {
	conn, err := r.open()
	if err != nil {
		r.bus.Emit(signalbus.Event{
			Kind:    signalbus.ErrorIP,
			Message: err.Error(),
			Source:  "ingest[" + strconv.Itoa(r.src.Index) + "]",
		})
		return err
	}
	r.setConn(conn)
	defer r.closeConn()

	go func() {
		<-ctx.Done()
		r.closeConn()
	}()

	buf := make([]byte, maxDatagram)
	timeouts := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn := r.getConn()
		if conn == nil {
			return nil
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				timeouts++
				if r.locked.CompareAndSwap(true, false) {
					r.bus.Emit(signalbus.Event{
						Kind:    signalbus.NoInputSignal,
						Message: "no input signal on " + r.src.Addr,
						Source:  "ingest[" + strconv.Itoa(r.src.Index) + "]",
					})
				}
				if timeouts >= reopenThreshold {
					timeouts = 0
					r.reopen()
				}
				continue
			}
			// Closed from cancellation path or a hard socket error; retry
			// via reopen unless we are shutting down.
			r.reopen()
			continue
		}
		timeouts = 0

		if n == 0 || n%mpegts.PacketSize != 0 {
			r.bus.Emit(signalbus.Event{
				Kind:    signalbus.MalformedData,
				Message: fmt.Sprintf("datagram size %d not a multiple of %d", n, mpegts.PacketSize),
				Source:  "ingest[" + strconv.Itoa(r.src.Index) + "]",
			})
			continue
		}

		if r.locked.CompareAndSwap(false, true) {
			r.bus.Emit(signalbus.Event{
				Kind:    signalbus.InputSignalLocked,
				Message: "input signal locked on " + r.src.Addr,
				Source:  "ingest[" + strconv.Itoa(r.src.Index) + "]",
			})
		}

		r.bytesReceived.Add(int64(n))
		r.readCount.Add(1)

		if _, err := r.sink.Write(buf[:n]); err != nil {
			// The demux side of the pipe is gone; nothing more to deliver.
			return nil
		}
	}
}

func (r *Receiver) setConn(c *net.UDPConn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

func (r *Receiver) getConn() *net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Receiver) closeConn() {
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
}

func (r *Receiver) reopen() {
	r.closeConn()
	conn, err := r.open()
	if err != nil {
		r.log.Warn("failed to reopen socket", "error", err)
		time.Sleep(readTimeout)
		return
	}
	r.log.Info("socket reopened after stall")
	r.setConn(conn)
}
