package broadcast

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"mdplane-v1/internal/model"
	"mdplane-v1/internal/ringbuf"
)

const (
	// Kernel receive buffer per socket. Exchange bursts at market open
	// overwhelm the 212 KiB default.
	recvBufBytes = 8 << 20

	maxDatagram    = 64 << 10
	idleParseSleep = 200 * time.Microsecond
)

// PacketParser decodes one datagram and reports how many inner messages
// decoded and how many were malformed.
type PacketParser interface {
	ParsePacket(buf []byte, recvMicros int64) (decoded, errs int)
}

// StateFn observes endpoint lifecycle transitions.
type StateFn func(id model.EndpointID, state model.ConnState, detail string)

// Receiver owns one multicast socket. The socket goroutine stamps the
// receive time and pushes raw datagrams into an SPSC ring; the parse
// goroutine drains it. Packets dropped by a full ring are counted, the
// socket never blocks on parsing.
type Receiver struct {
	id      model.EndpointID
	segment model.Segment
	addr    string
	ifname  string
	parser  PacketParser

	ring *ringbuf.Ring

	mu   sync.Mutex
	conn net.PacketConn
	stop chan struct{}
	wg   sync.WaitGroup

	closed  atomic.Bool
	onState StateFn

	packets   atomic.Uint64
	decoded   atomic.Uint64
	parseErrs atomic.Uint64
	lastRecv  atomic.Int64 // micros
	started   atomic.Int64 // unix seconds
}

// ReceiverStats is a point-in-time counter snapshot.
type ReceiverStats struct {
	Segment      model.Segment
	Endpoint     model.EndpointID
	Address      string
	Packets      uint64
	Decoded      uint64
	ParseErrors  uint64
	RingDrops    uint64
	RingLen      int
	LastActivity time.Time
}

// NewReceiver builds a stopped receiver for one multicast group.
func NewReceiver(id model.EndpointID, segment model.Segment, addr, ifname string, ringSize int, parser PacketParser, onState StateFn) *Receiver {
	return &Receiver{
		id:      id,
		segment: segment,
		addr:    addr,
		ifname:  ifname,
		parser:  parser,
		ring:    ringbuf.New(ringSize),
		onState: onState,
	}
}

// Start joins the multicast group and launches the socket and parse
// goroutines. A bind or join failure surfaces as an Error transition
// and a returned error; nothing is retried here.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	r.setState(model.StateConnecting, "")

	host, port, err := net.SplitHostPort(r.addr)
	if err != nil {
		r.setState(model.StateError, err.Error())
		return fmt.Errorf("receiver %s: bad address %q: %w", r.segment, r.addr, err)
	}
	group := net.ParseIP(host)
	if group == nil || !group.IsMulticast() {
		err := fmt.Errorf("receiver %s: %q is not a multicast group", r.segment, host)
		r.setState(model.StateError, err.Error())
		return err
	}

	conn, err := net.ListenPacket("udp4", ":"+port)
	if err != nil {
		r.setState(model.StateError, err.Error())
		return fmt.Errorf("receiver %s: listen: %w", r.segment, err)
	}
	if uc, ok := conn.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(recvBufBytes); err != nil {
			log.Printf("[broadcast] %s: SetReadBuffer: %v", r.segment, err)
		}
	}

	var ifi *net.Interface
	if r.ifname != "" {
		if ifi, err = net.InterfaceByName(r.ifname); err != nil {
			conn.Close()
			r.setState(model.StateError, err.Error())
			return fmt.Errorf("receiver %s: interface %q: %w", r.segment, r.ifname, err)
		}
	}
	if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		r.setState(model.StateError, err.Error())
		return fmt.Errorf("receiver %s: join %s: %w", r.segment, group, err)
	}

	r.conn = conn
	r.stop = make(chan struct{})
	r.closed.Store(false)
	r.started.Store(time.Now().Unix())
	r.setState(model.StateConnected, "")
	log.Printf("[broadcast] %s: joined %s", r.segment, r.addr)

	r.wg.Add(2)
	go r.readLoop(conn, r.stop)
	go r.parseLoop(r.stop)
	return nil
}

// Stop drops group membership and joins both goroutines. Safe to call
// on a stopped receiver.
func (r *Receiver) Stop() {
	r.mu.Lock()
	conn, stop := r.conn, r.stop
	r.conn, r.stop = nil, nil
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.closed.Store(true)
	close(stop)
	conn.Close()
	r.wg.Wait()
	r.setState(model.StateDisconnected, "")
	log.Printf("[broadcast] %s: stopped", r.segment)
}

// Restart stops and rejoins, surfacing Reconnecting in between.
func (r *Receiver) Restart() error {
	r.Stop()
	r.setState(model.StateReconnecting, "")
	return r.Start()
}

// Stats snapshots the receiver's counters.
func (r *Receiver) Stats() ReceiverStats {
	var last time.Time
	if us := r.lastRecv.Load(); us > 0 {
		last = time.UnixMicro(us)
	}
	return ReceiverStats{
		Segment:      r.segment,
		Endpoint:     r.id,
		Address:      r.addr,
		Packets:      r.packets.Load(),
		Decoded:      r.decoded.Load(),
		ParseErrors:  r.parseErrs.Load(),
		RingDrops:    r.ring.Overflow(),
		RingLen:      r.ring.Len(),
		LastActivity: last,
	}
}

// Running reports whether the socket is open.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

func (r *Receiver) setState(st model.ConnState, detail string) {
	if r.onState != nil {
		r.onState(r.id, st, detail)
	}
}

func (r *Receiver) readLoop(conn net.PacketConn, stop chan struct{}) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
			default:
				if !r.closed.Load() {
					r.setState(model.StateError, err.Error())
					log.Printf("[broadcast] %s: read: %v", r.segment, err)
				}
			}
			return
		}
		if n == 0 {
			continue
		}
		recv := model.NowMicros()
		r.packets.Add(1)
		r.lastRecv.Store(recv)
		data := make([]byte, n)
		copy(data, buf[:n])
		r.ring.Push(ringbuf.Datagram{Data: data, RecvMicros: recv})
	}
}

func (r *Receiver) parseLoop(stop chan struct{}) {
	defer r.wg.Done()
	for {
		d, ok := r.ring.Pop()
		if !ok {
			select {
			case <-stop:
				return
			default:
			}
			time.Sleep(idleParseSleep)
			continue
		}
		dec, errs := r.parser.ParsePacket(d.Data, d.RecvMicros)
		if dec > 0 {
			r.decoded.Add(uint64(dec))
		}
		if errs > 0 {
			r.parseErrs.Add(uint64(errs))
		}
	}
}
