package channel

import (
	"bufio"
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openrover/groundstation/internal/protocol"
	"github.com/openrover/groundstation/internal/util"
)

// DialFunc opens a transport connection to the endpoint. Overridable for
// tests; the default uses net.Dialer.
type DialFunc func(ep Endpoint, timeout time.Duration) (net.Conn, error)

// Options tunes channel liveness and reconnect behavior.
type Options struct {
	HeartbeatInterval   time.Duration
	HeartbeatMissLimit  int
	DialTimeout         time.Duration
	MaxReconnectBackoff time.Duration
	Dial                DialFunc
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.HeartbeatMissLimit <= 0 {
		o.HeartbeatMissLimit = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.MaxReconnectBackoff <= 0 {
		o.MaxReconnectBackoff = 15 * time.Second
	}
	if o.Dial == nil {
		o.Dial = func(ep Endpoint, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.Dial(ep.Network(), ep.Addr())
		}
	}
	return o
}

// Channel maintains one logical duplex link to a remote endpoint: it keeps
// reconnecting across transient failures, measures round-trip time with
// heartbeat probes, and can inject artificial delay to emulate network
// conditions.
//
// All state transitions happen on a single dispatch goroutine; the observer
// callbacks are invoked from that goroutine in event order. Register
// observers before calling Open.
//
// Delivery is at-most-once: frames sent while disconnected are dropped (and
// logged), never retried. Layers that need acknowledgment implement it on
// top, as the recording handshake does.
type Channel struct {
	ep   Endpoint
	opts Options

	onMessage func([]byte)
	onState   func(State)
	onRTT     func(time.Duration)

	state   atomic.Int32
	rttNano atomic.Int64

	cmds    chan command
	inbound chan inboundFrame
	done    chan struct{}

	opened atomic.Bool
	closed atomic.Bool
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdSetDelay
	cmdClose
)

type command struct {
	kind     cmdKind
	frame    []byte
	outDelay time.Duration
	inDelay  time.Duration
}

type inboundFrame struct {
	gen   int
	frame []byte
	err   error
}

// New creates a channel to the given endpoint. The channel starts Closed;
// call Open to begin connection attempts.
func New(ep Endpoint, opts Options) *Channel {
	c := &Channel{
		ep:      ep,
		opts:    opts.withDefaults(),
		cmds:    make(chan command, 128),
		inbound: make(chan inboundFrame, 128),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateClosed))
	return c
}

// OnMessage registers the consumer for received frames. Frames are delivered
// in reception order, heartbeats excluded.
func (c *Channel) OnMessage(fn func([]byte)) { c.onMessage = fn }

// OnStateChanged registers the consumer for connection state transitions.
func (c *Channel) OnStateChanged(fn func(State)) { c.onState = fn }

// OnRTTChanged registers the consumer for smoothed round-trip-time updates.
func (c *Channel) OnRTTChanged(fn func(time.Duration)) { c.onRTT = fn }

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// RTT returns the current smoothed round-trip-time estimate.
func (c *Channel) RTT() time.Duration { return time.Duration(c.rttNano.Load()) }

// Endpoint returns the remote endpoint the channel was created for.
func (c *Channel) Endpoint() Endpoint { return c.ep }

// Open begins connection attempts. Idempotent while open; a closed channel
// stays closed.
func (c *Channel) Open() {
	if c.closed.Load() {
		util.GetLogger().Warn("open ignored on closed channel", "endpoint", c.ep.String())
		return
	}
	if c.opened.Swap(true) {
		return
	}
	go c.run()
}

// Close releases transport resources. Terminal: the channel cannot be
// reopened, create a new instance instead.
func (c *Channel) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.opened.Load() {
		c.cmds <- command{kind: cmdClose}
		<-c.done
	}
}

// Send enqueues one frame for transmission. Never blocks; when the channel
// is not connected the frame is dropped and logged.
func (c *Channel) Send(frame []byte) {
	if c.State() != StateConnected {
		util.GetLogger().Debug("frame dropped, channel not connected", "endpoint", c.ep.String(), "size", len(frame))
		return
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.cmds <- command{kind: cmdSend, frame: buf}:
	default:
		util.GetLogger().Warn("frame dropped, send queue full", "endpoint", c.ep.String())
	}
}

// SetSimulatedDelay configures artificial per-direction delay. Frames are
// held in a delay queue and released after the duration has elapsed since
// enqueue; ordering and delivery guarantees are unaffected. Heartbeats pass
// through the same queues, so the RTT estimate reflects the simulated
// conditions.
func (c *Channel) SetSimulatedDelay(outbound, inbound time.Duration) {
	select {
	case c.cmds <- command{kind: cmdSetDelay, outDelay: outbound, inDelay: inbound}:
	default:
		util.GetLogger().Warn("simulated delay update dropped, command queue full", "endpoint", c.ep.String())
	}
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	util.GetLogger().Info("channel state changed", "endpoint", c.ep.String(), "state", s.String())
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Channel) setRTT(rtt time.Duration) {
	c.rttNano.Store(int64(rtt))
	if c.onRTT != nil {
		c.onRTT(rtt)
	}
}

// run is the channel's single dispatch goroutine. It owns the connection,
// the delay queues, and every state transition.
func (c *Channel) run() {
	defer close(c.done)
	defer c.setState(StateClosed)

	l := &loop{c: c}
	defer l.teardown()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = c.opts.MaxReconnectBackoff
	bo.MaxElapsedTime = 0 // retry forever until closed

	for {
		if !l.connect(bo) {
			return
		}
		bo.Reset()
		if !l.serve() {
			return
		}
		c.setState(StateDisconnected)
		l.teardown()
		if !l.wait(bo.NextBackOff()) {
			return
		}
	}
}

type loop struct {
	c        *Channel
	gen      int
	conn     net.Conn
	outDelay time.Duration
	inDelay  time.Duration
	outQ     delayQueue
	inQ      delayQueue
	rtt      time.Duration
	awaiting int
	dead     bool
}

// connect keeps dialing until a connection is established. Returns false
// when the channel was closed.
func (l *loop) connect(bo *backoff.ExponentialBackOff) bool {
	l.c.setState(StateConnecting)
	for {
		conn, open := l.dialOnce()
		if !open {
			return false
		}
		if conn != nil {
			l.attach(conn, l.gen)
			return true
		}
		if !l.wait(bo.NextBackOff()) {
			return false
		}
	}
}

// dialOnce runs a single dial attempt while still serving commands. The
// second return is false when the channel was closed mid-attempt.
func (l *loop) dialOnce() (net.Conn, bool) {
	l.gen++
	result := make(chan net.Conn, 1)
	go func() {
		conn, err := l.c.opts.Dial(l.c.ep, l.c.opts.DialTimeout)
		if err != nil {
			util.GetLogger().Debug("dial failed", "endpoint", l.c.ep.String(), "error", err)
			result <- nil
			return
		}
		result <- conn
	}()

	for {
		select {
		case conn := <-result:
			return conn, true
		case cmd := <-l.c.cmds:
			if !l.handleCommandDisconnected(cmd) {
				// A dial may still complete after close; discard it.
				go func() {
					if conn := <-result; conn != nil {
						conn.Close()
					}
				}()
				return nil, false
			}
		case <-l.c.inbound:
			// stale frame from a previous connection
		}
	}
}

// wait sleeps for the backoff delay while still serving commands. Returns
// false when the channel was closed.
func (l *loop) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			return true
		case cmd := <-l.c.cmds:
			if !l.handleCommandDisconnected(cmd) {
				return false
			}
		case <-l.c.inbound:
		}
	}
}

func (l *loop) handleCommandDisconnected(cmd command) bool {
	switch cmd.kind {
	case cmdClose:
		return false
	case cmdSetDelay:
		l.outDelay, l.inDelay = cmd.outDelay, cmd.inDelay
	case cmdSend:
		// raced a disconnect; at-most-once, drop
		util.GetLogger().Debug("frame dropped, channel not connected", "endpoint", l.c.ep.String())
	}
	return true
}

func (l *loop) attach(conn net.Conn, gen int) {
	l.conn = conn
	l.dead = false
	l.awaiting = 0
	l.c.setState(StateConnected)
	go l.read(conn, gen)
}

// read feeds received frames into the dispatch loop. Frames are tagged with
// the connection generation so anything arriving after a reconnect is
// discarded instead of misattributed.
func (l *loop) read(conn net.Conn, gen int) {
	if l.c.ep.Transport == TransportDatagram {
		buf := make([]byte, 65536)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				l.c.inbound <- inboundFrame{gen: gen, err: err}
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			l.c.inbound <- inboundFrame{gen: gen, frame: frame}
		}
	}
	br := bufio.NewReaderSize(conn, 8192)
	for {
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			l.c.inbound <- inboundFrame{gen: gen, err: err}
			return
		}
		l.c.inbound <- inboundFrame{gen: gen, frame: frame}
	}
}

// serve runs the connected phase. Returns true to reconnect, false when the
// channel was closed.
func (l *loop) serve() bool {
	ticker := time.NewTicker(l.c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for !l.dead {
		select {
		case cmd := <-l.c.cmds:
			switch cmd.kind {
			case cmdClose:
				return false
			case cmdSetDelay:
				l.outDelay, l.inDelay = cmd.outDelay, cmd.inDelay
			case cmdSend:
				l.enqueueOut(cmd.frame)
			}
		case in := <-l.c.inbound:
			if in.gen != l.gen {
				continue
			}
			if in.err != nil {
				util.GetLogger().Info("channel transport error", "endpoint", l.c.ep.String(), "error", in.err)
				return true
			}
			l.enqueueIn(in.frame)
		case <-l.outQ.timerC():
			for _, frame := range l.outQ.popReady(time.Now()) {
				l.write(frame)
			}
		case <-l.inQ.timerC():
			for _, frame := range l.inQ.popReady(time.Now()) {
				l.deliver(frame)
			}
		case <-ticker.C:
			if l.awaiting >= l.c.opts.HeartbeatMissLimit {
				util.GetLogger().Info("heartbeat timeout", "endpoint", l.c.ep.String(), "missed", l.awaiting)
				return true
			}
			l.awaiting++
			probe := protocol.Encode(protocol.Heartbeat{SentUnixNano: time.Now().UnixNano()})
			l.enqueueOut(probe)
		}
	}
	return true
}

func (l *loop) enqueueOut(frame []byte) {
	if l.outDelay <= 0 && l.outQ.empty() {
		l.write(frame)
		return
	}
	l.outQ.push(frame, time.Now().Add(l.outDelay))
}

func (l *loop) enqueueIn(frame []byte) {
	if l.inDelay <= 0 && l.inQ.empty() {
		l.deliver(frame)
		return
	}
	l.inQ.push(frame, time.Now().Add(l.inDelay))
}

func (l *loop) write(frame []byte) {
	if l.dead || l.conn == nil {
		return
	}
	var err error
	if l.c.ep.Transport == TransportDatagram {
		_, err = l.conn.Write(frame)
	} else {
		err = protocol.WriteFrame(l.conn, frame)
	}
	if err != nil {
		util.GetLogger().Info("channel write failed", "endpoint", l.c.ep.String(), "error", err)
		l.dead = true
	}
}

// deliver hands one received frame to the consumer. Heartbeats are handled
// here and never surfaced.
func (l *loop) deliver(frame []byte) {
	if len(frame) >= 4 && protocol.Tag(binary.LittleEndian.Uint32(frame[:4])) == protocol.TagHeartbeat {
		msg, err := protocol.Decode(frame)
		if err != nil {
			util.GetLogger().Warn("malformed heartbeat dropped", "endpoint", l.c.ep.String(), "error", err)
			return
		}
		l.handleHeartbeat(msg.(protocol.Heartbeat))
		return
	}
	if l.c.onMessage != nil {
		l.c.onMessage(frame)
	}
}

func (l *loop) handleHeartbeat(hb protocol.Heartbeat) {
	if !hb.Echo {
		// peer probe: reflect it with the timestamp untouched
		l.enqueueOut(protocol.Encode(protocol.Heartbeat{Echo: true, SentUnixNano: hb.SentUnixNano}))
		return
	}
	l.awaiting = 0
	sample := time.Duration(time.Now().UnixNano() - hb.SentUnixNano)
	if sample < 0 {
		return
	}
	// Exponential moving average, alpha 0.2: probes are jittery, the
	// estimate should not be.
	if l.rtt == 0 {
		l.rtt = sample
	} else {
		l.rtt = (l.rtt*4 + sample) / 5
	}
	l.c.setRTT(l.rtt)
}

func (l *loop) teardown() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.outQ.clear()
	l.inQ.clear()
}
