package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/util"
)

const (
	// callMeReplyThrottle limits identity replies per app endpoint and
	// registration. The app repeats its broadcast several times a second.
	callMeReplyThrottle = 1500 * time.Millisecond

	// callMeLingerAfterConnect keeps the listener up briefly once a
	// client session exists, then releases the bound port.
	callMeLingerAfterConnect = 30 * time.Second
)

// CallMeRegistration describes one proxy identity served by the demuxer.
// UDPPort is read per reply because the claimed port moves between claim
// cycles. Connect is invoked with the app endpoint embedded in the frame.
type CallMeRegistration struct {
	Key     string
	Name    string
	MAC     [6]byte
	UDPPort func() int
	Connect func(appIP string, appPort int)
	Enabled func() bool
}

// CallMeDemuxer answers CALL_ME broadcasts from vendor apps on the
// rendezvous port. Each valid frame is fanned out to every enabled
// registration: the registration dials the app back and replies with its
// own MAC+IP+port identity so the app knows who answered.
type CallMeDemuxer struct {
	port   int
	logger zerolog.Logger

	mu        sync.Mutex
	regs      map[string]*CallMeRegistration
	lastReply map[string]time.Time
	stopAt    time.Time

	resume chan struct{}
}

// NewCallMeDemuxer creates a demuxer for the given UDP port (the hub's
// rendezvous port, normally 8102).
func NewCallMeDemuxer(port int) *CallMeDemuxer {
	if port == 0 {
		port = defaultHubUDPPort
	}
	return &CallMeDemuxer{
		port:      port,
		logger:    util.ComponentLogger("callme"),
		regs:      make(map[string]*CallMeRegistration),
		lastReply: make(map[string]time.Time),
		resume:    make(chan struct{}, 1),
	}
}

// Register adds a proxy identity and returns its removal func.
func (d *CallMeDemuxer) Register(reg CallMeRegistration) func() {
	d.mu.Lock()
	r := reg
	d.regs[reg.Key] = &r
	d.mu.Unlock()
	d.logger.Info().Str("key", reg.Key).Msg("registration added")
	return func() {
		d.mu.Lock()
		delete(d.regs, reg.Key)
		d.mu.Unlock()
		d.logger.Info().Str("key", reg.Key).Msg("registration removed")
	}
}

// MarkClientConnected starts the linger countdown. Once an app session is
// up, answering further rendezvous broadcasts only wastes the port.
func (d *CallMeDemuxer) MarkClientConnected() {
	d.mu.Lock()
	d.stopAt = time.Now().Add(callMeLingerAfterConnect)
	d.mu.Unlock()
}

// MarkClientDisconnected cancels the linger countdown and rebinds the
// listener if it was already released.
func (d *CallMeDemuxer) MarkClientDisconnected() {
	d.mu.Lock()
	d.stopAt = time.Time{}
	d.mu.Unlock()
	select {
	case d.resume <- struct{}{}:
	default:
	}
}

func (d *CallMeDemuxer) lingerExpired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.stopAt.IsZero() && time.Now().After(d.stopAt)
}

// Start runs the listener until ctx is done. While a client session
// lingers the bound port is released and reacquired on disconnect.
func (d *CallMeDemuxer) Start(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := d.serve(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn().Err(err).Msg("listener error, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		// Released due to client linger; wait for the session to end.
		select {
		case <-ctx.Done():
			return nil
		case <-d.resume:
		}
	}
	return nil
}

// serve binds and answers until ctx is done (error nil) or the linger
// window expires (also nil, with the socket released).
func (d *CallMeDemuxer) serve(ctx context.Context) error {
	lc := SharedUDPListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", d.port))
	if err != nil {
		return fmt.Errorf("bind rendezvous port %d: %w", d.port, err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	d.logger.Info().Int("port", d.port).Msg("CALL_ME demuxer listening")

	buf := make([]byte, 2048)
	for {
		if d.lingerExpired() {
			d.logger.Info().Msg("client session active, releasing rendezvous port")
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.handlePacket(conn, buf[:n], src)
	}
}

func (d *CallMeDemuxer) handlePacket(conn *net.UDPConn, pkt []byte, src *net.UDPAddr) {
	if len(pkt) < 16 || pkt[0] != protocol.Sync0 || pkt[1] != protocol.Sync1 {
		return
	}
	if uint16(pkt[2])<<8|uint16(pkt[3]) != protocol.OpCallMe {
		return
	}
	appIP, appPort, ok := protocol.ParseCallMePayload(pkt)
	if !ok {
		appIP = src.IP
		appPort = uint16(src.Port)
	}

	d.mu.Lock()
	regs := make([]*CallMeRegistration, 0, len(d.regs))
	for _, r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()

	for _, reg := range regs {
		if reg.Enabled != nil && !reg.Enabled() {
			continue
		}
		if d.throttled(appIP.String(), int(appPort), reg.Key) {
			continue
		}
		d.logger.Info().
			Str("key", reg.Key).
			Str("app", fmt.Sprintf("%s:%d", appIP, appPort)).
			Str("src", src.String()).
			Msg("CALL_ME received")

		if reg.Connect != nil {
			reg.Connect(appIP.String(), int(appPort))
		}

		port := 0
		if reg.UDPPort != nil {
			port = reg.UDPPort()
		}
		reply := protocol.BuildCallMeFrame(reg.MAC, routeLocalIP(src.IP.String()), uint16(port))
		dst := &net.UDPAddr{IP: appIP, Port: int(appPort)}
		if _, err := conn.WriteToUDP(reply, dst); err != nil {
			d.logger.Warn().Err(err).Str("app", dst.String()).Msg("identity reply failed")
		}
	}
}

// throttled records and checks the per-(endpoint, registration) reply
// window.
func (d *CallMeDemuxer) throttled(appIP string, appPort int, key string) bool {
	id := fmt.Sprintf("%s:%d|%s", appIP, appPort, key)
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastReply[id]; ok && now.Sub(last) < callMeReplyThrottle {
		return true
	}
	d.lastReply[id] = now
	return false
}
