package network

import (
	"bytes"
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
	// broadcastListenPort is where vendor apps listen for hub
	// advertisements; NOTIFY replies are broadcast to it.
	broadcastListenPort = 8100

	// notifyReplyThrottle limits replies per (source, registration).
	notifyReplyThrottle = 2 * time.Second
)

// notifyMagic is the NOTIFY_ME probe: a bare sync pair plus a marker that
// never appears as a framed opcode.
var notifyMagic = []byte{0xA5, 0x5A, 0x00, 0xC1, 0xC0}

// NotifyRegistration describes one advertised hub identity. CallMe is
// invoked when a CALL_ME frame arrives on the shared port and the MAC
// hint matches this registration.
type NotifyRegistration struct {
	ProxyID    string
	Name       string
	HubVersion string
	MAC        [6]byte
	Enabled    func() bool
	CallMe     func(srcIP string, srcPort int, appIP string, appPort int)
}

// NotifyDemuxer answers NOTIFY_ME discovery broadcasts with a frame
// mimicking the real hub's advertisement, so apps scanning the network
// list the proxy as a hub. It shares the rendezvous port with the
// CALL_ME demuxer and routes stray CALL_ME frames by MAC hint.
type NotifyDemuxer struct {
	port   int
	logger zerolog.Logger

	mu        sync.Mutex
	regs      map[string]*NotifyRegistration
	lastReply map[string]time.Time
}

// NewNotifyDemuxer creates a demuxer bound to the rendezvous port.
func NewNotifyDemuxer(port int) *NotifyDemuxer {
	if port == 0 {
		port = defaultHubUDPPort
	}
	return &NotifyDemuxer{
		port:      port,
		logger:    util.ComponentLogger("notify"),
		regs:      make(map[string]*NotifyRegistration),
		lastReply: make(map[string]time.Time),
	}
}

// Register adds a hub identity and returns its removal func.
func (d *NotifyDemuxer) Register(reg NotifyRegistration) func() {
	d.mu.Lock()
	r := reg
	d.regs[reg.ProxyID] = &r
	d.mu.Unlock()
	d.logger.Info().Str("proxy", reg.ProxyID).Msg("registration added")
	return func() {
		d.mu.Lock()
		delete(d.regs, reg.ProxyID)
		d.mu.Unlock()
		d.logger.Info().Str("proxy", reg.ProxyID).Msg("registration removed")
	}
}

// Start runs the listener until ctx is done.
func (d *NotifyDemuxer) Start(ctx context.Context) error {
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

	d.logger.Info().Int("port", d.port).Msg("NOTIFY demuxer listening")

	buf := make([]byte, 2048)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Warn().Err(err).Msg("read error")
			continue
		}
		pkt := buf[:n]
		switch {
		case bytes.Equal(pkt, notifyMagic):
			d.handleNotify(conn, src)
		case isCallMeFrame(pkt):
			d.handleCallMe(pkt, src)
		}
	}
}

func isCallMeFrame(pkt []byte) bool {
	return len(pkt) >= 4 &&
		pkt[0] == protocol.Sync0 && pkt[1] == protocol.Sync1 &&
		uint16(pkt[2])<<8|uint16(pkt[3]) == protocol.OpCallMe
}

// handleNotify broadcasts each enabled identity back toward the prober's
// subnet. Replies go to the app's broadcast listen port, not the probe's
// source port.
func (d *NotifyDemuxer) handleNotify(conn *net.UDPConn, src *net.UDPAddr) {
	d.mu.Lock()
	regs := make([]*NotifyRegistration, 0, len(d.regs))
	for _, r := range d.regs {
		regs = append(regs, r)
	}
	d.mu.Unlock()

	dest := &net.UDPAddr{IP: broadcastIP(src.IP.String()), Port: broadcastListenPort}
	for _, reg := range regs {
		if reg.Enabled != nil && !reg.Enabled() {
			continue
		}
		if d.throttled(src, reg.ProxyID) {
			continue
		}
		reply := BuildNotifyReply(reg.HubVersion, reg.MAC, reg.Name)
		if _, err := conn.WriteToUDP(reply, dest); err != nil {
			d.logger.Warn().Err(err).Str("dest", dest.String()).Msg("NOTIFY reply failed")
			continue
		}
		d.logger.Debug().
			Str("proxy", reg.ProxyID).
			Str("src", src.String()).
			Str("dest", dest.String()).
			Msg("answered NOTIFY_ME")
	}
}

// handleCallMe routes a CALL_ME frame to the registration whose MAC
// matches the frame's hint. A blank hint matches only when a single
// registration exists.
func (d *NotifyDemuxer) handleCallMe(pkt []byte, src *net.UDPAddr) {
	var hint [6]byte
	if len(pkt) >= 10 {
		copy(hint[:], pkt[4:10])
	}
	appIP, appPort, ok := protocol.ParseCallMePayload(pkt)
	if !ok {
		appIP = src.IP
		appPort = uint16(src.Port)
	}

	d.mu.Lock()
	var match *NotifyRegistration
	blank := hint == [6]byte{}
	for _, r := range d.regs {
		if r.MAC == hint || (blank && len(d.regs) == 1) {
			match = r
			break
		}
	}
	d.mu.Unlock()

	if match == nil || match.CallMe == nil {
		return
	}
	if match.Enabled != nil && !match.Enabled() {
		return
	}
	match.CallMe(src.IP.String(), src.Port, appIP.String(), int(appPort))
}

func (d *NotifyDemuxer) throttled(src *net.UDPAddr, proxyID string) bool {
	id := fmt.Sprintf("%s|%s", src.String(), proxyID)
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastReply[id]; ok && now.Sub(last) < notifyReplyThrottle {
		return true
	}
	d.lastReply[id] = now
	return false
}

// Version blocks the real hubs embed in their NOTIFY advertisements.
var (
	notifyVersionX1S = []byte{0x64, 0x02, 0x20, 0x22, 0x11, 0x20, 0x05, 0x01, 0x00}
	notifyVersionX1  = []byte{0x64, 0x01, 0x20, 0x21, 0x06, 0x09, 0x11, 0x00, 0x00}
)

// BuildNotifyReply renders the hub advertisement frame for a NOTIFY_ME
// probe. X1S and X2 hubs use a 0x1D frame with a 14-byte NUL-padded name
// and a fixed 0xBE trailer; the older X1 uses a 0x1A frame with a 12-byte
// name and no trailer.
func BuildNotifyReply(hubVersion string, mac [6]byte, name string) []byte {
	if hubVersion == "x1" {
		out := make([]byte, 0, 2+1+6+1+9+12)
		out = append(out, protocol.Sync0, protocol.Sync1, 0x1A)
		out = append(out, mac[:]...)
		out = append(out, 0x4B)
		out = append(out, notifyVersionX1...)
		out = append(out, padName(name, 12)...)
		return out
	}
	out := make([]byte, 0, 2+1+6+1+9+14+1)
	out = append(out, protocol.Sync0, protocol.Sync1, 0x1D)
	out = append(out, mac[:]...)
	out = append(out, 0x45)
	out = append(out, notifyVersionX1S...)
	out = append(out, padName(name, 14)...)
	out = append(out, 0xBE)
	return out
}

func padName(name string, width int) []byte {
	b := []byte(name)
	if len(b) > width {
		b = b[:width]
	}
	out := make([]byte, width)
	copy(out, b)
	return out
}
