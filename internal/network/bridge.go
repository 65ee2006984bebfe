// Package network owns the proxy's sockets: the claimed hub TCP session,
// the relayed app TCP session, and the UDP rendezvous listeners that let
// either side find the other. The hub only ever dials out to whoever most
// recently advertised a CALL_ME endpoint, so holding the hub session means
// winning that advertisement race and keeping the socket alive.
package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/m3tac0de/x1proxy/internal/protocol"
	"github.com/m3tac0de/x1proxy/internal/util"
)

// Bridge timing defaults.
const (
	defaultHubUDPPort  = 8102
	defaultListenBase  = 8200
	defaultListenTries = 64

	// acceptWindow bounds one advertise cycle: if the hub has not dialed
	// back within it, the claim loop re-advertises on a fresh listener.
	acceptWindow = 5 * time.Second

	// tickInterval drives the engine's idle callback (burst drain and
	// request retries) even when both sockets are quiet.
	tickInterval = 100 * time.Millisecond

	readBufSize = 64 * 1024
)

// BridgeConfig carries the transport settings. Zero values fall back to
// the hub's factory defaults.
type BridgeConfig struct {
	HubIP      string
	HubUDPPort int
	ListenBase int
	MAC        [6]byte

	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration
	KeepAliveCount    int
}

func (c *BridgeConfig) withDefaults() {
	if c.HubUDPPort == 0 {
		c.HubUDPPort = defaultHubUDPPort
	}
	if c.ListenBase == 0 {
		c.ListenBase = defaultListenBase
	}
	if c.KeepAliveIdle == 0 {
		c.KeepAliveIdle = 30 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.KeepAliveCount == 0 {
		c.KeepAliveCount = 3
	}
}

// BridgeHooks are the engine-side callbacks. Data hooks receive the raw
// chunk plus a monotonically increasing chunk id so frame reassembly can
// record which reads a frame spanned.
type BridgeHooks struct {
	HubData  func(data []byte, cid int)
	AppData  func(data []byte, cid int)
	HubState func(connected bool, remote string)
	AppState func(connected bool, remote string)
	Tick     func(now time.Time)
}

// Bridge claims the hub TCP session and relays it to the vendor app.
// Hub-to-app bytes are forwarded as they arrive; app-to-hub bytes are
// buffered and flushed by a single writer so locally issued frames never
// interleave mid-frame with relayed app traffic.
type Bridge struct {
	cfg    BridgeConfig
	hooks  BridgeHooks
	logger zerolog.Logger

	mu      sync.Mutex
	hubConn net.Conn
	appConn net.Conn
	enabled bool

	outMu      sync.Mutex
	localToHub []byte
	appToHub   []byte
	kick       chan struct{}

	chunkID atomic.Int64
	stopped atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge. Claiming starts with Start.
func NewBridge(cfg BridgeConfig, hooks BridgeHooks) *Bridge {
	cfg.withDefaults()
	return &Bridge{
		cfg:     cfg,
		hooks:   hooks,
		logger:  util.ComponentLogger("bridge"),
		enabled: true,
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the claim loop, the hub writer and the idle ticker.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.HubIP == "" {
		return fmt.Errorf("bridge: hub IP not configured")
	}
	ctx, b.cancel = context.WithCancel(ctx)

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		b.claimLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.writerLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.tickLoop(ctx)
	}()

	b.logger.Info().
		Str("hub", b.cfg.HubIP).
		Int("hub_udp_port", b.cfg.HubUDPPort).
		Int("listen_base", b.cfg.ListenBase).
		Msg("transport bridge started")
	return nil
}

// Stop tears down both sessions and waits for the loops to exit.
func (b *Bridge) Stop() {
	if b.stopped.Swap(true) {
		return
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Lock()
	if b.hubConn != nil {
		b.hubConn.Close()
		b.hubConn = nil
	}
	if b.appConn != nil {
		b.appConn.Close()
		b.appConn = nil
	}
	b.mu.Unlock()
	b.wg.Wait()
	b.logger.Info().Msg("transport bridge stopped")
}

// Enable allows new hub claims and rendezvous replies again.
func (b *Bridge) Enable() { b.setEnabled(true) }

// Disable stops new claims without touching an established session. A
// live app relay is never killed by a settings change.
func (b *Bridge) Disable() { b.setEnabled(false) }

func (b *Bridge) setEnabled(v bool) {
	b.mu.Lock()
	b.enabled = v
	b.mu.Unlock()
	b.logger.Info().Bool("enabled", v).Msg("proxy claiming toggled")
}

// Enabled reports whether the bridge may claim the hub session.
func (b *Bridge) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// HubConnected reports whether the hub session is held.
func (b *Bridge) HubConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hubConn != nil
}

// ClientConnected reports whether a vendor app is attached.
func (b *Bridge) ClientConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appConn != nil
}

// SendLocal queues one locally built frame toward the hub. Local frames
// are flushed ahead of relayed app data. Returns false with the frame
// dropped when no hub session is held.
func (b *Bridge) SendLocal(frame []byte) bool {
	b.mu.Lock()
	connected := b.hubConn != nil
	b.mu.Unlock()
	if !connected {
		return false
	}
	b.outMu.Lock()
	b.localToHub = append(b.localToHub, frame...)
	b.outMu.Unlock()
	b.wake()
	return true
}

// ConnectApp dials the endpoint a vendor app advertised via CALL_ME and
// holds it as the app session. A previous app session is replaced.
func (b *Bridge) ConnectApp(ip string, port int) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial app %s: %w", addr, err)
	}
	b.logger.Info().Str("app", addr).Msg("app session established")
	b.adoptAppConn(conn)
	return nil
}

// adoptHubConn installs a freshly accepted hub socket, closing any prior
// one, and starts its reader.
func (b *Bridge) adoptHubConn(ctx context.Context, conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     b.cfg.KeepAliveIdle,
			Interval: b.cfg.KeepAliveInterval,
			Count:    b.cfg.KeepAliveCount,
		})
	}
	b.mu.Lock()
	if b.hubConn != nil && b.hubConn != conn {
		b.hubConn.Close()
	}
	b.hubConn = conn
	b.mu.Unlock()

	remote := conn.RemoteAddr().String()
	b.logger.Info().Str("hub", remote).Msg("hub session claimed")
	if b.hooks.HubState != nil {
		b.hooks.HubState(true, remote)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readHubLoop(ctx, conn)
	}()
}

func (b *Bridge) adoptAppConn(conn net.Conn) {
	b.mu.Lock()
	if b.appConn != nil && b.appConn != conn {
		b.appConn.Close()
	}
	b.appConn = conn
	b.mu.Unlock()

	remote := conn.RemoteAddr().String()
	if b.hooks.AppState != nil {
		b.hooks.AppState(true, remote)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.readAppLoop(conn)
	}()
}

// dropHub clears the hub socket if conn is still the current one. Buffered
// outbound data is discarded: it belongs to a session that no longer
// exists.
func (b *Bridge) dropHub(conn net.Conn) {
	b.mu.Lock()
	current := b.hubConn == conn
	if current {
		b.hubConn = nil
	}
	b.mu.Unlock()
	conn.Close()
	if !current {
		return
	}
	b.outMu.Lock()
	b.localToHub = nil
	b.appToHub = nil
	b.outMu.Unlock()
	b.logger.Info().Msg("hub disconnected")
	if b.hooks.HubState != nil {
		b.hooks.HubState(false, "")
	}
}

func (b *Bridge) dropApp(conn net.Conn) {
	b.mu.Lock()
	current := b.appConn == conn
	if current {
		b.appConn = nil
	}
	b.mu.Unlock()
	conn.Close()
	if !current {
		return
	}
	b.outMu.Lock()
	b.appToHub = nil
	b.outMu.Unlock()
	b.logger.Info().Msg("app disconnected")
	if b.hooks.AppState != nil {
		b.hooks.AppState(false, "")
	}
}

// readHubLoop forwards hub bytes to the app verbatim and hands a copy to
// the engine for decoding.
func (b *Bridge) readHubLoop(ctx context.Context, conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			cid := int(b.chunkID.Add(1))
			data := make([]byte, n)
			copy(data, buf[:n])
			if b.hooks.HubData != nil {
				b.hooks.HubData(data, cid)
			}
			b.mu.Lock()
			app := b.appConn
			b.mu.Unlock()
			if app != nil {
				if _, werr := app.Write(data); werr != nil {
					b.logger.Debug().Err(werr).Msg("relay to app failed")
				}
			}
		}
		if err != nil {
			if ctx.Err() == nil && !b.stopped.Load() {
				b.dropHub(conn)
			}
			return
		}
	}
}

// readAppLoop decodes app bytes for the engine and queues them for the
// hub writer.
func (b *Bridge) readAppLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			cid := int(b.chunkID.Add(1))
			data := make([]byte, n)
			copy(data, buf[:n])
			if b.hooks.AppData != nil {
				b.hooks.AppData(data, cid)
			}
			b.outMu.Lock()
			b.appToHub = append(b.appToHub, data...)
			b.outMu.Unlock()
			b.wake()
		}
		if err != nil {
			if !b.stopped.Load() {
				b.dropApp(conn)
			}
			return
		}
	}
}

func (b *Bridge) wake() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// writerLoop is the single hub writer. Each wake flushes the local
// command queue first, then the relayed app data.
func (b *Bridge) writerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kick:
		}

		b.outMu.Lock()
		local := b.localToHub
		relay := b.appToHub
		b.localToHub = nil
		b.appToHub = nil
		b.outMu.Unlock()
		if len(local) == 0 && len(relay) == 0 {
			continue
		}

		b.mu.Lock()
		hub := b.hubConn
		b.mu.Unlock()
		if hub == nil {
			continue
		}
		if len(local) > 0 {
			if _, err := hub.Write(local); err != nil {
				b.logger.Warn().Err(err).Msg("hub write failed")
				b.dropHub(hub)
				continue
			}
		}
		if len(relay) > 0 {
			if _, err := hub.Write(relay); err != nil {
				b.logger.Warn().Err(err).Msg("hub relay write failed")
				b.dropHub(hub)
			}
		}
	}
}

func (b *Bridge) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if b.hooks.Tick != nil {
				b.hooks.Tick(now)
			}
		}
	}
}

// claimLoop races for the hub's single outbound TCP connection: bind a
// listener near the configured base, tell the hub to call it via CALL_ME,
// and accept. The hub dials whoever advertised last, so losing a cycle
// just means advertising again. Unreachable-hub errors are retried
// forever; the physical hub is sometimes mid-reboot.
func (b *Bridge) claimLoop(ctx context.Context) {
	for ctx.Err() == nil {
		b.mu.Lock()
		idle := !b.enabled || b.hubConn != nil
		b.mu.Unlock()
		if idle {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if !b.claimOnce(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// claimOnce runs one advertise-and-accept cycle. Returns false when the
// cycle failed before reaching the accept wait.
func (b *Bridge) claimOnce(ctx context.Context) bool {
	ln, port, err := claimListener(ctx, b.cfg.ListenBase, defaultListenTries)
	if err != nil {
		b.logger.Warn().Err(err).Msg("claim bind failed")
		return false
	}
	defer ln.Close()

	if err := b.advertise(port); err != nil {
		b.logger.Warn().Err(err).Msg("claim advertisement failed")
		return false
	}

	if tln, ok := ln.(*net.TCPListener); ok {
		tln.SetDeadline(time.Now().Add(acceptWindow))
	}
	conn, err := ln.Accept()
	if err != nil {
		// Timeout or shutdown; the loop re-advertises.
		return true
	}
	b.adoptHubConn(ctx, conn)
	return true
}

// advertise sends the CALL_ME frame carrying our claimed endpoint to the
// hub, unicast plus broadcast. The hub listens for these on its UDP port
// and dials back the most recent advertiser.
func (b *Bridge) advertise(port int) error {
	localIP := routeLocalIP(b.cfg.HubIP)
	frame := protocol.BuildCallMeFrame(b.cfg.MAC, localIP, uint16(port))

	lc := BroadcastListenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("claim advert socket: %w", err)
	}
	defer pc.Close()

	targets := []*net.UDPAddr{
		{IP: net.ParseIP(b.cfg.HubIP), Port: b.cfg.HubUDPPort},
		{IP: broadcastIP(localIP.String()), Port: b.cfg.HubUDPPort},
		{IP: net.IPv4bcast, Port: b.cfg.HubUDPPort},
	}
	var sent int
	for _, addr := range targets {
		if addr.IP == nil {
			continue
		}
		if _, err := pc.WriteTo(frame, addr); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("no CALL_ME advertisement delivered")
	}
	b.logger.Debug().
		Str("local", localIP.String()).
		Int("port", port).
		Msg("advertised claim endpoint")
	return nil
}
