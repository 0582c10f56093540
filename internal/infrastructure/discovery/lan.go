// Package discovery finds co-located peers over UDP broadcast so calls
// on the same network can skip STUN/TURN entirely.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// announcement is the broadcast payload. Kept small on purpose.
type announcement struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// Config tunes announce cadence and peer expiry.
type Config struct {
	Port             int
	AnnounceInterval time.Duration
	PeerTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:             47200,
		AnnounceInterval: 5 * time.Second,
		PeerTimeout:      15 * time.Second,
	}
}

// LANDiscovery broadcasts presence on the local subnet and tracks
// peers heard from. Entries expire after the peer timeout.
type LANDiscovery struct {
	cfg    Config
	selfID string
	name   string
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	enabled  bool
	selfIP   string
	conn     net.PacketConn
	peers    map[string]domain.LocalPeer
	onPeer   func(domain.LocalPeer)
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewLANDiscovery(cfg Config, selfID, name string, logger *zap.SugaredLogger) *LANDiscovery {
	if cfg.Port == 0 {
		cfg = DefaultConfig()
	}
	return &LANDiscovery{
		cfg:      cfg,
		selfID:   selfID,
		name:     name,
		logger:   logger,
		peers:    make(map[string]domain.LocalPeer),
		stopChan: make(chan struct{}),
	}
}

// OnPeer registers a callback invoked for every announcement heard
// from another instance, including refreshes.
func (ld *LANDiscovery) OnPeer(fn func(domain.LocalPeer)) {
	ld.mu.Lock()
	ld.onPeer = fn
	ld.mu.Unlock()
}

// Start resolves the local address, opens the broadcast socket and
// launches the announce and receive loops.
func (ld *LANDiscovery) Start(ctx context.Context) error {
	ld.mu.Lock()
	if ld.enabled {
		ld.mu.Unlock()
		return nil
	}

	selfIP, err := LocalIPAddress(ctx)
	if err != nil {
		ld.logger.Warnw("local address detection failed, announcements carry no address", "error", err)
		selfIP = ""
	}
	ld.selfIP = selfIP

	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", ld.cfg.Port))
	if err != nil {
		ld.mu.Unlock()
		return fmt.Errorf("failed to open discovery socket: %w", err)
	}
	ld.conn = conn
	ld.enabled = true
	ld.stopChan = make(chan struct{})
	ld.mu.Unlock()

	ld.wg.Add(2)
	go ld.announceLoop()
	go ld.receiveLoop()

	ld.logger.Infow("lan discovery started", "port", ld.cfg.Port, "self_ip", selfIP)
	return nil
}

// Stop halts the loops and closes the socket.
func (ld *LANDiscovery) Stop() {
	ld.mu.Lock()
	if !ld.enabled {
		ld.mu.Unlock()
		return
	}
	ld.enabled = false
	close(ld.stopChan)
	if ld.conn != nil {
		ld.conn.Close()
		ld.conn = nil
	}
	ld.mu.Unlock()

	ld.wg.Wait()
	ld.logger.Infow("lan discovery stopped")
}

func (ld *LANDiscovery) announceLoop() {
	defer ld.wg.Done()

	ticker := time.NewTicker(ld.cfg.AnnounceInterval)
	defer ticker.Stop()

	ld.announce()
	for {
		select {
		case <-ticker.C:
			ld.announce()
			ld.prune()
		case <-ld.stopChan:
			return
		}
	}
}

func (ld *LANDiscovery) announce() {
	ld.mu.RLock()
	conn := ld.conn
	payload := announcement{
		ID:      ld.selfID,
		Name:    ld.name,
		Address: ld.selfIP,
		Port:    ld.cfg.Port,
	}
	port := ld.cfg.Port
	ld.mu.RUnlock()

	if conn == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	if _, err := conn.WriteTo(data, addr); err != nil {
		ld.logger.Debugw("broadcast failed", "error", err)
	}
}

func (ld *LANDiscovery) receiveLoop() {
	defer ld.wg.Done()

	buffer := make([]byte, 1024)
	for {
		select {
		case <-ld.stopChan:
			return
		default:
		}

		ld.mu.RLock()
		conn := ld.conn
		ld.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-ld.stopChan:
				return
			default:
				continue
			}
		}
		ld.handleAnnouncement(buffer[:n], addr)
	}
}

func (ld *LANDiscovery) handleAnnouncement(data []byte, addr net.Addr) {
	var ann announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		return
	}
	if ann.ID == "" || ann.ID == ld.selfID {
		return
	}

	address := ann.Address
	if address == "" {
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			address = udpAddr.IP.String()
		}
	}

	peer := domain.LocalPeer{
		ID:        ann.ID,
		Name:      ann.Name,
		Address:   address,
		Port:      ann.Port,
		LastSeen:  time.Now(),
		Available: true,
	}

	ld.mu.Lock()
	_, known := ld.peers[peer.ID]
	ld.peers[peer.ID] = peer
	callback := ld.onPeer
	ld.mu.Unlock()

	if !known {
		ld.logger.Infow("discovered lan peer", "peer_id", peer.ID, "address", peer.Address)
	}
	if callback != nil {
		callback(peer)
	}
}

func (ld *LANDiscovery) prune() {
	now := time.Now()
	ld.mu.Lock()
	for id, peer := range ld.peers {
		if peer.Expired(now, ld.cfg.PeerTimeout) {
			delete(ld.peers, id)
			ld.logger.Infow("lan peer expired", "peer_id", id)
		}
	}
	ld.mu.Unlock()
}

// Peers returns the live peer table.
func (ld *LANDiscovery) Peers() []domain.LocalPeer {
	now := time.Now()
	ld.mu.RLock()
	defer ld.mu.RUnlock()

	out := make([]domain.LocalPeer, 0, len(ld.peers))
	for _, peer := range ld.peers {
		if !peer.Expired(now, ld.cfg.PeerTimeout) {
			out = append(out, peer)
		}
	}
	return out
}

// IsLocalPeer reports whether the user was recently seen on the LAN.
func (ld *LANDiscovery) IsLocalPeer(userID string) bool {
	ld.mu.RLock()
	peer, ok := ld.peers[userID]
	ld.mu.RUnlock()
	return ok && !peer.Expired(time.Now(), ld.cfg.PeerTimeout)
}

// LocalIPAddress finds this machine's private address by letting a
// throwaway peer connection gather host candidates. No STUN or TURN
// servers are involved.
func LocalIPAddress(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", fmt.Errorf("failed to create probe connection: %w", err)
	}
	defer pc.Close()

	found := make(chan string, 4)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if ip := net.ParseIP(c.Address); ip != nil && isPrivateIPv4(ip) {
			select {
			case found <- c.Address:
			default:
			}
		}
	})

	if _, err := pc.CreateDataChannel("probe", nil); err != nil {
		return "", fmt.Errorf("failed to create probe channel: %w", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create probe offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to start candidate gathering: %w", err)
	}

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no private address found: %w", ctx.Err())
	}
}

// isPrivateIPv4 matches RFC1918 ranges.
func isPrivateIPv4(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	default:
		return false
	}
}

// SameSubnet reports whether two IPv4 addresses share a /24 prefix,
// the heuristic used to flag a call as local.
func SameSubnet(a, b string) bool {
	ipA := net.ParseIP(a)
	ipB := net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return false
	}
	v4A, v4B := ipA.To4(), ipB.To4()
	if v4A == nil || v4B == nil {
		return false
	}
	return v4A[0] == v4B[0] && v4A[1] == v4B[1] && v4A[2] == v4B[2]
}
