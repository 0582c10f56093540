package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

func newTestDiscovery(selfID string) *LANDiscovery {
	cfg := Config{
		Port:             47299,
		AnnounceInterval: 20 * time.Millisecond,
		PeerTimeout:      60 * time.Millisecond,
	}
	return NewLANDiscovery(cfg, selfID, "test-node", zap.NewNop().Sugar())
}

func TestHandleAnnouncementTracksPeer(t *testing.T) {
	ld := newTestDiscovery("alice")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 47299}

	ld.handleAnnouncement([]byte(`{"id":"bob","name":"Bob","address":"192.168.1.20","port":47299}`), from)

	require.True(t, ld.IsLocalPeer("bob"))
	peers := ld.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "bob", peers[0].ID)
	assert.Equal(t, "192.168.1.20", peers[0].Address)
	assert.True(t, peers[0].Available)
}

func TestHandleAnnouncementIgnoresSelfAndGarbage(t *testing.T) {
	ld := newTestDiscovery("alice")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 47299}

	ld.handleAnnouncement([]byte(`{"id":"alice","address":"192.168.1.5","port":47299}`), from)
	ld.handleAnnouncement([]byte(`{"port":47299}`), from)
	ld.handleAnnouncement([]byte(`not json`), from)

	assert.Empty(t, ld.Peers())
	assert.False(t, ld.IsLocalPeer("alice"))
}

func TestHandleAnnouncementFallsBackToSourceAddress(t *testing.T) {
	ld := newTestDiscovery("alice")
	from := &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: 47299}

	ld.handleAnnouncement([]byte(`{"id":"bob","port":47299}`), from)

	peers := ld.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "10.1.2.3", peers[0].Address)
}

func TestPeerExpiry(t *testing.T) {
	ld := newTestDiscovery("alice")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 47299}

	ld.handleAnnouncement([]byte(`{"id":"bob","address":"192.168.1.20","port":47299}`), from)
	require.True(t, ld.IsLocalPeer("bob"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, ld.IsLocalPeer("bob"))
	assert.Empty(t, ld.Peers())

	ld.prune()
	ld.mu.RLock()
	_, still := ld.peers["bob"]
	ld.mu.RUnlock()
	assert.False(t, still)
}

func TestOnPeerCallback(t *testing.T) {
	ld := newTestDiscovery("alice")
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 47299}

	var seen []domain.LocalPeer
	ld.OnPeer(func(p domain.LocalPeer) { seen = append(seen, p) })

	ld.handleAnnouncement([]byte(`{"id":"bob","address":"192.168.1.20","port":47299}`), from)
	ld.handleAnnouncement([]byte(`{"id":"bob","address":"192.168.1.20","port":47299}`), from)

	require.Len(t, seen, 2)
	assert.Equal(t, "bob", seen[0].ID)
}

func TestIsPrivateIPv4(t *testing.T) {
	assert.True(t, isPrivateIPv4(net.ParseIP("10.0.0.1")))
	assert.True(t, isPrivateIPv4(net.ParseIP("172.16.5.4")))
	assert.True(t, isPrivateIPv4(net.ParseIP("172.31.255.1")))
	assert.True(t, isPrivateIPv4(net.ParseIP("192.168.1.1")))
	assert.False(t, isPrivateIPv4(net.ParseIP("172.32.0.1")))
	assert.False(t, isPrivateIPv4(net.ParseIP("8.8.8.8")))
	assert.False(t, isPrivateIPv4(net.ParseIP("2001:db8::1")))
}

func TestSameSubnet(t *testing.T) {
	assert.True(t, SameSubnet("192.168.1.10", "192.168.1.200"))
	assert.False(t, SameSubnet("192.168.1.10", "192.168.2.10"))
	assert.False(t, SameSubnet("bogus", "192.168.1.1"))
	assert.False(t, SameSubnet("2001:db8::1", "192.168.1.1"))
}
