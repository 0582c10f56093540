package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

func newTestMinimizer() *Minimizer {
	return NewMinimizer(DefaultMinimizerConfig(), zap.NewNop().Sugar())
}

func TestKeyCompressionRoundTrip(t *testing.T) {
	payload := map[string]interface{}{
		"type":    "offer",
		"call_id": "call_42",
		"payload": map[string]interface{}{
			"sdp": "v=0\r\n",
			"candidate": map[string]interface{}{
				"candidate":     "candidate:1 1 udp 2130706431 10.0.0.2 54321 typ host",
				"sdpMid":        "0",
				"sdpMLineIndex": float64(0),
			},
			"extras": []interface{}{
				map[string]interface{}{"sdp": "nested", "unknown_key": "stays"},
				"plain string",
				float64(7),
			},
		},
	}

	compressed := CompressKeys(payload).(map[string]interface{})
	assert.Contains(t, compressed, "t")
	assert.Contains(t, compressed, "c")
	assert.NotContains(t, compressed, "type")

	inner := compressed["p"].(map[string]interface{})
	assert.Contains(t, inner, "s")
	nested := inner["cd"].(map[string]interface{})
	assert.Contains(t, nested, "m")
	assert.Contains(t, nested, "i")

	restored := ExpandKeys(compressed)
	assert.Equal(t, payload, restored)
}

func TestKeyCompressionEscapesCollidingKeys(t *testing.T) {
	payload := map[string]interface{}{
		"s":  "a literal short key, not an sdp",
		"~s": "already carries the escape prefix",
		"payload": map[string]interface{}{
			"t":   "nested collision",
			"sdp": "v=0\r\n",
		},
	}

	compressed := CompressKeys(payload).(map[string]interface{})
	assert.Contains(t, compressed, "~s")
	assert.Contains(t, compressed, "~~s")

	restored := ExpandKeys(compressed)
	assert.Equal(t, payload, restored)
}

func TestEncodeDecodePreservesCollidingPayloadKeys(t *testing.T) {
	m := newTestMinimizer()
	env := &domain.SignalEnvelope{
		ID:        "sig_esc",
		Type:      domain.SignalCandidate,
		CallID:    "call_1",
		FromUser:  "alice",
		ToUser:    "bob",
		CreatedAt: time.Now(),
		Payload: map[string]interface{}{
			"s":  "not an sdp",
			"cd": "not a candidate",
		},
	}

	// below the threshold, so the compressed form goes on the wire
	data, err := m.Encode(env, 50)
	require.NoError(t, err)

	decoded, err := m.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.Payload, decoded.Payload)
}

func TestEncodeDecodeEnvelope(t *testing.T) {
	m := newTestMinimizer()
	env := &domain.SignalEnvelope{
		ID:        "sig_1",
		Type:      domain.SignalOffer,
		CallID:    "call_1",
		FromUser:  "alice",
		ToUser:    "bob",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   map[string]interface{}{"sdp": "v=0\r\ns=-\r\n"},
	}

	t.Run("compressed below threshold", func(t *testing.T) {
		data, err := m.Encode(env, 50)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"t":"offer"`)
		assert.NotContains(t, string(data), `"type"`)

		decoded, err := m.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env.ID, decoded.ID)
		assert.Equal(t, env.Type, decoded.Type)
		assert.Equal(t, env.CallID, decoded.CallID)
		assert.Equal(t, env.FromUser, decoded.FromUser)
		assert.Equal(t, env.ToUser, decoded.ToUser)
		assert.True(t, env.CreatedAt.Equal(decoded.CreatedAt))
		assert.Equal(t, env.Payload, decoded.Payload)
	})

	t.Run("uncompressed at full bandwidth", func(t *testing.T) {
		data, err := m.Encode(env, 5000)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"offer"`)

		decoded, err := m.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, env.CallID, decoded.CallID)
	})

	t.Run("unknown bandwidth stays uncompressed", func(t *testing.T) {
		data, err := m.Encode(env, 0)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type"`)
	})
}

const testSDP = "v=0\r\n" +
	"o=- 123 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"a=extmap-allow-mixed\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=rtcp-fb:111 transport-cc\r\n" +
	"a=ice-ufrag:abcd\r\n" +
	"a=ice-pwd:efgh\r\n" +
	"a=fingerprint:sha-256 AA:BB\r\n" +
	"a=setup:actpass\r\n" +
	"a=mid:0\r\n" +
	"a=rtcp-mux\r\n" +
	"a=msid:stream track\r\n" +
	"a=ssrc:1234 cname:test\r\n" +
	"a=sendrecv\r\n"

func TestPruneSDP(t *testing.T) {
	m := newTestMinimizer()

	t.Run("untouched at normal and above", func(t *testing.T) {
		assert.Equal(t, testSDP, m.PruneSDP(testSDP, domain.ModeNormal))
		assert.Equal(t, testSDP, m.PruneSDP(testSDP, domain.ModeHigh))
	})

	t.Run("drops extmap and rtcp-fb at low", func(t *testing.T) {
		pruned := m.PruneSDP(testSDP, domain.ModeLow)
		assert.NotContains(t, pruned, "a=extmap")
		assert.NotContains(t, pruned, "a=rtcp-fb")
		assert.Contains(t, pruned, "a=rtpmap:111 opus")
		assert.Contains(t, pruned, "a=fmtp:111")
		assert.Contains(t, pruned, "a=ice-ufrag:abcd")
		assert.Contains(t, pruned, "a=fingerprint:sha-256")
		assert.Contains(t, pruned, "a=msid:stream track")
		assert.Contains(t, pruned, "m=audio")
		assert.Contains(t, pruned, "c=IN IP4")
	})

	t.Run("drops msid and ssrc at ultra low", func(t *testing.T) {
		pruned := m.PruneSDP(testSDP, domain.ModeUltraLow)
		assert.NotContains(t, pruned, "a=msid")
		assert.NotContains(t, pruned, "a=ssrc")
		assert.Contains(t, pruned, "a=rtpmap:111 opus")
		assert.Contains(t, pruned, "a=setup:actpass")
		assert.Contains(t, pruned, "a=mid:0")
	})

	t.Run("never drops structural lines", func(t *testing.T) {
		pruned := m.PruneSDP(testSDP, domain.ModeUltraLow)
		for _, prefix := range []string{"v=", "o=", "s=", "t=", "m=", "c="} {
			assert.True(t, strings.Contains(pruned, prefix), "missing %q lines", prefix)
		}
	})
}

func candidateInit(c string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c}
}

func TestFilterCandidates(t *testing.T) {
	m := newTestMinimizer()
	candidates := []webrtc.ICECandidateInit{
		candidateInit("candidate:1 1 tcp 1 10.0.0.2 9 typ host tcptype passive"),
		candidateInit("candidate:2 1 udp 2 10.0.0.2 54321 typ host"),
		candidateInit("candidate:3 1 udp 3 1.2.3.4 54321 typ srflx raddr 10.0.0.2"),
		candidateInit("candidate:4 1 udp 4 5.6.7.8 3478 typ relay raddr 1.2.3.4"),
		candidateInit("candidate:5 1 udp 5 1.2.3.4 54322 typ prflx"),
		candidateInit("candidate:6 1 udp 6 10.0.0.3 54323 typ host"),
	}

	t.Run("keeps top three at ultra low", func(t *testing.T) {
		kept := m.FilterCandidates(candidates, domain.ModeUltraLow)
		require.Len(t, kept, 3)
		assert.Contains(t, kept[0].Candidate, "typ relay")
		assert.Contains(t, kept[1].Candidate, "typ srflx")
		assert.Contains(t, kept[2].Candidate, "typ prflx")
	})

	t.Run("keeps top five at low", func(t *testing.T) {
		kept := m.FilterCandidates(candidates, domain.ModeLow)
		require.Len(t, kept, 5)
		assert.Contains(t, kept[0].Candidate, "typ relay")
		// host-tcp is the one dropped
		for _, c := range kept {
			assert.NotContains(t, c.Candidate, "tcptype")
		}
	})

	t.Run("passes everything through at normal", func(t *testing.T) {
		kept := m.FilterCandidates(candidates, domain.ModeNormal)
		assert.Len(t, kept, len(candidates))
	})

	t.Run("udp host outranks tcp host", func(t *testing.T) {
		pair := []webrtc.ICECandidateInit{
			candidateInit("candidate:1 1 tcp 1 10.0.0.2 9 typ host tcptype passive"),
			candidateInit("candidate:2 1 udp 2 10.0.0.2 54321 typ host"),
		}
		kept := m.FilterCandidates(pair, domain.ModeUltraLow)
		assert.Contains(t, kept[0].Candidate, " udp ")
	})
}

func TestBatchQuietPeriod(t *testing.T) {
	m := newTestMinimizer()
	assert.Equal(t, 1000*time.Millisecond, m.BatchQuietPeriod(domain.ModeUltraLow))
	assert.Equal(t, 500*time.Millisecond, m.BatchQuietPeriod(domain.ModeLow))
	assert.Equal(t, 500*time.Millisecond, m.BatchQuietPeriod(domain.ModeNormal))
	assert.Equal(t, time.Duration(0), m.BatchQuietPeriod(domain.ModeHigh))
}

func TestAllowRenegotiation(t *testing.T) {
	m := newTestMinimizer()

	t.Run("never while offline", func(t *testing.T) {
		assert.False(t, m.AllowRenegotiation("call_a", domain.ModeOffline))
	})

	t.Run("first request passes then cooldown blocks", func(t *testing.T) {
		assert.True(t, m.AllowRenegotiation("call_b", domain.ModeNormal))
		assert.False(t, m.AllowRenegotiation("call_b", domain.ModeNormal))
	})

	t.Run("calls are independent", func(t *testing.T) {
		assert.True(t, m.AllowRenegotiation("call_c", domain.ModeHigh))
		assert.True(t, m.AllowRenegotiation("call_d", domain.ModeHigh))
	})

	t.Run("forget clears cooldown", func(t *testing.T) {
		assert.True(t, m.AllowRenegotiation("call_e", domain.ModeLow))
		assert.False(t, m.AllowRenegotiation("call_e", domain.ModeLow))
		m.ForgetCall("call_e")
		assert.True(t, m.AllowRenegotiation("call_e", domain.ModeLow))
	})
}
