package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"callkit/internal/core/domain"
	"callkit/pkg/logger"
)

func newTestNetworkService() *NetworkService {
	return NewNetworkService(logger.NewNop().Sugar())
}

func TestClassifyModeBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		bandwidth float64
		rtt       float64
		connected bool
		want      domain.NetworkMode
	}{
		{"disconnected", 1000, 50, false, domain.ModeOffline},
		{"bandwidth at 10", 10, 100, true, domain.ModeUltraLow},
		{"bandwidth just above 10", 11, 100, true, domain.ModeLow},
		{"rtt above 2000", 1000, 2001, true, domain.ModeUltraLow},
		{"bandwidth at 30", 30, 100, true, domain.ModeLow},
		{"rtt above 1000", 1000, 1001, true, domain.ModeLow},
		{"bandwidth at 500", 500, 100, true, domain.ModeNormal},
		{"rtt above 300", 1000, 301, true, domain.ModeNormal},
		{"bandwidth above 500", 501, 100, true, domain.ModeHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyMode(tt.bandwidth, tt.rtt, tt.connected))
		})
	}
}

func TestClassifyQuality(t *testing.T) {
	assert.Equal(t, domain.QualityHostile, ClassifyQuality("2g", 100, 5))
	assert.Equal(t, domain.QualityHostile, ClassifyQuality("4g", 601, 5))
	assert.Equal(t, domain.QualityHostile, ClassifyQuality("4g", 100, 0.5))
	assert.Equal(t, domain.QualityModerate, ClassifyQuality("3g", 100, 5))
	assert.Equal(t, domain.QualityModerate, ClassifyQuality("4g", 301, 5))
	assert.Equal(t, domain.QualityModerate, ClassifyQuality("4g", 100, 1.0))
	assert.Equal(t, domain.QualityGood, ClassifyQuality("4g", 100, 5))
}

func TestSetModeIdempotent(t *testing.T) {
	ns := newTestNetworkService()

	var notifications []domain.NetworkMode
	cancel := ns.Subscribe(func(m domain.NetworkMode) {
		notifications = append(notifications, m)
	})
	defer cancel()

	assert.True(t, ns.SetMode(domain.ModeNormal))
	assert.False(t, ns.SetMode(domain.ModeNormal))
	assert.False(t, ns.SetMode(domain.ModeNormal))

	assert.Equal(t, []domain.NetworkMode{domain.ModeNormal}, notifications)
	assert.Equal(t, domain.ModeNormal, ns.Mode())
}

func TestFirstSetAlwaysNotifies(t *testing.T) {
	ns := newTestNetworkService()

	var count int
	cancel := ns.Subscribe(func(domain.NetworkMode) { count++ })
	defer cancel()

	// Default is ModeHigh; the first explicit set still notifies once.
	assert.True(t, ns.SetMode(domain.ModeHigh))
	assert.False(t, ns.SetMode(domain.ModeHigh))
	assert.Equal(t, 1, count)
}

func TestInvalidModeFailsOpen(t *testing.T) {
	ns := newTestNetworkService()
	ns.SetMode(domain.NetworkMode(42))
	assert.Equal(t, domain.ModeHigh, ns.Mode())
}

func TestForceModeLocksOutLocalClassification(t *testing.T) {
	ns := newTestNetworkService()

	ns.ForceMode(domain.ModeUltraLow, 8, 2500)
	assert.Equal(t, domain.ModeUltraLow, ns.Mode())

	// Local samples are ignored while authority is held.
	ns.ReportSample(10000, 20, true)
	assert.Equal(t, domain.ModeUltraLow, ns.Mode())

	ns.ReleaseAuthority()
	ns.ReportSample(10000, 20, true)
	assert.Equal(t, domain.ModeHigh, ns.Mode())
}

func TestSubscribeCancel(t *testing.T) {
	ns := newTestNetworkService()

	var count int
	cancel := ns.Subscribe(func(domain.NetworkMode) { count++ })
	ns.SetMode(domain.ModeLow)
	cancel()
	ns.SetMode(domain.ModeNormal)

	assert.Equal(t, 1, count)
}
