package acquire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScorePrefersLowerRTTAtEqualThroughput(t *testing.T) {
	fast := MirrorStats{URL: "fast", RTTMs: 10, Throughput: 10 * 1024 * 1024}
	slow := MirrorStats{URL: "slow", RTTMs: 100, Throughput: 10 * 1024 * 1024}
	assert.Less(t, fast.Score(), slow.Score())
}

func TestScorePrefersHigherThroughputAtEqualRTT(t *testing.T) {
	high := MirrorStats{URL: "high", RTTMs: 50, Throughput: 20 * 1024 * 1024}
	low := MirrorStats{URL: "low", RTTMs: 50, Throughput: 1 * 1024 * 1024}
	assert.Less(t, high.Score(), low.Score())
}

func TestScorePenalizesMissingThroughputSample(t *testing.T) {
	noSample := MirrorStats{URL: "no-sample", RTTMs: 5}
	withSample := MirrorStats{URL: "with-sample", RTTMs: 5, Throughput: 100}
	assert.Greater(t, noSample.Score(), withSample.Score())
}

func TestRangeForProbe(t *testing.T) {
	assert.Equal(t, "bytes=0-1023", rangeForProbe(1024))
	assert.Equal(t, "", rangeForProbe(0))
}

func TestRecordProbeAveragesOverHistoryWindow(t *testing.T) {
	f := New(2)

	f.recordProbe("mirror", MirrorStats{URL: "mirror", RTTMs: 100, Throughput: 1000})
	f.recordProbe("mirror", MirrorStats{URL: "mirror", RTTMs: 200, Throughput: 2000})

	got := f.averagedMirrorStats("mirror")
	assert.Equal(t, int64(150), got.RTTMs)
	assert.Equal(t, int64(1500), got.Throughput)
}

func TestRecordProbeTrimsToHistoryLimit(t *testing.T) {
	f := New(2)

	for i := 0; i < mirrorHistoryLimit+3; i++ {
		f.recordProbe("mirror", MirrorStats{URL: "mirror", RTTMs: 1000, Throughput: 1})
	}
	f.recordProbe("mirror", MirrorStats{URL: "mirror", RTTMs: 0, Throughput: 100})

	got := f.averagedMirrorStats("mirror")
	assert.Len(t, f.probeHistory["mirror"], mirrorHistoryLimit)
	assert.Less(t, got.RTTMs, int64(1000), "the single fresh sample should pull the average down once the window is full")
}
