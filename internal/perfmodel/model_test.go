package perfmodel

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/specialistvlad/gridrt/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredictLength_CalibrationThreshold(t *testing.T) {
	h := NewHistory(3)
	assert.True(t, math.IsNaN(h.PredictLength("scale", topology.CPU, 0)))

	h.SetStatic("scale", topology.CPU, 0, 50)
	assert.Equal(t, 50.0, h.PredictLength("scale", topology.CPU, 0))

	h.Record("scale", topology.CPU, 0, 10)
	h.Record("scale", topology.CPU, 0, 20)
	assert.Equal(t, 50.0, h.PredictLength("scale", topology.CPU, 0), "static value until calibrated")

	h.Record("scale", topology.CPU, 0, 30)
	assert.InDelta(t, 20.0, h.PredictLength("scale", topology.CPU, 0), 1e-9)
	assert.True(t, math.IsNaN(h.PredictLength("scale", topology.CPU, 1)))
}

func TestRecord_IgnoresInvalidSamples(t *testing.T) {
	h := NewHistory(1)
	h.Record("k", topology.CPU, 0, math.NaN())
	h.Record("k", topology.CPU, 0, -1)
	assert.Empty(t, h.Stats())
}

func TestPredictTransferTime(t *testing.T) {
	h := NewHistory(1)
	h.SetLink(0, 1, Link{BandwidthMBps: 1000, LatencyUs: 10})
	h.SetLink(0, 2, Link{BandwidthMBps: 500, LatencyUs: 5})

	assert.Zero(t, h.PredictTransferTime(4096, 1, 1))
	assert.InDelta(t, 10+4.096, h.PredictTransferTime(4096, 0, 1), 1e-9)
	assert.InDelta(t, 10+4.096, h.PredictTransferTime(4096, 1, 0), 1e-9)
	// 1 -> 2 goes through main memory.
	assert.InDelta(t, (10+4.0)+(5+8.0), h.PredictTransferTime(4000, 1, 2), 1e-9)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	h := NewHistory(2)
	for _, v := range []float64{10, 12, 14} {
		h.Record("scale", topology.CPU, 0, v)
	}
	h.Record("scale", topology.CUDA, 1, 3)
	h.Record("add", topology.CPU, 0, 1)

	var buf bytes.Buffer
	require.NoError(t, h.Save(&buf))

	// Canonical encoding is deterministic.
	var again bytes.Buffer
	require.NoError(t, h.Save(&again))
	assert.Equal(t, buf.Bytes(), again.Bytes())

	loaded := NewHistory(2)
	require.NoError(t, loaded.Load(&buf))
	if diff := cmp.Diff(h.Stats(), loaded.Stats(), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 12.0, loaded.PredictLength("scale", topology.CPU, 0), 1e-9)
}

func TestSnapshot_Files(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.cbor")
	h := NewHistory(1)
	require.NoError(t, h.LoadFile(path), "a missing file is not an error")

	h.Record("scale", topology.CPU, 0, 7)
	require.NoError(t, h.SaveFile(path))

	loaded := NewHistory(1)
	require.NoError(t, loaded.LoadFile(path))
	assert.Equal(t, 7.0, loaded.PredictLength("scale", topology.CPU, 0))
}

func TestLoad_RejectsGarbage(t *testing.T) {
	require.Error(t, NewHistory(1).Load(bytes.NewReader([]byte{0xff, 0x00})))
}
