package exporter

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zfssim/zfssim/internal/device"
	"github.com/zfssim/zfssim/internal/pool"
	"github.com/zfssim/zfssim/internal/vdev"
)

func TestCollectorMetrics(t *testing.T) {
	pd1 := device.NewPhysical("pd1", 100, 10)
	pd2 := device.NewPhysical("pd2", 100, 10)
	mirror := vdev.NewMirror("mirror-0", []device.Device{pd1, pd2}, zerolog.Nop())
	require.True(t, mirror.AttemptBringOnline())

	p, err := pool.New("tank", []device.Device{mirror}, zerolog.Nop())
	require.NoError(t, err)
	ok, err := p.WriteVirtualBlock(0, []byte("0123456789"))
	require.NoError(t, err)
	require.True(t, ok)

	c := NewCollector("tank", p, []Vdev{{Name: "mirror-0", Device: mirror}}, zerolog.Nop())
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)

	expected := `
# HELP zfssim_device_status Status of a physical device backing a vdev
# TYPE zfssim_device_status gauge
zfssim_device_status{device="pd1",pool="tank",state="degraded",vdev="mirror-0"} 0
zfssim_device_status{device="pd1",pool="tank",state="disconnected",vdev="mirror-0"} 0
zfssim_device_status{device="pd1",pool="tank",state="faulted",vdev="mirror-0"} 0
zfssim_device_status{device="pd1",pool="tank",state="faultedoffline",vdev="mirror-0"} 0
zfssim_device_status{device="pd1",pool="tank",state="offline",vdev="mirror-0"} 0
zfssim_device_status{device="pd1",pool="tank",state="online",vdev="mirror-0"} 1
zfssim_device_status{device="pd2",pool="tank",state="degraded",vdev="mirror-0"} 0
zfssim_device_status{device="pd2",pool="tank",state="disconnected",vdev="mirror-0"} 0
zfssim_device_status{device="pd2",pool="tank",state="faulted",vdev="mirror-0"} 0
zfssim_device_status{device="pd2",pool="tank",state="faultedoffline",vdev="mirror-0"} 0
zfssim_device_status{device="pd2",pool="tank",state="offline",vdev="mirror-0"} 0
zfssim_device_status{device="pd2",pool="tank",state="online",vdev="mirror-0"} 1
# HELP zfssim_pool_blocks Virtual block usage of a storage pool
# TYPE zfssim_pool_blocks gauge
zfssim_pool_blocks{kind="active",pool="tank"} 1
zfssim_pool_blocks{kind="free",pool="tank"} 9
zfssim_pool_blocks{kind="snapshot",pool="tank"} 0
# HELP zfssim_pool_fullness_ratio Fraction of reserved physical blocks in a storage pool
# TYPE zfssim_pool_fullness_ratio gauge
zfssim_pool_fullness_ratio{pool="tank"} 0.1
# HELP zfssim_vdev_pending_intents Number of write intents queued for replay on a vdev
# TYPE zfssim_vdev_pending_intents gauge
zfssim_vdev_pending_intents{pool="tank",vdev="mirror-0"} 0
# HELP zfssim_vdev_status Status of a vdev in a simulated storage pool
# TYPE zfssim_vdev_status gauge
zfssim_vdev_status{pool="tank",state="degraded",vdev="mirror-0"} 0
zfssim_vdev_status{pool="tank",state="disconnected",vdev="mirror-0"} 0
zfssim_vdev_status{pool="tank",state="faulted",vdev="mirror-0"} 0
zfssim_vdev_status{pool="tank",state="faultedoffline",vdev="mirror-0"} 0
zfssim_vdev_status{pool="tank",state="offline",vdev="mirror-0"} 0
zfssim_vdev_status{pool="tank",state="online",vdev="mirror-0"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestCollectorReflectsFaultedDevice(t *testing.T) {
	pd1 := device.NewPhysical("pd1", 10, 10)
	pd2 := device.NewPhysical("pd2", 10, 10)
	mirror := vdev.NewMirror("mirror-0", []device.Device{pd1, pd2}, zerolog.Nop())
	require.True(t, mirror.AttemptBringOnline())
	require.True(t, pd2.MarkFaulted())

	p, err := pool.New("tank", []device.Device{mirror}, zerolog.Nop())
	require.NoError(t, err)

	c := NewCollector("tank", p, []Vdev{{Name: "mirror-0", Device: mirror}}, zerolog.Nop())
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)

	gathered, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range gathered {
		if mf.GetName() != "zfssim_device_status" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["device"] == "pd2" && labels["state"] == "faulted" {
				require.Equal(t, float64(1), m.GetGauge().GetValue())
				found = true
			}
		}
	}
	require.True(t, found, "expected pd2 to report faulted=1")
}
