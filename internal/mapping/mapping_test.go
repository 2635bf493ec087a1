package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zfssim/zfssim/internal/device"
)

func TestEnrollAndLookup(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()

	require.False(t, tbl.CheckVirtual(0))
	require.NoError(t, tbl.Enroll(dev, 3, 0))
	require.True(t, tbl.CheckVirtual(0))
	require.True(t, tbl.CheckPhysical(dev, 3))

	gotDev, gotBlock, err := tbl.GetPhysical(0)
	require.NoError(t, err)
	require.Equal(t, dev, gotDev)
	require.Equal(t, 3, gotBlock)

	gotVB, err := tbl.GetVirtual(dev, 3)
	require.NoError(t, err)
	require.Equal(t, 0, gotVB)
}

func TestEnrollCollisions(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()
	require.NoError(t, tbl.Enroll(dev, 0, 0))

	require.ErrorIs(t, tbl.Enroll(dev, 1, 0), ErrAlreadyMapped) // vb collides
	require.ErrorIs(t, tbl.Enroll(dev, 0, 1), ErrAlreadyMapped) // pb collides
}

func TestUpdateRebindsAndReturnsOld(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()
	require.NoError(t, tbl.Enroll(dev, 0, 0))

	oldDev, oldBlock, err := tbl.Update(0, dev, 5)
	require.NoError(t, err)
	require.Equal(t, dev, oldDev)
	require.Equal(t, 0, oldBlock)

	require.False(t, tbl.CheckPhysical(dev, 0))
	require.True(t, tbl.CheckPhysical(dev, 5))

	gotDev, gotBlock, err := tbl.GetPhysical(0)
	require.NoError(t, err)
	require.Equal(t, dev, gotDev)
	require.Equal(t, 5, gotBlock)
}

func TestUpdateMissingOrCollision(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()

	_, _, err := tbl.Update(0, dev, 1)
	require.ErrorIs(t, err, ErrMissing)

	require.NoError(t, tbl.Enroll(dev, 0, 0))
	require.NoError(t, tbl.Enroll(dev, 1, 1))
	_, _, err = tbl.Update(0, dev, 1)
	require.ErrorIs(t, err, ErrAlreadyMapped)
}

func TestUnenrollAndUnenrollPhysical(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()
	require.NoError(t, tbl.Enroll(dev, 0, 0))

	require.NoError(t, tbl.Unenroll(0))
	require.False(t, tbl.CheckVirtual(0))
	require.ErrorIs(t, tbl.Unenroll(0), ErrMissing)

	require.NoError(t, tbl.Enroll(dev, 2, 7))
	require.NoError(t, tbl.UnenrollPhysical(dev, 2))
	require.False(t, tbl.CheckPhysical(dev, 2))
}

func TestUsageSets(t *testing.T) {
	dev1 := device.NewPhysical("pd1", 100, 10)
	dev2 := device.NewPhysical("pd2", 100, 10)
	tbl := New()
	require.NoError(t, tbl.Enroll(dev1, 0, 0))
	require.NoError(t, tbl.Enroll(dev1, 1, 1))
	require.NoError(t, tbl.Enroll(dev2, 0, 2))

	vset := tbl.VirtualUsageSet()
	require.Equal(t, map[int]struct{}{0: {}, 1: {}, 2: {}}, vset)

	pset := tbl.PhysicalUsageSets()
	require.Equal(t, map[int]struct{}{0: {}, 1: {}}, pset[dev1])
	require.Equal(t, map[int]struct{}{0: {}}, pset[dev2])
}

func TestCloneIsIndependent(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	tbl := New()
	require.NoError(t, tbl.Enroll(dev, 0, 0))

	clone := tbl.Clone()
	require.NoError(t, tbl.Enroll(dev, 1, 1))

	require.True(t, tbl.CheckVirtual(1))
	require.False(t, clone.CheckVirtual(1), "mutating the live table must not leak into the clone")
}

func TestSnapshotFreezesMapping(t *testing.T) {
	dev := device.NewPhysical("pd1", 100, 10)
	live := New()
	require.NoError(t, live.Enroll(dev, 0, 0))

	snap := NewSnapshot(live)
	require.NoError(t, live.Unenroll(0))
	require.NoError(t, live.Enroll(dev, 1, 5))

	require.True(t, snap.Mapping().CheckVirtual(0), "snapshot must retain the block freed on the live table")
	require.False(t, snap.Mapping().CheckVirtual(5), "snapshot must not see writes made after capture")
}
