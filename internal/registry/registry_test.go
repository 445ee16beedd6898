package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newFD returns a fresh, otherwise-unused file descriptor (one end of a
// pipe) so tests can assert on close-exactly-once behavior.
func newFD(t *testing.T) int {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	t.Cleanup(func() {
		// best-effort; already closed by the code under test in the
		// common case
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0]
}

func assertClosed(t *testing.T, fd int) {
	t.Helper()
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.Error(t, err, "fd %d should be closed", fd)
}

func assertOpen(t *testing.T, fd int) {
	t.Helper()
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.NoError(t, err, "fd %d should still be open", fd)
}

func TestInsertAndRemovePF(t *testing.T) {
	r := New()
	g, d := newFD(t), newFD(t)

	r.InsertPF("0000:03:00.0", g, d)
	assert.Equal(t, 1, r.NrPF())
	assert.Equal(t, []string{"0000:03:00.0"}, r.ListPFBDFs())

	pf, ok := r.GetPF("0000:03:00.0")
	require.True(t, ok)
	assert.Equal(t, 0, pf.NrVF())

	r.RemovePF("0000:03:00.0")
	assert.Equal(t, 0, r.NrPF())
	assertClosed(t, g)
	assertClosed(t, d)
}

func TestRemovePFIsIdempotent(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	r.RemovePF("0000:03:00.0")

	assert.NotPanics(t, func() {
		r.RemovePF("0000:03:00.0")
		r.RemovePF("does-not-exist")
	})
	assert.Equal(t, 0, r.NrPF())
}

func TestInsertVFRequiresParentPF(t *testing.T) {
	r := New()
	_, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", 1, 2, 3)
	assert.Error(t, err)
}

func TestInsertVFAndNrVFTracking(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))

	_, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)
	_, err = r.InsertVF("0000:03:00.0", "0000:03:00.2", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)

	pf, _ := r.GetPF("0000:03:00.0")
	assert.Equal(t, 2, pf.NrVF())
	assert.Len(t, r.ListVFs("0000:03:00.0"), 2)
}

func TestRemovePFCascadesToVFs(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	c, g, d := newFD(t), newFD(t), newFD(t)
	vf, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", c, g, d)
	require.NoError(t, err)
	vhost := newFD(t)
	require.NoError(t, r.SetVhostFD("0000:03:00.0", vf.BDF, vhost))

	r.RemovePF("0000:03:00.0")

	assertClosed(t, c)
	assertClosed(t, g)
	assertClosed(t, d)
	assertClosed(t, vhost)
	assert.Nil(t, r.ListVFs("0000:03:00.0"))
}

func TestRemoveVFIsIdempotent(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	assert.NotPanics(t, func() {
		r.RemoveVF("0000:03:00.0", "does-not-exist")
		r.RemoveVF("no-such-pf", "does-not-exist")
	})
}

func TestSetVhostFDClosesPrevious(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	vf, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)

	first := newFD(t)
	second := newFD(t)

	require.NoError(t, r.SetVhostFD("0000:03:00.0", vf.BDF, first))
	assert.Equal(t, first, vf.VhostFD)

	require.NoError(t, r.SetVhostFD("0000:03:00.0", vf.BDF, second))
	assertClosed(t, first)
	assert.Equal(t, second, vf.VhostFD)
	assertOpen(t, second)
}

func TestStoreDMATableUpdatesMemTblInUse(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	vf, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)
	assert.False(t, vf.Args.MemTblInUse)

	require.NoError(t, r.StoreDMATable("0000:03:00.0", vf.BDF, []DMARegion{{GuestPhysAddr: 0x1000, Size: 0x2000}}))
	assert.True(t, vf.Args.MemTblInUse)
	assert.Equal(t, 1, vf.RegionCount)

	require.NoError(t, r.RemoveDMATable("0000:03:00.0", vf.BDF))
	assert.False(t, vf.Args.MemTblInUse)
	assert.Equal(t, 0, vf.RegionCount)
}

func TestStoreDMATableNeverReallocates(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	vf, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)

	base := &vf.Regions[0]

	one := []DMARegion{{GuestPhysAddr: 1}}
	require.NoError(t, r.StoreDMATable("0000:03:00.0", vf.BDF, one))
	assert.Same(t, base, &vf.Regions[0])

	many := make([]DMARegion, 64)
	for i := range many {
		many[i] = DMARegion{GuestPhysAddr: uint64(i)}
	}
	require.NoError(t, r.StoreDMATable("0000:03:00.0", vf.BDF, many))
	assert.Same(t, base, &vf.Regions[0])
	assert.Equal(t, 64, vf.RegionCount)

	require.NoError(t, r.StoreDMATable("0000:03:00.0", vf.BDF, one))
	assert.Same(t, base, &vf.Regions[0])
	assert.Equal(t, 1, vf.RegionCount)
}

func TestStoreDMATableRejectsOverCapacity(t *testing.T) {
	r := New()
	r.InsertPF("0000:03:00.0", newFD(t), newFD(t))
	vf, err := r.InsertVF("0000:03:00.0", "0000:03:00.1", newFD(t), newFD(t), newFD(t))
	require.NoError(t, err)

	tooMany := make([]DMARegion, MaxDMARegions+1)
	err = r.StoreDMATable("0000:03:00.0", vf.BDF, tooMany)
	assert.Error(t, err)
}

func TestGlobalContainer(t *testing.T) {
	r := New()
	_, ok := r.GlobalContainer()
	assert.False(t, ok)

	fd := newFD(t)
	r.SetGlobalContainer(fd)
	got, ok := r.GlobalContainer()
	require.True(t, ok)
	assert.Equal(t, fd, got)

	second := newFD(t)
	r.SetGlobalContainer(second)
	assertClosed(t, fd)
	got, _ = r.GlobalContainer()
	assert.Equal(t, second, got)
}

func TestUpsertDMAEntryDuplicateIsNoOp(t *testing.T) {
	r := New()
	assert.True(t, r.UpsertDMAEntry(0x1000, 0x2000))
	assert.False(t, r.UpsertDMAEntry(0x1000, 0x4000))

	entries := r.ListDMAEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, DMAEntry{IOVA: 0x1000, Size: 0x2000}, entries[0])
}

func TestRemoveDMAEntryIgnoresSizeForMatch(t *testing.T) {
	r := New()
	r.UpsertDMAEntry(0x1000, 0x2000)

	entry, ok := r.RemoveDMAEntry(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2000), entry.Size)
	assert.Empty(t, r.ListDMAEntries())

	_, ok = r.RemoveDMAEntry(0x1000)
	assert.False(t, ok)
}

func TestNoDescriptorLeakAcrossFullTeardown(t *testing.T) {
	r := New()
	var allFDs []int
	track := func() int {
		fd := newFD(t)
		allFDs = append(allFDs, fd)
		return fd
	}

	r.InsertPF("pf0", track(), track())
	vf0, _ := r.InsertVF("pf0", "vf0", track(), track(), track())
	require.NoError(t, r.SetVhostFD("pf0", vf0.BDF, track()))

	r.InsertPF("pf1", track(), track())
	vf1, _ := r.InsertVF("pf1", "vf1", track(), track(), track())
	require.NoError(t, r.SetVhostFD("pf1", vf1.BDF, track()))

	r.RemovePF("pf0")
	r.RemovePF("pf1")

	for _, fd := range allFDs {
		assertClosed(t, fd)
	}
}
