package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Representative control-channel payload sizes, used in place of arbitrary
// numbers throughout this file: a device-argument payload (VF name + vhost
// socket path + VM UUID, see internal/reactor/payload.go), a QUERY_VF_LIST
// reply for a PF with many VFs, and a DMA-region table near capacity.
const (
	devArgsPayload  = 32 + 108 + 36
	vfListPayload   = 50 * (32 + 108 + 36 + 1)
	dmaTablePayload = 128 * 24
)

func TestGetSelectsSizeClass(t *testing.T) {
	cases := []struct {
		name    string
		request int
		wantCap int
	}{
		{"devargs payload fits in small tier", devArgsPayload, DefaultSmallSize},
		{"vf-list payload needs medium tier", vfListPayload, DefaultMediumSize},
		{"dma-table payload fits in small tier", dmaTablePayload, DefaultSmallSize},
		{"zero size still gets a buffer", 0, DefaultSmallSize},
		{"exactly at small/medium boundary", DefaultSmallSize, DefaultSmallSize},
		{"one byte past the small boundary", DefaultSmallSize + 1, DefaultMediumSize},
		{"exactly at medium/large boundary", DefaultMediumSize, DefaultMediumSize},
		{"one byte past the medium boundary", DefaultMediumSize + 1, DefaultLargeSize},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := Get(c.request)
			defer Put(buf)

			assert.GreaterOrEqual(t, len(buf), c.request)
			assert.Equal(t, c.wantCap, cap(buf))
		})
	}
}

func TestGetBypassesPoolForOversizedRequest(t *testing.T) {
	buf := Get(DefaultLargeSize + 1)
	defer Put(buf)

	assert.Equal(t, DefaultLargeSize+1, len(buf))
	assert.Equal(t, len(buf), cap(buf), "an oversized buffer is allocated exactly, not from a tier")
}

func TestPutReturnsBufferForReuse(t *testing.T) {
	first := Get(devArgsPayload)
	firstCap := cap(first)
	Put(first)

	second := Get(devArgsPayload)
	defer Put(second)

	assert.Equal(t, firstCap, cap(second))
}

func TestPutIgnoresUnpoolableBuffers(t *testing.T) {
	require.NotPanics(t, func() { Put(nil) })
	require.NotPanics(t, func() { Put([]byte{}) })
	require.NotPanics(t, func() { Put(make([]byte, DefaultLargeSize+1)) }, "oversized buffers are silently dropped, not pooled")
}

func TestPutAcceptsBufferFromPlainMake(t *testing.T) {
	// A buffer never obtained from Get (e.g. built by a test fixture, or a
	// short-lived scratch slice) still has a size-class-matching capacity
	// here, so it is accepted; Put keys purely on cap(), not provenance.
	buf := make([]byte, DefaultSmallSize)
	require.NotPanics(t, func() { Put(buf) })
}

func TestGetUint32MatchesWirePayloadSizeField(t *testing.T) {
	buf := GetUint32(uint32(vfListPayload))
	defer Put(buf)

	assert.Equal(t, vfListPayload, len(buf))
	assert.Equal(t, DefaultMediumSize, cap(buf))
}

func TestNewPoolWithCustomTierSizes(t *testing.T) {
	pool := NewPool(&Config{SmallSize: 256, MediumSize: 2048, LargeSize: 16384})

	small := pool.Get(100)
	assert.Equal(t, 256, cap(small))
	pool.Put(small)

	medium := pool.Get(1000)
	assert.Equal(t, 2048, cap(medium))
	pool.Put(medium)

	large := pool.Get(10000)
	assert.Equal(t, 16384, cap(large))
	pool.Put(large)
}

func TestNewPoolAppliesDefaultsForZeroValues(t *testing.T) {
	for _, cfg := range []*Config{nil, {}} {
		pool := NewPool(cfg)
		buf := pool.Get(100)
		assert.Equal(t, DefaultSmallSize, cap(buf))
		pool.Put(buf)
	}
}

func TestConcurrentGetPutAcrossTiers(t *testing.T) {
	const goroutines = 16
	const iterations = 200
	sizes := []int{devArgsPayload, vfListPayload, dmaTablePayload}

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				buf := Get(sizes[(id+j)%len(sizes)])
				if len(buf) > 0 {
					buf[0] = byte(id)
				}
				Put(buf)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkGetPut(b *testing.B) {
	for _, tc := range []struct {
		name string
		size int
	}{
		{"DevArgsPayload", devArgsPayload},
		{"VFListPayload", vfListPayload},
		{"DMATablePayload", dmaTablePayload},
	} {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				Put(Get(tc.size))
			}
		})
	}
}
