package ringbuf

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/songweijia/libwsong/pkg/wserr"
)

func createAndAttach(t *testing.T, attr Attr) *RingBuffer {
	t.Helper()
	key, err := CreateRingBuffer(attr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = DeleteRingBuffer(key) })

	rb, err := GetRingBuffer(key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rb.Close() })
	return rb
}

// TestSPSCThroughput is the specification's scenario 2: 10,000 monotonic
// 8-byte counters produced and consumed in order.
func TestSPSCThroughput(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:  4096,
		EntrySize: 64,
		PageSize:  PageSize4KiB,
	})

	const n = 10000
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, 8)
		for i := uint64(0); i < n; i++ {
			binary.LittleEndian.PutUint64(buf, i)
			require.NoError(t, rb.Produce(buf, 8, int64(time.Second)))
		}
	}()

	results := make([]uint64, 0, n)
	go func() {
		defer wg.Done()
		buf := make([]byte, rb.EntrySize())
		for i := 0; i < n; i++ {
			_, err := rb.Consume(buf, int64(time.Second))
			require.NoError(t, err)
			results = append(results, binary.LittleEndian.Uint64(buf[:8]))
		}
	}()

	wg.Wait()
	require.Len(t, results, n)
	for i, v := range results {
		require.EqualValues(t, i, v)
	}
}

// TestRingBufferFullTimeout is the specification's scenario 3: a
// capacity-4 SPSC ring with no consumer fills after 3 produces and the 4th
// times out.
func TestRingBufferFullTimeout(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:  4,
		EntrySize: 8,
		PageSize:  PageSize4KiB,
	})

	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		require.NoError(t, rb.Produce(buf, 8, 1))
	}

	err := rb.Produce(buf, 8, 1)
	require.Error(t, err)
	require.True(t, wserr.Is(err, wserr.Timeout))
}

// TestInvalidProduceSizes is the specification's scenario 4.
func TestInvalidProduceSizes(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:  16,
		EntrySize: 32,
		PageSize:  PageSize4KiB,
	})

	buf := make([]byte, 64)
	err := rb.Produce(buf, 0, int64(time.Second))
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	err = rb.Produce(buf, int(rb.EntrySize())+1, int64(time.Second))
	require.True(t, wserr.Is(err, wserr.InvalidArgument))
}

func TestEmptyConsumeTimesOut(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:  16,
		EntrySize: 8,
		PageSize:  PageSize4KiB,
	})
	buf := make([]byte, 8)
	_, err := rb.Consume(buf, 1)
	require.True(t, wserr.Is(err, wserr.Timeout))
}

func TestSizeAndEmpty(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:  16,
		EntrySize: 8,
		PageSize:  PageSize4KiB,
	})
	require.True(t, rb.Empty())
	require.Zero(t, rb.Size())

	buf := make([]byte, 8)
	require.NoError(t, rb.Produce(buf, 8, int64(time.Second)))
	require.False(t, rb.Empty())
	require.EqualValues(t, 1, rb.Size())

	_, err := rb.Consume(buf, int64(time.Second))
	require.NoError(t, err)
	require.True(t, rb.Empty())
}

func TestCreateRingBufferValidation(t *testing.T) {
	_, err := CreateRingBuffer(Attr{Capacity: 3, EntrySize: 8, PageSize: PageSize4KiB})
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	_, err = CreateRingBuffer(Attr{Capacity: 8, EntrySize: 3, PageSize: PageSize4KiB})
	require.True(t, wserr.Is(err, wserr.InvalidArgument))

	_, err = CreateRingBuffer(Attr{Capacity: 8, EntrySize: 8, PageSize: 123})
	require.True(t, wserr.Is(err, wserr.InvalidArgument))
}

// TestMPSCNoLossOrDuplication exercises multiple producers and a single
// consumer, checking every entry is observed exactly once.
func TestMPSCNoLossOrDuplication(t *testing.T) {
	rb := createAndAttach(t, Attr{
		Capacity:         1024,
		EntrySize:        8,
		PageSize:         PageSize4KiB,
		MultipleProducer: true,
	})

	const producers = 4
	const perProducer = 2000
	const total = producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			buf := make([]byte, 8)
			for i := 0; i < perProducer; i++ {
				binary.LittleEndian.PutUint64(buf, uint64(p*perProducer+i))
				require.NoError(t, rb.Produce(buf, 8, int64(time.Second)))
			}
		}(p)
	}

	seen := make(map[uint64]bool, total)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 8)
		for len(seen) < total {
			_, err := rb.Consume(buf, int64(time.Second))
			if err != nil {
				continue
			}
			v := binary.LittleEndian.Uint64(buf)
			mu.Lock()
			require.False(t, seen[v], "value %d observed twice", v)
			seen[v] = true
			mu.Unlock()
		}
		close(done)
	}()

	wg.Wait()
	<-done
	require.Len(t, seen, total)
}
