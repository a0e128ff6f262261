package cli

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/songweijia/libwsong/pkg/ringbuf"
	"github.com/songweijia/libwsong/pkg/timelog"
)

func parsePageSize(s string) (ringbuf.PageSize, error) {
	switch s {
	case "", "4k", "4kib":
		return ringbuf.PageSize4KiB, nil
	case "2m", "2mib":
		return ringbuf.PageSize2MiB, nil
	case "1g", "1gib":
		return ringbuf.PageSize1GiB, nil
	default:
		return 0, fmt.Errorf("unknown page size %q, want 4k|2m|1g", s)
	}
}

func newRingbufCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ringbuf",
		Short: "Create, inspect, and benchmark shared-memory ring buffers",
	}
	cmd.AddCommand(
		newRingbufCreateCmd(),
		newRingbufDeleteCmd(),
		newRingbufShowCmd(),
		newRingbufMoreCmd(),
		newRingbufPerfCmd(),
	)
	return cmd
}

func newRingbufCreateCmd() *cobra.Command {
	var (
		key              uint64
		capacity         uint64
		entrySize        uint64
		pageSizeStr      string
		multiProducer    bool
		multiConsumer    bool
		description      string
		props            = newPropertyFlag()
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new ring buffer",
		RunE: func(c *cobra.Command, _ []string) error {
			pageSize, err := parsePageSize(pageSizeStr)
			if err != nil {
				return err
			}
			createdKey, err := ringbuf.CreateRingBuffer(ringbuf.Attr{
				Key:              key,
				Capacity:         capacity,
				EntrySize:        entrySize,
				PageSize:         pageSize,
				MultipleProducer: multiProducer,
				MultipleConsumer: multiConsumer,
				Description:      description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "key=%d\n", createdKey)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "explicit key, or 0 for a randomly chosen one")
	cmd.Flags().Uint64Var(&capacity, "capacity", 1024, "ring capacity in entries (power of two)")
	cmd.Flags().Uint64Var(&entrySize, "entry-size", 64, "entry size in bytes (power of two, <=64KiB)")
	cmd.Flags().StringVar(&pageSizeStr, "page-size", "4k", "4k|2m|1g")
	cmd.Flags().BoolVar(&multiProducer, "multi-producer", false, "enable the producer spin lock")
	cmd.Flags().BoolVar(&multiConsumer, "multi-consumer", false, "enable the consumer spin lock")
	cmd.Flags().StringVar(&description, "description", "", "free-form description stored in the segment header")
	cmd.Flags().Var(props, "property", "repeatable k=v property (accepted but not used by create)")
	return cmd
}

func newRingbufDeleteCmd() *cobra.Command {
	var key uint64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Destroy a ring buffer's segment",
		RunE: func(_ *cobra.Command, _ []string) error {
			return ringbuf.DeleteRingBuffer(key)
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "ring buffer key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRingbufShowCmd() *cobra.Command {
	var key uint64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Attach to a ring buffer and print its attributes and state",
		RunE: func(c *cobra.Command, _ []string) error {
			rb, err := ringbuf.GetRingBuffer(key)
			if err != nil {
				return err
			}
			defer rb.Close()
			fmt.Fprintf(c.OutOrStdout(), "key=%d capacity=%d entry_size=%d size=%d empty=%t description=%q\n",
				rb.Key(), rb.Capacity(), rb.EntrySize(), rb.Size(), rb.Empty(), rb.Description())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "ring buffer key")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRingbufMoreCmd() *cobra.Command {
	var (
		key       uint64
		count     int
		size      int
		timeoutNs int64
	)
	cmd := &cobra.Command{
		Use:   "more",
		Short: "Produce N synthetic entries into an existing ring buffer",
		RunE: func(_ *cobra.Command, _ []string) error {
			rb, err := ringbuf.GetRingBuffer(key)
			if err != nil {
				return err
			}
			defer rb.Close()

			buf := make([]byte, size)
			for i := 0; i < count; i++ {
				binary.LittleEndian.PutUint64(buf, uint64(i))
				if err := rb.Produce(buf, size, timeoutNs); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "ring buffer key")
	cmd.Flags().IntVar(&count, "count", 1, "number of entries to produce")
	cmd.Flags().IntVar(&size, "size", 8, "bytes per entry")
	cmd.Flags().Int64Var(&timeoutNs, "timeout-ns", int64(time.Second), "produce timeout in nanoseconds")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newRingbufPerfCmd() *cobra.Command {
	var (
		key         uint64
		producers   int
		consumers   int
		perProducer int
		size        int
		timeoutNs   int64
	)
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Run a concurrent produce/consume microbenchmark against an existing ring buffer",
		RunE: func(c *cobra.Command, _ []string) error {
			rb, err := ringbuf.GetRingBuffer(key)
			if err != nil {
				return err
			}
			defer rb.Close()

			log := timelog.New(perProducer * producers)
			total := perProducer * producers

			g := new(errgroup.Group)
			for p := 0; p < producers; p++ {
				g.Go(func() error {
					buf := make([]byte, size)
					for i := 0; i < perProducer; i++ {
						if err := rb.Produce(buf, size, timeoutNs); err != nil {
							return err
						}
					}
					return nil
				})
			}

			var consumed atomic.Int64
			for cIdx := 0; cIdx < consumers; cIdx++ {
				g.Go(func() error {
					buf := make([]byte, rb.EntrySize())
					for consumed.Load() < int64(total) {
						if _, err := rb.Consume(buf, timeoutNs); err != nil {
							continue
						}
						log.Mark(time.Now())
						consumed.Add(1)
					}
					return nil
				})
			}

			if err := g.Wait(); err != nil {
				return err
			}
			p50 := log.Percentile(50)
			p99 := log.Percentile(99)
			fmt.Fprintf(c.OutOrStdout(), "produced=%d p50=%s p99=%s\n", total, p50, p99)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&key, "key", 0, "ring buffer key")
	cmd.Flags().IntVar(&producers, "producers", 1, "number of concurrent producer goroutines")
	cmd.Flags().IntVar(&consumers, "consumers", 1, "number of concurrent consumer goroutines")
	cmd.Flags().IntVar(&perProducer, "count", 1000, "entries produced per producer")
	cmd.Flags().IntVar(&size, "size", 8, "bytes per entry")
	cmd.Flags().Int64Var(&timeoutNs, "timeout-ns", int64(time.Second), "produce/consume timeout in nanoseconds")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
