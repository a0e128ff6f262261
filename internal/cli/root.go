// Package cli implements the ipc-cli command tree: a thin convenience
// driver over pkg/ringbuf, pkg/shmpool, and pkg/group.
package cli

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/songweijia/libwsong/pkg/wserr"
)

var ipcKind string

// Execute builds and runs the root command against args (ordinarily
// os.Args). Dispatch to the ringbuf or pool command group happens either
// by binary alias (argv[0] == rb_cli / shmp_cli) or by --ipc ringbuf|pool
// prefixed explicitly on the command line.
func Execute(args []string) error {
	root := newRootCmd()
	root.SetArgs(resolveArgs(args))
	if err := root.Execute(); err != nil {
		logError(err)
		return err
	}
	return nil
}

// resolveArgs injects the implied subcommand group ("ringbuf" or "pool")
// ahead of the rest of the arguments when the binary was invoked under an
// alias, or when --ipc was given, and the caller didn't already spell the
// group out.
func resolveArgs(args []string) []string {
	rest := args[1:]
	group := ""
	switch filepath.Base(args[0]) {
	case "rb_cli":
		group = "ringbuf"
	case "shmp_cli":
		group = "pool"
	}
	for i, a := range rest {
		if a == "--ipc" && i+1 < len(rest) {
			group = rest[i+1]
		}
	}
	if group == "" || len(rest) > 0 && (rest[0] == "ringbuf" || rest[0] == "pool") {
		return rest
	}
	return append([]string{group}, rest...)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ipc-cli",
		Short:         "Exercise libwsong's ring buffer and shared-memory pool primitives",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&ipcKind, "ipc", "", "ipc kind when not dispatched by binary alias (ringbuf|pool)")
	root.AddCommand(newRingbufCmd(), newPoolCmd())
	return root
}

func logError(err error) {
	kind := wserr.Kind(-1).String() // "Unknown" by default
	for _, k := range []wserr.Kind{
		wserr.InvalidArgument, wserr.AlreadyExists, wserr.NotInitialized,
		wserr.OutOfSpace, wserr.Timeout, wserr.System,
	} {
		if wserr.Is(err, k) {
			kind = k.String()
			break
		}
	}
	slog.Error("command failed", "kind", kind, "error", err.Error())
}
