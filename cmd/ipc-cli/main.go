// Command ipc-cli drives pkg/ringbuf and pkg/shmpool from the shell, for
// manual exercise and cross-process scenarios. It is also built under the
// rb_cli and shmp_cli names, which preselect the ringbuf and pool command
// groups respectively.
package main

import (
	"os"

	"github.com/songweijia/libwsong/internal/cli"
)

func main() {
	if err := cli.Execute(os.Args); err != nil {
		os.Exit(1)
	}
}
