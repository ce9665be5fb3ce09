// Command quotawatch accounts GPFS quota and notifies owners who exceed it.
package main

import (
	"os"

	"github.com/quotawatch/quotawatch/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
