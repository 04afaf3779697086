// vsb - deduplicating, content-addressed backup tool
package main

import (
	"os"

	"github.com/vsb-project/vsb/internal/cli"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	cli.Version = Version
	os.Exit(cli.Execute())
}
