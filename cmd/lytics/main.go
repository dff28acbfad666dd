// Command lytics is the operator CLI for a lytics event queue.
package main

import (
	"os"

	"github.com/roach88/lytics/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
