// Command apt-ng is the CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/KyoshiHikari/apt-ng/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
