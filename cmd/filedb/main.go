package main

import (
	"fmt"
	"os"

	"github.com/m00npl/filedb/cmd/filedb/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
