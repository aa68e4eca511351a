package main

import (
	"os"

	"github.com/ghyeongl/treemirror/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
