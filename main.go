package main

import (
	"github.com/sidkik/mirror/cmd"
	"github.com/sidkik/mirror/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
