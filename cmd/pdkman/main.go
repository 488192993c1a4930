package main

import (
	"github.com/pdkman/pdkman/pkg/cmd"
)

func main() {
	cmd.Execute()
}
