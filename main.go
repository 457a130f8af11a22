package main

import (
	"density/cmd"

	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
