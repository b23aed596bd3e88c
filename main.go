package main

import (
	"github.com/warshanks/murray/cmd"
)

func main() {
	cmd.Execute()
}
