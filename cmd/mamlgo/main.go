package main

import (
	"github.com/picolm/maml.go"
)

func main() {
	mamlgo.Execute()
}
