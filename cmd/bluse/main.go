package main

import (
	"github.com/meerkat-bl/bluse/cmd/bluse/subcmd"
)

func main() {
	subcmd.Execute()
}
