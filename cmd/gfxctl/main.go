// Command gfxctl is the thin executable wrapper around package gfxctl.
package main

import (
	"log"

	"github.com/ivbhsw/gfxkm/gfxctl"
)

func main() {
	if err := gfxctl.Run(); err != nil {
		log.Fatal(err)
	}
}
