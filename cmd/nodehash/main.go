package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/pkg/packet"
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: nodehash UUID...")
		os.Exit(1)
	}

	for _, arg := range flag.Args() {
		id, err := uuid.Parse(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", arg, err)
			os.Exit(1)
		}
		fmt.Printf("%s  0x%08X\n", id, packet.NodeHash(id))
	}
}
