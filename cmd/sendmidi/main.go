package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/internal"
	"github.com/somesmallstudio/midimesh/pkg/midi"
	"github.com/somesmallstudio/midimesh/pkg/packet"
	"github.com/somesmallstudio/midimesh/pkg/transport"
	"github.com/somesmallstudio/midimesh/pkg/utils"
)

var (
	dest     = flag.String("dest", "", "destination address host:port (required)")
	destNode = flag.String("dest-node", "", "destination node id (UUID, required)")
	deviceID = flag.Uint("device", 0, "destination device id")
	reliable = flag.Bool("reliable", false, "force the reliable path")
)

func main() {
	flag.Parse()

	if *dest == "" || *destNode == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: sendmidi -dest host:port -dest-node UUID [-device N] HEXBYTES...")
		fmt.Fprintln(os.Stderr, "example: sendmidi -dest 192.168.1.20:5004 -dest-node 4f3c... -device 5 903C64")
		os.Exit(1)
	}

	destID, err := uuid.Parse(*destNode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid destination node id: %v\n", err)
		os.Exit(1)
	}
	addr, err := net.ResolveUDPAddr("udp", *dest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid destination address: %v\n", err)
		os.Exit(1)
	}

	msg, err := hex.DecodeString(strings.ReplaceAll(strings.Join(flag.Args(), ""), " ", ""))
	if err != nil || len(msg) == 0 {
		fmt.Fprintf(os.Stderr, "invalid MIDI hex bytes: %v\n", err)
		os.Exit(1)
	}

	logger := internal.NewConsoleLogger()
	class := midi.Classify(msg)
	logger.Infof("sending %s (%s class) to %s device %d", utils.FormatMIDI(msg), class, addr, *deviceID)

	rt := transport.NewRealtime(transport.RealtimeConfig{Logger: logger})
	if err := rt.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "transport: %v\n", err)
		os.Exit(1)
	}
	defer rt.Stop()

	p := packet.NewDataPacket(uuid.New(), destID, uint16(*deviceID), msg, 0)

	if *reliable || p.IsReliable() || class == midi.ClassReliable {
		done := make(chan error, 1)
		rel := transport.NewReliable(transport.ReliableConfig{
			Send:   rt.SendRaw,
			Logger: logger,
		})
		rel.Start()
		defer rel.Stop()

		err := rel.SendReliable(p.Marshal(), addr,
			func() { done <- nil },
			func(reason string) { done <- fmt.Errorf("%s", reason) })
		if err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
		select {
		case err := <-done:
			if err != nil {
				fmt.Fprintf(os.Stderr, "delivery failed: %v\n", err)
				os.Exit(1)
			}
			logger.Infof("delivered and acknowledged")
		case <-time.After(5 * time.Second):
			fmt.Fprintln(os.Stderr, "timed out waiting for acknowledgement")
			os.Exit(1)
		}
		return
	}

	if err := rt.SendPacket(p, addr); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("sent best-effort")
}
