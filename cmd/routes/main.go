package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/somesmallstudio/midimesh/pkg/midi"
	"github.com/somesmallstudio/midimesh/pkg/rules"
)

var (
	file       = flag.String("file", "rules.json", "forwarding rules JSON file")
	add        = flag.Bool("add", false, "add a rule")
	remove     = flag.String("remove", "", "remove a rule by id")
	srcNode    = flag.String("src-node", "", "source node id (empty = local)")
	srcDevice  = flag.Uint("src-device", 0, "source device id")
	dstNode    = flag.String("dst-node", "", "destination node id (empty = local)")
	dstDevice  = flag.Uint("dst-device", 0, "destination device id")
	priority   = flag.Int("priority", 0, "rule priority (default 100)")
	channel    = flag.Uint("channel", 0, "channel filter (0 = any)")
	typeFilter = flag.Uint("types", 0, "message type bitmask (0 = all)")
	disabled   = flag.Bool("disabled", false, "create the rule disabled")
)

func main() {
	flag.Parse()

	m := rules.NewManager(nil, nil)
	if _, err := os.Stat(*file); err == nil {
		if err := m.LoadFromFile(*file); err != nil {
			fmt.Fprintf(os.Stderr, "load: %v\n", err)
			os.Exit(1)
		}
	}

	switch {
	case *add:
		r := rules.Rule{
			Enabled:           !*disabled,
			Priority:          *priority,
			Source:            rules.Endpoint{DeviceID: uint16(*srcDevice)},
			Destination:       rules.Endpoint{DeviceID: uint16(*dstDevice)},
			ChannelFilter:     uint8(*channel),
			MessageTypeFilter: midi.MessageType(*typeFilter),
		}
		if *srcNode != "" {
			id, err := uuid.Parse(*srcNode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid source node: %v\n", err)
				os.Exit(1)
			}
			r.Source.NodeID = id
		}
		if *dstNode != "" {
			id, err := uuid.Parse(*dstNode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid destination node: %v\n", err)
				os.Exit(1)
			}
			r.Destination.NodeID = id
		}

		id, err := m.Add(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "add: %v\n", err)
			os.Exit(1)
		}
		if err := m.SaveToFile(*file); err != nil {
			fmt.Fprintf(os.Stderr, "save: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("added rule %s\n", id)

	case *remove != "":
		if !m.Remove(*remove) {
			fmt.Fprintf(os.Stderr, "no rule %s\n", *remove)
			os.Exit(1)
		}
		if err := m.SaveToFile(*file); err != nil {
			fmt.Fprintf(os.Stderr, "save: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("removed rule %s\n", *remove)

	default:
		all := m.All()
		if len(all) == 0 {
			fmt.Println("no rules")
			return
		}
		for _, r := range all {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-36s  prio %-4d  %s/%d -> %s/%d  ch=%d types=0x%02X  %s  fwd=%d drop=%d\n",
				r.RuleID, r.Priority,
				r.Source.NodeID, r.Source.DeviceID,
				r.Destination.NodeID, r.Destination.DeviceID,
				r.ChannelFilter, uint16(r.MessageTypeFilter), state,
				r.Statistics.MessagesForwarded, r.Statistics.MessagesDropped)
		}
		s := m.Statistics()
		fmt.Printf("%d rules (%d enabled), %d forwarded, %d dropped\n",
			s.TotalRules, s.EnabledRules, s.TotalForwarded, s.TotalDropped)
	}
}
