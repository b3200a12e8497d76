/*
 * Command meshlink-chat is a minimal two-node chat demo built on the
 * meshlink package: each side opens a mesh, exchanges export blobs out
 * of band (paste them into each other's terminal), then chats over a
 * single reliable channel once the peer becomes reachable.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or (at
 * your option) any later version.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/meshlink/meshlink"
)

const chatPort = 1

func main() {
	var (
		name      = flag.String("name", "", "this node's name")
		confbase  = flag.String("confbase", "", "configuration directory (empty: ephemeral, memory-only)")
		port      = flag.String("port", meshlink.DefaultPort, "TCP/UDP port to listen on")
		peer      = flag.String("peer", "", "name of the peer to chat with")
		canonical = flag.String("address", "", "host:port to advertise as this node's canonical address")
	)
	flag.Parse()

	if *name == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: meshlink-chat -name <self> -peer <other> [-confbase dir] [-port 655] [-address host:port]")
		os.Exit(2)
	}

	var (
		mesh *meshlink.Mesh
		err  error
	)
	if *confbase == "" {
		mesh, err = meshlink.OpenEphemeral(*name, meshlink.DeviceStationary)
	} else {
		mesh, err = meshlink.Open(*confbase, *name, meshlink.DeviceStationary)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer mesh.Close()

	if err := mesh.SetPort(*port); err != nil {
		fmt.Fprintln(os.Stderr, "set_port:", err)
		os.Exit(1)
	}

	connected := make(chan struct{}, 1)
	mesh.SetNodeStatusCb(func(node *meshlink.Node, reachable bool) {
		if node.Name == *peer && reachable {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
		fmt.Fprintf(os.Stderr, "* %s is now %s\n", node.Name, reachability(reachable))
	})
	mesh.SetChannelAcceptCb(func(ch *meshlink.Channel, port uint32, data []byte) bool {
		return port == chatPort
	})
	mesh.SetChannelReceiveCb(func(ch *meshlink.Channel, data []byte, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "* channel closed: %v\n", err)
			return
		}
		fmt.Printf("%s: %s", *peer, data)
	})

	if err := mesh.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}

	if *canonical != "" {
		host, cport, found := strings.Cut(*canonical, ":")
		if !found {
			cport = *port
		}
		if err := mesh.SetCanonicalAddress(host, cport); err != nil {
			fmt.Fprintln(os.Stderr, "set_canonical_address:", err)
		}
	}

	blob, err := mesh.Export()
	if err != nil {
		fmt.Fprintln(os.Stderr, "export (set -address first):", err)
	} else {
		fmt.Println("--- paste this line into the peer's terminal ---")
		fmt.Println(blob)
		fmt.Println("--- then paste the peer's own export line below ---")
	}

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for in.Scan() {
		line := in.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := mesh.Import(line); err != nil {
			fmt.Fprintln(os.Stderr, "import:", err)
			continue
		}
		break
	}

	fmt.Fprintf(os.Stderr, "* waiting for %s to become reachable...\n", *peer)
	select {
	case <-connected:
	case <-time.After(60 * time.Second):
		fmt.Fprintln(os.Stderr, "timed out waiting for peer")
		os.Exit(1)
	}

	ch, err := mesh.ChannelOpen(*peer, chatPort, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "channel_open:", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stderr, "* connected, type a message and press enter")
	for in.Scan() {
		msg := in.Text() + "\n"
		if _, err := ch.Send([]byte(msg)); err != nil {
			fmt.Fprintln(os.Stderr, "send:", err)
		}
	}
}

func reachability(r bool) string {
	if r {
		return "reachable"
	}
	return "unreachable"
}
