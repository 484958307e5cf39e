// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// sprot-client accepts local TCP connections and relays each one over its
// own sprot session to a remote sprot-server.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/internal/iocopy"
	"github.com/sprotocol/sprot/metrics"
	"github.com/sprotocol/sprot/sessionmgr"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "sprot-client"
	app.Usage = "forward local TCP connections over sprot to a remote server"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "localaddr,l", Value: "127.0.0.1:12948", Usage: "local TCP listen address"},
		cli.StringFlag{Name: "remoteaddr,r", Value: "127.0.0.1:29900", Usage: "sprot server address, IP:port"},
		cli.StringFlag{Name: "hostname", Value: "sprot-client", Usage: "hostname stamped on outgoing frames"},
		cli.IntFlag{Name: "maxframesize", Value: 4096, Usage: "maximum wire frame size in bytes"},
		cli.IntFlag{Name: "noackcount", Value: 5, Usage: "data frames between forced acks"},
		cli.IntFlag{Name: "optimeout", Value: 500, Usage: "per-attempt operation timeout, milliseconds"},
		cli.IntFlag{Name: "maxretries", Value: 20, Usage: "retry budget for handshake/write/read"},
		cli.IntFlag{Name: "connecttimeout", Value: 5, Usage: "seconds allowed for the initial handshake"},
		cli.IntFlag{Name: "closewait", Value: 0, Usage: "seconds to wait before tearing a forwarded connection down"},
		cli.StringFlag{Name: "snmplog", Value: "", Usage: "collect counters to file, aware of Go time format, e.g. ./snmp-20060102.log"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "counter collection period, in seconds"},
		cli.StringFlag{Name: "log", Value: "", Usage: "log file; default goes to stderr"},
		cli.BoolFlag{Name: "quiet", Usage: "suppress per-connection open/close messages"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(c *cli.Context) error {
	if c.String("log") != "" {
		f, err := os.OpenFile(c.String("log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	opts := frame.DefaultOptions().Load(map[string]string{
		"max_frame_size": fmt.Sprint(c.Int("maxframesize")),
		"no_ack_count":   fmt.Sprint(c.Int("noackcount")),
		"op_timeout":     fmt.Sprint(c.Int("optimeout")),
		"max_retries":    fmt.Sprint(c.Int("maxretries")),
	})

	remote, err := resolveAddress(c.String("remoteaddr"))
	if err != nil {
		return errors.Wrap(err, "resolving remoteaddr")
	}

	listener, err := net.Listen("tcp", c.String("localaddr"))
	if err != nil {
		return errors.Wrap(err, "listening on localaddr")
	}
	defer listener.Close()

	log.Println("version:", VERSION)
	log.Println("listening on:", listener.Addr())
	log.Println("forwarding to:", remote)
	color.Green("sprot-client ready: %v -> %v", listener.Addr(), remote)

	mgr := sessionmgr.New(opts)
	defer mgr.Close()

	go metrics.Logger(c.String("snmplog"), time.Duration(c.Int("snmpperiod"))*time.Second)

	connectTimeout := time.Duration(c.Int("connecttimeout")) * time.Second
	closeWait := time.Duration(c.Int("closewait")) * time.Second
	hostname := c.String("hostname")
	quiet := c.Bool("quiet")

	var connID uint64
	for {
		tcpConn, err := listener.Accept()
		if err != nil {
			return errors.Wrap(err, "accepting local connection")
		}
		id := atomic.AddUint64(&connID, 1)
		go forward(mgr, tcpConn, remote, hostname, id, opts, connectTimeout, closeWait, quiet)
	}
}

// forward opens a dedicated sprot endpoint for this one TCP connection (a
// distinct "hostname" forces sessionmgr to bind a fresh ephemeral local
// port, since the wire format carries no connection id: two sessions aimed
// at the same remote from the same local socket are indistinguishable to
// the router) and pipes bytes bidirectionally until either side closes.
func forward(mgr *sessionmgr.Manager, tcpConn net.Conn, remote address.Address, hostname string, id uint64, opts frame.Options, connectTimeout, closeWait time.Duration, quiet bool) {
	defer tcpConn.Close()

	localConfig := map[string]string{
		"ip":       "0.0.0.0",
		"port":     "0",
		"hostname": fmt.Sprintf("%s-%d", hostname, id),
	}

	sess, err := mgr.Connect(localConfig, remote, connectTimeout)
	if err != nil {
		log.Println("connect:", err)
		return
	}
	defer sess.Disconnect()

	if !quiet {
		log.Println("session open", "in:", tcpConn.RemoteAddr(), "out:", remote)
		defer log.Println("session closed", "in:", tcpConn.RemoteAddr(), "out:", remote)
	}

	stream := iocopy.SessionStream{Session: sess, Timeout: connectTimeout}
	errA, errB := iocopy.Pipe(tcpConn, stream, closeWait)
	if errA != nil && errA != io.EOF {
		log.Println("pipe:", errA)
	}
	if errB != nil && errB != io.EOF {
		log.Println("pipe:", errB)
	}
}

func resolveAddress(hostport string) (address.Address, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return address.Address{}, err
	}
	return address.FromUDPAddr(udpAddr)
}
