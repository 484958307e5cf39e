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

// sprot-server accepts sprot sessions from any peer on one local endpoint
// and relays each one to a fixed TCP or unix target.
package main

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/sprotocol/sprot/address"
	"github.com/sprotocol/sprot/frame"
	"github.com/sprotocol/sprot/internal/iocopy"
	"github.com/sprotocol/sprot/metrics"
	"github.com/sprotocol/sprot/session"
	"github.com/sprotocol/sprot/sessionmgr"
)

// VERSION is injected by build flags.
var VERSION = "SELFBUILD"

// acceptTimeout bounds one Accept call. It only needs to be long enough that
// the handshake retry loop (opts.MaxRetries attempts of opts.OpTimeoutMillis
// each) can genuinely block waiting for a peer; the outer accept loop simply
// calls Accept again when one round comes up empty.
const acceptTimeout = 24 * time.Hour

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "sprot-server"
	app.Usage = "accept sprot sessions and relay them to a TCP or unix target"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen,l", Value: "0.0.0.0:29900", Usage: "sprot listen address, IP:port"},
		cli.StringFlag{Name: "target,t", Value: "127.0.0.1:12948", Usage: "target address, or path/to/unix_socket"},
		cli.StringFlag{Name: "hostname", Value: "sprot-server", Usage: "hostname stamped on outgoing frames"},
		cli.IntFlag{Name: "maxframesize", Value: 4096, Usage: "maximum wire frame size in bytes"},
		cli.IntFlag{Name: "noackcount", Value: 5, Usage: "data frames between forced acks"},
		cli.IntFlag{Name: "optimeout", Value: 500, Usage: "per-attempt operation timeout, milliseconds"},
		cli.IntFlag{Name: "maxretries", Value: 20, Usage: "retry budget for handshake/write/read"},
		cli.IntFlag{Name: "closewait", Value: 30, Usage: "seconds to wait before tearing a forwarded connection down"},
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

	host, port, err := net.SplitHostPort(c.String("listen"))
	if err != nil {
		return errors.Wrap(err, "parsing listen address")
	}
	localConfig := map[string]string{"ip": host, "port": port, "hostname": c.String("hostname")}

	mgr := sessionmgr.New(opts)
	defer mgr.Close()

	boundAddr, err := mgr.LocalAddr(localConfig)
	if err != nil {
		return errors.Wrap(err, "binding listen endpoint")
	}

	log.Println("version:", VERSION)
	log.Println("listening on:", boundAddr)
	log.Println("target:", c.String("target"))
	color.Green("sprot-server ready: %v -> %v", boundAddr, c.String("target"))

	go metrics.Logger(c.String("snmplog"), time.Duration(c.Int("snmpperiod"))*time.Second)

	target := c.String("target")
	closeWait := time.Duration(c.Int("closewait")) * time.Second
	quiet := c.Bool("quiet")

	for {
		wildcard := address.Wildcard
		sess, err := mgr.Accept(localConfig, &wildcard, acceptTimeout)
		if err != nil {
			log.Println("accept:", err)
			continue
		}
		go relay(sess, target, closeWait, quiet)
	}
}

// relay dials the fixed upstream target and pipes bytes between it and the
// accepted sprot session until either side closes.
func relay(sess *session.Session, target string, closeWait time.Duration, quiet bool) {
	defer sess.Disconnect()

	network := "tcp"
	if _, _, err := net.SplitHostPort(target); err != nil {
		network = "unix"
	}
	upstream, err := net.Dial(network, target)
	if err != nil {
		log.Println("dial target:", err)
		return
	}
	defer upstream.Close()

	remote := sess.GetConfig().Remote
	if !quiet {
		log.Println("session open", "in:", remote, "out:", upstream.RemoteAddr())
		defer log.Println("session closed", "in:", remote, "out:", upstream.RemoteAddr())
	}

	stream := iocopy.SessionStream{Session: sess, Timeout: time.Second}
	errA, errB := iocopy.Pipe(upstream, stream, closeWait)
	if errA != nil && errA != io.EOF {
		log.Println("pipe:", errA)
	}
	if errB != nil && errB != io.EOF {
		log.Println("pipe:", errB)
	}
}
