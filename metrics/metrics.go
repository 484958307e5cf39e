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

// Package metrics is sprot's ambient observability layer: process-wide
// counters updated as frames move through the router and protocol layers,
// with an optional periodic CSV exporter. It deliberately sits outside the
// four protocol layers the specification names — nothing in router,
// protocol, or session depends on metrics being read, only on it being safe
// and cheap to increment.
package metrics

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Snmp holds the counters sprot tracks across every shared endpoint. The
// shape mirrors a classic SNMP MIB row: one exported uint64 per counted
// event, a Header/ToSlice pair for CSV export, and Copy for a snapshot.
// There is no Reset: counters only grow (ConnectionsOpen also decreases).
type Snmp struct {
	FramesSent       uint64
	FramesReceived   uint64
	BytesSent        uint64
	BytesReceived    uint64
	CrcErrors        uint64
	ShortReads       uint64
	RetransmitsSent  uint64
	RetransmitsRecv  uint64
	Acks             uint64
	Timeouts         uint64
	ConnectionsOpen  uint64
	ConnectionsTotal uint64
}

// DefaultSnmp is the process-wide counter set the router and protocol
// layers update directly; a metrics.Logger reads it on an interval.
var DefaultSnmp = NewSnmp()

// NewSnmp returns a zeroed counter set. The router and protocol layers
// update only DefaultSnmp, so a set made here counts nothing unless its
// owner increments it.
func NewSnmp() *Snmp {
	return new(Snmp)
}

func (s *Snmp) IncrFramesSent(n uint64)      { atomic.AddUint64(&s.FramesSent, n) }
func (s *Snmp) IncrFramesReceived(n uint64)  { atomic.AddUint64(&s.FramesReceived, n) }
func (s *Snmp) IncrBytesSent(n uint64)       { atomic.AddUint64(&s.BytesSent, n) }
func (s *Snmp) IncrBytesReceived(n uint64)   { atomic.AddUint64(&s.BytesReceived, n) }
func (s *Snmp) IncrCrcErrors(n uint64)       { atomic.AddUint64(&s.CrcErrors, n) }
func (s *Snmp) IncrShortReads(n uint64)      { atomic.AddUint64(&s.ShortReads, n) }
func (s *Snmp) IncrRetransmitsSent(n uint64) { atomic.AddUint64(&s.RetransmitsSent, n) }
func (s *Snmp) IncrRetransmitsRecv(n uint64) { atomic.AddUint64(&s.RetransmitsRecv, n) }
func (s *Snmp) IncrAcks(n uint64)            { atomic.AddUint64(&s.Acks, n) }
func (s *Snmp) IncrTimeouts(n uint64)        { atomic.AddUint64(&s.Timeouts, n) }
func (s *Snmp) IncrConnectionsOpen()  { atomic.AddUint64(&s.ConnectionsOpen, 1) }
func (s *Snmp) DecrConnectionsOpen()  { atomic.AddUint64(&s.ConnectionsOpen, ^uint64(0)) }
func (s *Snmp) IncrConnectionsTotal(n uint64) { atomic.AddUint64(&s.ConnectionsTotal, n) }

// Header names each column ToSlice emits, in the same order.
func (s *Snmp) Header() []string {
	return []string{
		"FramesSent", "FramesReceived", "BytesSent", "BytesReceived",
		"CrcErrors", "ShortReads", "RetransmitsSent", "RetransmitsRecv",
		"Acks", "Timeouts", "ConnectionsOpen", "ConnectionsTotal",
	}
}

// ToSlice renders every counter as a string, in Header's column order.
func (s *Snmp) ToSlice() []string {
	return []string{
		fmt.Sprint(atomic.LoadUint64(&s.FramesSent)),
		fmt.Sprint(atomic.LoadUint64(&s.FramesReceived)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesSent)),
		fmt.Sprint(atomic.LoadUint64(&s.BytesReceived)),
		fmt.Sprint(atomic.LoadUint64(&s.CrcErrors)),
		fmt.Sprint(atomic.LoadUint64(&s.ShortReads)),
		fmt.Sprint(atomic.LoadUint64(&s.RetransmitsSent)),
		fmt.Sprint(atomic.LoadUint64(&s.RetransmitsRecv)),
		fmt.Sprint(atomic.LoadUint64(&s.Acks)),
		fmt.Sprint(atomic.LoadUint64(&s.Timeouts)),
		fmt.Sprint(atomic.LoadUint64(&s.ConnectionsOpen)),
		fmt.Sprint(atomic.LoadUint64(&s.ConnectionsTotal)),
	}
}

// Copy takes an atomic snapshot, field by field, suitable for logging
// without racing concurrent increments.
func (s *Snmp) Copy() *Snmp {
	c := new(Snmp)
	c.FramesSent = atomic.LoadUint64(&s.FramesSent)
	c.FramesReceived = atomic.LoadUint64(&s.FramesReceived)
	c.BytesSent = atomic.LoadUint64(&s.BytesSent)
	c.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	c.CrcErrors = atomic.LoadUint64(&s.CrcErrors)
	c.ShortReads = atomic.LoadUint64(&s.ShortReads)
	c.RetransmitsSent = atomic.LoadUint64(&s.RetransmitsSent)
	c.RetransmitsRecv = atomic.LoadUint64(&s.RetransmitsRecv)
	c.Acks = atomic.LoadUint64(&s.Acks)
	c.Timeouts = atomic.LoadUint64(&s.Timeouts)
	c.ConnectionsOpen = atomic.LoadUint64(&s.ConnectionsOpen)
	c.ConnectionsTotal = atomic.LoadUint64(&s.ConnectionsTotal)
	return c
}

// Logger periodically appends one CSV row of DefaultSnmp's counters to
// path, formatting path itself as a time.Time layout so callers can roll
// logs daily (e.g. "./sprot-snmp-20060102.log"). A non-positive interval or
// empty path disables logging entirely. Meant to run in its own goroutine
// for the lifetime of the process; it returns only when the log file cannot
// be opened (CSV write errors are logged and the loop goes on).
func Logger(path string, interval time.Duration) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Println("metrics:", err)
			return
		}

		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(append([]string{"Unix"}, DefaultSnmp.Header()...)); err != nil {
				log.Println("metrics:", err)
			}
		}
		if err := w.Write(append([]string{fmt.Sprint(time.Now().Unix())}, DefaultSnmp.ToSlice()...)); err != nil {
			log.Println("metrics:", err)
		}
		w.Flush()
		f.Close()
	}
}
