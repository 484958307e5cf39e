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

// Package iocopy provides the stream-copy and bidirectional-pipe helpers
// the sprot command-line tools use to forward a local stream (a TCP or unix
// socket connection) onto a sprot session.Session and back.
package iocopy

import (
	"io"
	"sync"
	"time"

	"github.com/sprotocol/sprot/session"
)

const bufSize = 4096

// Copy is a memory-conscious replacement for io.Copy: it prefers the
// source's WriteTo or the destination's ReadFrom before falling back to
// io.CopyBuffer with a 4096-byte buffer allocated per call (smaller than
// io.Copy's default 32 KiB).
func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rt, ok := dst.(io.ReaderFrom); ok {
		return rt.ReadFrom(src)
	}
	buf := make([]byte, bufSize)
	return io.CopyBuffer(dst, src, buf)
}

// Pipe copies alice->bob and bob->alice concurrently. As soon as either
// direction returns, both ends are closed, which ends the other direction;
// Pipe returns once both have returned. closeWait, when positive, delays
// that close so that a final write flushed by whichever side finished first
// has a chance to reach its peer before the pipe tears down.
func Pipe(alice, bob io.ReadWriteCloser, closeWait time.Duration) (errA, errB error) {
	var closeOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(2)

	streamCopy := func(dst io.Writer, src io.ReadCloser, errp *error) {
		defer wg.Done()
		_, *errp = Copy(dst, src)
		closeOnce.Do(func() {
			if closeWait > 0 {
				time.Sleep(closeWait)
			}
			alice.Close()
			bob.Close()
		})
	}

	go streamCopy(alice, bob, &errA)
	go streamCopy(bob, alice, &errB)
	wg.Wait()
	return
}

// SessionStream adapts a session.Session, whose Read/Write take an explicit
// per-call timeout, to the io.ReadWriteCloser shape Pipe and Copy expect.
// Every Read/Write uses the same fixed timeout; a timed-out Read or Write
// surfaces as an error to the stream copy loop, which is how a stalled
// sprot session unwinds a pipe forwarding a local connection.
type SessionStream struct {
	Session *session.Session
	Timeout time.Duration
}

func (s SessionStream) Read(p []byte) (int, error) {
	return s.Session.Read(p, s.Timeout)
}

func (s SessionStream) Write(p []byte) (int, error) {
	return s.Session.Write(p, s.Timeout)
}

func (s SessionStream) Close() error {
	return s.Session.Disconnect()
}
