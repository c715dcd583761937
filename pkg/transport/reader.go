package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Joxtacy/pc-audio-mixer/pkg/device"
)

// reader owns an open port and turns its byte stream into lines.
type reader struct {
	port device.Port
	out  chan string
	err  error // valid once out is closed

	stop     chan struct{}
	stopOnce sync.Once
}

func startReader(port device.Port, maxLine int) *reader {
	r := &reader{
		port: port,
		out:  make(chan string, 16),
		stop: make(chan struct{}),
	}
	go r.loop(maxLine)
	return r
}

func (r *reader) loop(maxLine int) {
	defer close(r.out)
	defer func() {
		if rec := recover(); rec != nil {
			r.err = fmt.Errorf("panic in read loop: %v", rec)
		}
	}()

	r.err = readLines(r.port, maxLine, func(line string) bool {
		select {
		case r.out <- line:
			return true
		case <-r.stop:
			return false
		}
	})
}

// close stops the loop and releases the port. Safe to call more than once.
func (r *reader) close() {
	r.stopOnce.Do(func() {
		close(r.stop)
		r.port.Close()
	})
}

// stopped reports whether close was called, so a read error caused by it is not a failure.
func (r *reader) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// readLines calls emit for each non-empty line until r fails or emit returns
// false. A line longer than maxLine is emitted once as an oversize chunk, the
// rest of it is discarded, so the decoder rejects it and reading continues.
func readLines(r io.Reader, maxLine int, emit func(string) bool) error {
	br := bufio.NewReaderSize(r, maxLine+2)
	oversize := false

	for {
		chunk, err := br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			if !oversize {
				oversize = true
				if !emit(string(chunk)) {
					return nil
				}
			}
			continue
		}
		if err != nil {
			return err
		}
		if oversize {
			oversize = false
			continue
		}

		line := strings.TrimSpace(string(chunk))
		if line == "" {
			continue
		}
		if !emit(line) {
			return nil
		}
	}
}
