/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package host

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmsipbridge/bridge/relay"
	"stash.kopano.io/kwm/kwmsipbridge/internal/bpool"
)

var errLineTooLong = errors.New("line too long")

// StdioHost exchanges newline delimited JSON messages with a parent process.
type StdioHost struct {
	logger logrus.FieldLogger

	reader io.Reader

	mutex  deadlock.Mutex
	writer io.Writer
	closed bool

	messages chan *relay.Message
}

// NewStdioHost creates a new StdioHost reading from r and writing to w.
func NewStdioHost(options *Options, r io.Reader, w io.Writer) *StdioHost {
	return &StdioHost{
		logger: options.Logger,

		reader: r,
		writer: w,

		messages: make(chan *relay.Message, maxChSize),
	}
}

// Run announces readiness and reads messages until the reader ends or the
// provided context is done.
func (h *StdioHost) Run(ctx context.Context) error {
	if err := h.Send(readyMessage()); err != nil {
		return fmt.Errorf("failed to send ready message: %w", err)
	}

	lines := make(chan []byte)
	errCh := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(h.reader)
		for {
			line, err := readLine(reader, maxMessageSize)
			if errors.Is(err, errLineTooLong) {
				h.logger.WithField("limit", maxMessageSize).Warnln("host message too long, skipped")
				continue
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				errCh <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			h.logger.Infoln("host stdio input closed")
			h.mutex.Lock()
			h.closed = true
			h.mutex.Unlock()
			return err
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			message := &relay.Message{}
			if err := json.Unmarshal(line, message); err != nil {
				h.logger.WithError(err).Warnln("host message parse error")
				continue
			}
			h.messages <- message
		}
	}
}

// Messages implements the relay.Host interface.
func (h *StdioHost) Messages() <-chan *relay.Message {
	return h.messages
}

// Send implements the relay.Host interface.
func (h *StdioHost) Send(message *relay.Message) error {
	b := bpool.Get()
	defer bpool.Put(b)

	// Encode appends the newline delimiter.
	if err := json.NewEncoder(b).Encode(message); err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return ErrNoHost
	}
	_, err := h.writer.Write(b.Bytes())
	return err
}

// Connected reports if the parent process input is still open.
func (h *StdioHost) Connected() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return !h.closed
}

// readLine returns the next line without its delimiter. A line longer than
// limit is consumed up to its end and reported as errLineTooLong, so the
// following lines stay readable.
func readLine(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			size := len(line) + len(chunk)
			if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
				size--
			}
			if size > limit {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong:
			return nil, errLineTooLong
		case err == nil, errors.Is(err, io.EOF) && len(line) > 0:
			return bytes.TrimRight(line, "\r\n"), nil
		default:
			return nil, err
		}
	}
}
