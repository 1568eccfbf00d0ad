package aegis

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MessageKind tags an IPC envelope. The set is closed: the supervisor
// sends STOP, TASK, and PING; workers reply with TASK_RESULT, PONG, and
// CRASH. Receivers skip kinds they don't know, so the set can grow
// without killing old workers.
type MessageKind string

const (
	KindStop       MessageKind = "STOP"
	KindTask       MessageKind = "TASK"
	KindPing       MessageKind = "PING"
	KindTaskResult MessageKind = "TASK_RESULT"
	KindPong       MessageKind = "PONG"
	KindCrash      MessageKind = "CRASH"
)

// Envelope is one IPC message. Envelopes are newline-delimited JSON, so
// the protocol works over any byte-oriented duplex channel: a child's
// stdio pipes, a container attach stream, or an in-memory pipe in tests.
type Envelope struct {
	Kind MessageKind `json:"kind"`

	// Task is set on TASK messages.
	Task *Task `json:"task,omitempty"`

	// Result is set on TASK_RESULT messages.
	Result *Result `json:"result,omitempty"`

	// Status carries the agent's self-reported status on PONG and
	// TASK_RESULT messages.
	Status string `json:"status,omitempty"`

	// Error carries the failure text on CRASH and failed TASK_RESULT
	// messages.
	Error string `json:"error,omitempty"`

	// Stack carries the stack trace on CRASH messages.
	Stack string `json:"stack,omitempty"`
}

// maxEnvelopeSize bounds a single wire message.
const maxEnvelopeSize = 1 << 20

// errMalformed marks a line that could not be decoded as an envelope.
// Receivers may skip past it; the channel itself is still usable.
var errMalformed = errors.New("ipc: malformed message")

// ipcConn frames envelopes over a duplex byte channel. Sends are
// serialized; receives are single-reader.
type ipcConn struct {
	wmu  sync.Mutex
	w    io.Writer
	scan *bufio.Scanner
}

func newIPCConn(r io.Reader, w io.Writer) *ipcConn {
	scan := bufio.NewScanner(r)
	scan.Buffer(make([]byte, 64*1024), maxEnvelopeSize)
	return &ipcConn{w: w, scan: scan}
}

// send writes one envelope as a JSON line.
func (c *ipcConn) send(e Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ipc: marshal %s: %w", e.Kind, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ipc: write %s: %w", e.Kind, err)
	}
	return nil
}

// receive blocks until the next envelope or channel close. io.EOF means
// the peer is gone.
func (c *ipcConn) receive() (Envelope, error) {
	for c.scan.Scan() {
		line := c.scan.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Envelope
		if err := json.Unmarshal(line, &e); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return e, nil
	}
	if err := c.scan.Err(); err != nil {
		return Envelope{}, err
	}
	return Envelope{}, io.EOF
}
