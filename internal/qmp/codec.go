// Package qmp frames and parses the QEMU Machine Protocol, QEMU's
// newline-delimited JSON control channel carried on the monitor's stdio.
package qmp

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"
)

// Event is a recognised QMP asynchronous event. Event values not in this
// set are reported as EventUnknown and must not cause decoding to fail:
// QEMU's event vocabulary grows across versions and callers are expected
// to ignore anything they don't recognise.
type Event int

const (
	EventUnknown Event = iota
	EventReset
	EventPowerdown
	EventShutdown
	EventStop
	EventResume
)

func (e Event) String() string {
	switch e {
	case EventReset:
		return "RESET"
	case EventPowerdown:
		return "POWERDOWN"
	case EventShutdown:
		return "SHUTDOWN"
	case EventStop:
		return "STOP"
	case EventResume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}

var eventNames = map[string]Event{
	"RESET":     EventReset,
	"POWERDOWN": EventPowerdown,
	"SHUTDOWN":  EventShutdown,
	"STOP":      EventStop,
	"RESUME":    EventResume,
}

// Message is one decoded line from the QMP channel. At most one of
// IsEvent or IsReturn is true; both are false for malformed lines, error
// replies and any other unrecognised object.
type Message struct {
	IsEvent  bool
	Event    Event
	IsReturn bool
	Raw      map[string]interface{}
}

// command is the wire shape of an outbound QMP command.
type command struct {
	Execute   string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

// hmcArguments is the arguments object for the human-monitor-command
// wrapper command.
type hmcArguments struct {
	CommandLine string `json:"command-line"`
}

// Encode produces the single-line JSON `{"execute": cmd, "arguments":
// args?}` expected on QMP's stdin. A trailing newline is appended so the
// result can be written directly to the monitor.
func Encode(cmd string, args map[string]interface{}) ([]byte, error) {
	var c command
	c.Execute = cmd
	if args != nil {
		c.Arguments = args
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// HMC wraps a free-form human monitor command line (e.g. "savevm
// suspend") in the human-monitor-command QMP envelope.
func HMC(line string) ([]byte, error) {
	b, err := json.Marshal(command{
		Execute:   "human-monitor-command",
		Arguments: hmcArguments{CommandLine: line},
	})
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Capabilities encodes the qmp_capabilities handshake command sent
// immediately after the monitor connects.
func Capabilities() ([]byte, error) {
	return Encode("qmp_capabilities", nil)
}

// Decoder reads newline-delimited QMP JSON objects from a reader, one
// per Next call. It never returns an error for malformed or unrecognised
// input: bad JSON is logged and surfaced as a Message with
// IsEvent/IsReturn both false, and unknown events are logged and surfaced
// as IsEvent with EventUnknown, so callers can simply ignore them,
// matching QEMU's own tolerance of unrecognised replies.
type Decoder struct {
	scanner *bufio.Scanner
	log     *logrus.Entry
}

// NewDecoder wraps r (typically the QEMU child's stdout) in a Decoder.
func NewDecoder(r io.Reader, log *logrus.Entry) *Decoder {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Decoder{
		scanner: bufio.NewScanner(r),
		log:     log.WithField("subsystem", "qmp"),
	}
}

// Next blocks until a line is available, decodes it, and returns the
// resulting Message. It returns io.EOF once the underlying reader is
// exhausted (the monitor's stdio closed, i.e. the QEMU process exited).
func (d *Decoder) Next() (Message, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return DecodeLine(d.scanner.Bytes(), d.log), nil
}

// DecodeLine decodes a single already-split line of QMP stdout. It is the
// line-at-a-time counterpart to Decoder, for callers (such as the VM
// lifecycle controller) that already receive stdout split into lines by
// a process abstraction rather than owning the io.Reader themselves.
func DecodeLine(line []byte, log *logrus.Entry) Message {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		log.WithError(err).Warnf("unable to decode QMP line: %s", string(line))
		return Message{}
	}

	if name, ok := raw["event"].(string); ok {
		ev, known := eventNames[name]
		if !known {
			log.WithField("event", name).Debug("ignoring unrecognised QMP event")
		}
		return Message{IsEvent: true, Event: ev, Raw: raw}
	}

	if _, ok := raw["return"]; ok {
		log.WithField("return", raw["return"]).Debug("QMP command acknowledged")
		return Message{IsReturn: true, Raw: raw}
	}

	if errData, ok := raw["error"]; ok {
		log.WithField("error", errData).Warn("QMP command failed")
		return Message{Raw: raw}
	}

	log.WithField("line", string(line)).Debug("discarding unrecognised QMP message")
	return Message{Raw: raw}
}
