// Package wire implements the newline-delimited JSON records exchanged
// between peers. Each TCP connection carries at most one request record and
// at most one response record.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// MaxRecordBytes bounds a single framed record.
const MaxRecordBytes = 64 * 1024

// Type is the declared type of a wire record.
type Type string

const (
	TypePing      Type = "PING"
	TypePong      Type = "PONG"
	TypeMsg       Type = "MSG"
	TypeAck       Type = "ACK"
	TypeDelivered Type = "DELIVERED"
)

var (
	// ErrEmpty is returned when a connection produced no data.
	ErrEmpty = errors.New("wire: empty record")
	// ErrMalformed is returned when a record cannot be decoded.
	ErrMalformed = errors.New("wire: malformed record")
	// ErrTooLarge is returned when a record exceeds MaxRecordBytes.
	ErrTooLarge = errors.New("wire: record too large")
	// ErrUnexpectedReply is returned when a response does not acknowledge the request.
	ErrUnexpectedReply = errors.New("wire: unexpected reply")
)

// Record is a single framed JSON object. Unknown types are kept verbatim in
// Raw so they can be surfaced as informational events.
type Record struct {
	Type        Type    `json:"type"`
	ID          string  `json:"id,omitempty"`
	Text        string  `json:"text,omitempty"`
	Sender      string  `json:"sender,omitempty"`
	ReplyToPort int     `json:"reply_to_port,omitempty"`
	TS          float64 `json:"ts,omitempty"`

	Raw []byte `json:"-"`
}

// Ping builds a liveness request.
func Ping() Record { return Record{Type: TypePing} }

// Pong builds a liveness response.
func Pong() Record { return Record{Type: TypePong} }

// Ack builds a first acknowledgment for id.
func Ack(id string) Record { return Record{Type: TypeAck, ID: id} }

// Delivered builds a second acknowledgment for id.
func Delivered(id string) Record { return Record{Type: TypeDelivered, ID: id} }

// Message builds a MSG record. replyToPort is the sender's listening port and
// ts is stamped as fractional Unix seconds.
func Message(id, text, sender string, replyToPort int, ts time.Time) Record {
	return Record{
		Type:        TypeMsg,
		ID:          id,
		Text:        text,
		Sender:      sender,
		ReplyToPort: replyToPort,
		TS:          float64(ts.UnixNano()) / float64(time.Second),
	}
}

// Encode writes rec followed by a newline.
func Encode(w io.Writer, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wire: marshal %s: %w", rec.Type, err)
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write %s: %w", rec.Type, err)
	}
	return nil
}

// Decode reads one record terminated by a newline or by end of stream.
func Decode(r io.Reader) (*Record, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxRecordBytes+1))
	line, err := br.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		if len(line) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrEmpty, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(line) > MaxRecordBytes {
		return nil, ErrTooLarge
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmpty
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(rec.Type)) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	rec.Raw = append([]byte(nil), line...)
	return &rec, nil
}

// Validate checks the fields required by the record's declared type. Records
// of unknown type are always valid.
func (r *Record) Validate() error {
	switch r.Type {
	case TypeMsg, TypeAck, TypeDelivered:
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%w: %s without id", ErrMalformed, r.Type)
		}
	}
	if r.ReplyToPort < 0 || r.ReplyToPort > 65535 {
		return fmt.Errorf("%w: reply_to_port %d out of range", ErrMalformed, r.ReplyToPort)
	}
	return nil
}

// ExpectAck verifies that resp is the first acknowledgment for id.
func ExpectAck(resp *Record, id string) error {
	if resp == nil {
		return fmt.Errorf("%w: no ACK for %s", ErrUnexpectedReply, id)
	}
	if resp.Type != TypeAck || resp.ID != id {
		return fmt.Errorf("%w: got %s(%s), want ACK(%s)", ErrUnexpectedReply, resp.Type, resp.ID, id)
	}
	return nil
}

// ExpectPong verifies that resp answers a liveness request.
func ExpectPong(resp *Record) error {
	if resp == nil || resp.Type != TypePong {
		return fmt.Errorf("%w: no PONG", ErrUnexpectedReply)
	}
	return nil
}
