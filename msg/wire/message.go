package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Defines the frame format used to multiplex endpoint traffic over a
// single channel.  Every frame is a fixed size header followed by an
// opaque payload:
//
//   [0]      magic
//   [1]      type
//   [2:4]    subtype
//   [4:8]    source endpoint id
//   [8:12]   destination endpoint id
//   [12:16]  payload length
//
// All integers are big endian.
const (
	HeaderSize     = 16
	MaxMessageSize = 1 << 24
)

const (
	messageMagic = 0x2A
)

type MessageType uint8

const (
	TypeEndpoint MessageType = iota + 1
	TypeChannel
)

func (t MessageType) String() string {
	switch t {
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	case TypeEndpoint:
		return "Endpoint"
	case TypeChannel:
		return "Channel"
	}
}

type Subtype uint16

const (
	SubtypeEndpointData Subtype = iota + 1

	// Sent by the side that has just run its endpoint.  Carries the
	// sender's local id (source) to the receiver's local id (destination).
	SubtypeChannelRunEndpoint

	// Sent when one side of a running pipe detaches.
	SubtypeChannelRemoveEndpoint
	SubtypeChannelRemoveEndpointAck
)

func (s Subtype) String() string {
	switch s {
	default:
		return fmt.Sprintf("Subtype(%d)", uint16(s))
	case SubtypeEndpointData:
		return "Data"
	case SubtypeChannelRunEndpoint:
		return "RunEndpoint"
	case SubtypeChannelRemoveEndpoint:
		return "RemoveEndpoint"
	case SubtypeChannelRemoveEndpointAck:
		return "RemoveEndpointAck"
	}
}

// To be used when encoding errors occur.
type MessageEncodingError struct {
	reason string
}

func (e MessageEncodingError) Error() string {
	return fmt.Sprintf("Error encoding message: %v", e.reason)
}

// To be used when decoding errors occur.
type MessageDecodingError struct {
	reason string
}

func (e MessageDecodingError) Error() string {
	return fmt.Sprintf("Error decoding message: %v", e.reason)
}

type Message struct {
	Type        MessageType
	Subtype     Subtype
	Source      EndpointId
	Destination EndpointId
	Data        []byte
}

func NewDataMessage(src EndpointId, dst EndpointId, data []byte) Message {
	return Message{TypeEndpoint, SubtypeEndpointData, src, dst, data}
}

func NewControlMessage(sub Subtype, src EndpointId, dst EndpointId) Message {
	return Message{TypeChannel, sub, src, dst, nil}
}

func (m Message) String() string {
	return fmt.Sprintf("%v/%v(%v -> %v, %v bytes)", m.Type, m.Subtype, m.Source, m.Destination, len(m.Data))
}

// Verifies the type/subtype pairing and addressing of the message.
func (m Message) Validate() error {
	switch m.Type {
	default:
		return errors.Errorf("Unknown type [%v]", m.Type)
	case TypeEndpoint:
		if m.Subtype != SubtypeEndpointData {
			return errors.Errorf("Unknown endpoint subtype [%v]", m.Subtype)
		}
	case TypeChannel:
		switch m.Subtype {
		default:
			return errors.Errorf("Unknown channel subtype [%v]", m.Subtype)
		case SubtypeChannelRunEndpoint, SubtypeChannelRemoveEndpoint, SubtypeChannelRemoveEndpointAck:
		}
		if len(m.Data) > 0 {
			return errors.Errorf("Unexpected payload on [%v]", m.Subtype)
		}
	}

	if !m.Source.Valid() || !m.Destination.Valid() {
		return errors.Errorf("Invalid addressing [%v -> %v]", m.Source, m.Destination)
	}

	if len(m.Data) > MaxMessageSize {
		return errors.Errorf("Payload too large [%v]", len(m.Data))
	}
	return nil
}

// Writes the message as a single frame.  The frame is assembled in
// memory first so that concurrent writers never interleave.
func WriteMessage(w io.Writer, m Message) error {
	if err := m.Validate(); err != nil {
		return MessageEncodingError{err.Error()}
	}

	buf := make([]byte, HeaderSize+len(m.Data))
	buf[0] = messageMagic
	buf[1] = byte(m.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Subtype))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.Source))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Destination))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(m.Data)))
	copy(buf[HeaderSize:], m.Data)

	_, err := w.Write(buf)
	return err
}

// Reads the next frame.  Returns io.EOF only if the stream ended cleanly
// on a frame boundary.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}

	if header[0] != messageMagic {
		return Message{}, MessageDecodingError{fmt.Sprintf("Bad magic [%#x]", header[0])}
	}

	size := binary.BigEndian.Uint32(header[12:16])
	if size > MaxMessageSize {
		return Message{}, MessageDecodingError{fmt.Sprintf("Payload too large [%v]", size)}
	}

	m := Message{
		Type:        MessageType(header[1]),
		Subtype:     Subtype(binary.BigEndian.Uint16(header[2:4])),
		Source:      EndpointId(binary.BigEndian.Uint32(header[4:8])),
		Destination: EndpointId(binary.BigEndian.Uint32(header[8:12])),
	}

	if size > 0 {
		m.Data = make([]byte, size)
		if _, err := io.ReadFull(r, m.Data); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}

	if err := m.Validate(); err != nil {
		return Message{}, MessageDecodingError{err.Error()}
	}
	return m, nil
}
