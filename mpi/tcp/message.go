package tcp

import (
	"encoding/binary"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var endian = binary.LittleEndian

// connectionHeader is exchanged once per connection. The run id fences off
// stray peers from a previous or concurrent launch.
type connectionHeader struct {
	RunID   uuid.UUID
	SrcRank uint32
}

func (h connectionHeader) WriteTo(w io.Writer) error {
	if _, err := w.Write(h.RunID[:]); err != nil {
		return err
	}
	return binary.Write(w, endian, h.SrcRank)
}

func (h *connectionHeader) ReadFrom(r io.Reader) error {
	if _, err := io.ReadFull(r, h.RunID[:]); err != nil {
		return err
	}
	return binary.Read(r, endian, &h.SrcRank)
}

// message is the unit of point-to-point traffic.
type message struct {
	SrcRank uint32
	Tag     uint64
	Length  uint32
	Data    []byte
}

func newMessage(src, tag int, bs []byte) *message {
	return &message{
		SrcRank: uint32(src),
		Tag:     uint64(tag),
		Length:  uint32(len(bs)),
		Data:    bs,
	}
}

func (m message) WriteTo(w io.Writer) error {
	if err := binary.Write(w, endian, m.SrcRank); err != nil {
		return err
	}
	if err := binary.Write(w, endian, m.Tag); err != nil {
		return err
	}
	if err := binary.Write(w, endian, m.Length); err != nil {
		return err
	}
	_, err := w.Write(m.Data)
	return err
}

func (m *message) ReadFrom(r io.Reader) error {
	if err := binary.Read(r, endian, &m.SrcRank); err != nil {
		return err
	}
	if err := binary.Read(r, endian, &m.Tag); err != nil {
		return err
	}
	if err := binary.Read(r, endian, &m.Length); err != nil {
		return err
	}
	m.Data = make([]byte, m.Length)
	if _, err := io.ReadFull(r, m.Data); err != nil {
		return errors.Wrap(err, "short message body")
	}
	return nil
}
