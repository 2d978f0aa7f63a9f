package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"stubrpc/message"
)

// BinaryCodec encodes *message.Message only:
//
//	kind(1) handle(16) callID(16) name(u16+n) path(u16+n) text(u32+n) stack(u32+n)
type BinaryCodec struct{}

var errNotMessage = errors.New("BinaryCodec: v must be *message.Message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errNotMessage
	}
	if len(msg.Name) > 0xffff || len(msg.Path) > 0xffff {
		return nil, fmt.Errorf("BinaryCodec: name or path longer than %d bytes", 0xffff)
	}

	total := 1 + 16 + 16 + 2 + len(msg.Name) + 2 + len(msg.Path) + 4 + len(msg.Text) + 4 + len(msg.Stack)
	buf := make([]byte, 0, total)

	buf = append(buf, byte(msg.Kind))
	buf = append(buf, msg.Handle[:]...)
	buf = append(buf, msg.CallID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Name)))
	buf = append(buf, msg.Name...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Path)))
	buf = append(buf, msg.Path...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Text)))
	buf = append(buf, msg.Text...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Stack)))
	buf = append(buf, msg.Stack...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errNotMessage
	}

	r := reader{data: data}
	msg.Kind = message.Kind(r.readByte())
	copy(msg.Handle[:], r.next(16))
	copy(msg.CallID[:], r.next(16))
	msg.Name = string(r.next(int(r.readUint16())))
	msg.Path = string(r.next(int(r.readUint16())))
	msg.Text = string(r.next(int(r.readUint32())))
	msg.Stack = string(r.next(int(r.readUint32())))
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader consumes a byte slice and remembers the first short read.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("BinaryCodec: truncated message at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) readByte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) readUint16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) readUint32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
