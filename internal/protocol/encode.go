package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Encode serializes a record exactly as the program lays it out, discriminator first.
func (l *Layout[T]) Encode(v *T) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(l.Discriminator[:])
	enc := bin.NewBorshEncoder(&buf)
	for _, fd := range l.fields {
		if err := writeField(enc, fd.ref(v)); err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", l.Record, fd.name, err)
		}
	}
	return buf.Bytes(), nil
}

// EncodeAccount pads the encoded record with zeros up to an allocated account size.
func (l *Layout[T]) EncodeAccount(v *T, size int) ([]byte, error) {
	data, err := l.Encode(v)
	if err != nil {
		return nil, err
	}
	if len(data) > size {
		return nil, fmt.Errorf("encode %s: %d bytes exceed account size %d", l.Record, len(data), size)
	}
	out := make([]byte, size)
	copy(out, data)
	return out, nil
}

func writeField(enc *bin.Encoder, ptr any) error {
	switch v := ptr.(type) {
	case *solana.PublicKey:
		return enc.WriteBytes(v[:], false)
	case *uint64:
		return enc.WriteUint64(*v, binary.LittleEndian)
	case *int64:
		return enc.WriteInt64(*v, binary.LittleEndian)
	case *uint16:
		return enc.WriteUint16(*v, binary.LittleEndian)
	case *uint8:
		return enc.WriteUint8(*v)
	case *OrderType:
		return enc.WriteUint8(uint8(*v))
	case *bool:
		return enc.WriteBool(*v)
	case *string:
		if err := enc.WriteUint32(uint32(len(*v)), binary.LittleEndian); err != nil {
			return err
		}
		return enc.WriteBytes([]byte(*v), false)
	default:
		return fmt.Errorf("unsupported field type %T", ptr)
	}
}
