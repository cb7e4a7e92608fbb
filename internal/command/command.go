package command

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/dsconsultants/ifcgeom/internal/wire"
)

// Encoder is a message the client sends.
type Encoder interface {
	Tag() Tag
	EncodePayload(w *wire.Writer) error
}

// Streamer is an Encoder whose payload size is known up front, so the
// payload can be streamed after the length field instead of buffered.
type Streamer interface {
	Encoder
	PayloadLen() (int64, bool)
	StreamPayload(w *wire.Writer) error
}

// Decoder is a message the client receives.
type Decoder interface {
	Tag() Tag
	DecodePayload(r *wire.Reader) error
}

// SequenceError reports a frame whose tag is not the one the current
// protocol step requires. The stream is unusable afterwards.
type SequenceError struct {
	Want Tag
	Got  Tag
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("command: invalid command sequence: want %s, got %s", e.Want, e.Got)
}

// Write emits msg as one frame and flushes w when it is buffered.
//
// Payloads are serialized to a scratch buffer first so the length field
// always matches the bytes that follow. Streamers with a known length skip
// the scratch buffer.
func Write(w io.Writer, msg Encoder) error {
	if !Encodable(msg.Tag()) {
		panic(fmt.Sprintf("command: %s cannot be encoded", msg.Tag()))
	}

	out := wire.NewWriter(w)
	if streamer, ok := msg.(Streamer); ok {
		if n, known := streamer.PayloadLen(); known {
			if n > math.MaxInt32 {
				return fmt.Errorf("encode %s: %w", msg.Tag(), wire.ErrLengthOverflow)
			}
			if err := out.WriteInt32(int32(msg.Tag())); err != nil {
				return err
			}
			if err := out.WriteInt32(int32(n)); err != nil {
				return err
			}
			if err := streamer.StreamPayload(out); err != nil {
				return err
			}
			return flush(w)
		}
	}

	// Nothing reaches w until the payload has been encoded in full, so a
	// failing encoder leaves the stream untouched.
	var scratch bytes.Buffer
	if err := msg.EncodePayload(wire.NewWriter(&scratch)); err != nil {
		return fmt.Errorf("encode %s: %w", msg.Tag(), err)
	}
	if scratch.Len() > math.MaxInt32 {
		return fmt.Errorf("encode %s: %w", msg.Tag(), wire.ErrLengthOverflow)
	}
	if err := out.WriteInt32(int32(msg.Tag())); err != nil {
		return err
	}
	if err := out.WriteInt32(int32(scratch.Len())); err != nil {
		return err
	}
	if scratch.Len() > 0 {
		if _, err := w.Write(scratch.Bytes()); err != nil {
			return err
		}
	}
	return flush(w)
}

func flush(w io.Writer) error {
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadTag reads the next frame tag.
func ReadTag(r io.Reader) (Tag, error) {
	v, err := wire.NewReader(r).ReadInt32()
	if err != nil {
		return 0, err
	}
	return Tag(v), nil
}

// Expect reads the next frame tag and fails with a *SequenceError unless it
// equals want.
func Expect(r io.Reader, want Tag) error {
	got, err := ReadTag(r)
	if err != nil {
		return err
	}
	if got != want {
		return &SequenceError{Want: want, Got: got}
	}
	return nil
}

// ReadPayload reads a frame's length and payload from r and decodes it into
// msg with a cursor of its own, so a decoder can never read past its frame.
func ReadPayload(r io.Reader, msg Decoder, limits wire.Limits) error {
	if !Decodable(msg.Tag()) {
		panic(fmt.Sprintf("command: %s cannot be decoded", msg.Tag()))
	}

	in := wire.NewReader(r)
	n, err := in.ReadInt32()
	if err != nil {
		return err
	}
	payload, err := in.ReadPayload(n, limits)
	if err != nil {
		return fmt.Errorf("read %s payload: %w", msg.Tag(), err)
	}
	if err := msg.DecodePayload(wire.NewBufferReader(payload)); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Tag(), err)
	}
	return nil
}

// Receive is Expect followed by ReadPayload.
func Receive(r io.Reader, msg Decoder, limits wire.Limits) error {
	if err := Expect(r, msg.Tag()); err != nil {
		return err
	}
	return ReadPayload(r, msg, limits)
}

// WriteRawFrame emits a frame with an already-serialized payload, without
// the capability check Write applies. It exists for the server side of the
// protocol: fake servers in tests and fixture generators.
func WriteRawFrame(w io.Writer, tag Tag, payload []byte) error {
	out := wire.NewWriter(w)
	if err := out.WriteInt32(int32(tag)); err != nil {
		return err
	}
	if err := out.WriteInt32(int32(len(payload))); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := out.WriteRaw(payload); err != nil {
			return err
		}
	}
	return flush(w)
}
