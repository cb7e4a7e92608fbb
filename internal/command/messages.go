package command

import (
	"bytes"
	"io"

	"github.com/dsconsultants/ifcgeom/internal/geometry"
	"github.com/dsconsultants/ifcgeom/internal/wire"
)

// SettingID names a server-side toggle sent with a Setting message.
type SettingID int32

// SettingApplyLayerSets makes the server tessellate material layer sets as
// separate solids.
const SettingApplyLayerSets SettingID = 1 << 17

// Hello is the server's greeting, carrying its version string.
type Hello struct {
	Version string
}

func (*Hello) Tag() Tag {
	return TagHello
}

func (m *Hello) DecodePayload(r *wire.Reader) error {
	v, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Version = v
	return nil
}

// Model uploads the model file. With Size < 0 the source is read to the end
// and buffered to learn its length; otherwise exactly Size bytes are streamed.
type Model struct {
	Source io.Reader
	Size   int64
}

// NewModel returns a Model of unknown length.
func NewModel(src io.Reader) *Model {
	return &Model{Source: src, Size: -1}
}

// NewSizedModel returns a Model that streams size bytes from src.
func NewSizedModel(src io.Reader, size int64) *Model {
	return &Model{Source: src, Size: size}
}

func (*Model) Tag() Tag {
	return TagModel
}

// EncodePayload buffers the whole model in memory. Large models should be
// sent through NewSizedModel instead.
func (m *Model) EncodePayload(w *wire.Writer) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, m.Source); err != nil {
		return err
	}
	return w.WriteBytes(buf.Bytes())
}

func (m *Model) PayloadLen() (int64, bool) {
	if m.Size < 0 {
		return 0, false
	}
	return wire.BinaryFieldLen(m.Size), true
}

func (m *Model) StreamPayload(w *wire.Writer) error {
	return w.CopyBinary(m.Source, m.Size)
}

// Get asks for the entity under the server's cursor.
type Get struct{}

func (Get) Tag() Tag {
	return TagGet
}

func (Get) EncodePayload(*wire.Writer) error {
	return nil
}

// Next acknowledges the current entity and advances the server's cursor.
type Next struct{}

func (Next) Tag() Tag {
	return TagNext
}

func (Next) EncodePayload(*wire.Writer) error {
	return nil
}

// GetLog asks for the accumulated conversion log.
type GetLog struct{}

func (GetLog) Tag() Tag {
	return TagGetLog
}

func (GetLog) EncodePayload(*wire.Writer) error {
	return nil
}

// Bye ends the session. The server answers with a Bye of its own.
type Bye struct{}

func (Bye) Tag() Tag {
	return TagBye
}

func (Bye) EncodePayload(*wire.Writer) error {
	return nil
}

func (*Bye) DecodePayload(*wire.Reader) error {
	return nil
}

// More reports whether another Get will yield an entity.
type More struct {
	More bool
}

func (*More) Tag() Tag {
	return TagMore
}

func (m *More) DecodePayload(r *wire.Reader) error {
	v, err := r.ReadInt32()
	if err != nil {
		return err
	}
	m.More = v == 1
	return nil
}

// Log carries the server's diagnostic output.
type Log struct {
	Text string
}

func (*Log) Tag() Tag {
	return TagLog
}

func (m *Log) DecodePayload(r *wire.Reader) error {
	v, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Text = v
	return nil
}

// Deflection sets the tessellation chordal deviation tolerance.
type Deflection struct {
	Value float64
}

func (Deflection) Tag() Tag {
	return TagDeflection
}

func (m Deflection) EncodePayload(w *wire.Writer) error {
	return w.WriteFloat64(m.Value)
}

// Setting switches a server-side toggle.
type Setting struct {
	ID    SettingID
	Value int32
}

// NewBoolSetting encodes enabled as 1 or 0.
func NewBoolSetting(id SettingID, enabled bool) Setting {
	s := Setting{ID: id}
	if enabled {
		s.Value = 1
	}
	return s
}

func (Setting) Tag() Tag {
	return TagSetting
}

func (m Setting) EncodePayload(w *wire.Writer) error {
	if err := w.WriteInt32(int32(m.ID)); err != nil {
		return err
	}
	return w.WriteInt32(m.Value)
}

// EntityFrame decodes one geometry.Entity. Whatever bytes remain after the
// typed fields become the entity's trailer.
type EntityFrame struct {
	Entity geometry.Entity
}

func (*EntityFrame) Tag() Tag {
	return TagEntity
}

func (m *EntityFrame) DecodePayload(r *wire.Reader) error {
	var (
		e   geometry.Entity
		err error
	)
	if e.ID, err = r.ReadInt32(); err != nil {
		return err
	}
	if e.GUID, err = r.ReadString(); err != nil {
		return err
	}
	if e.Name, err = r.ReadString(); err != nil {
		return err
	}
	if e.Type, err = r.ReadString(); err != nil {
		return err
	}
	if e.StyleID, err = r.ReadInt32(); err != nil {
		return err
	}
	if e.Transform, err = r.ReadFloat64s(); err != nil {
		return err
	}
	if e.Flags, err = r.ReadInt32(); err != nil {
		return err
	}
	if e.Positions, err = r.ReadFloat32s(); err != nil {
		return err
	}
	if e.Normals, err = r.ReadFloat32s(); err != nil {
		return err
	}
	if e.Indices, err = r.ReadInt32s(); err != nil {
		return err
	}
	if e.AttributeData, err = r.ReadFloat32s(); err != nil {
		return err
	}
	if e.FaceAttributes, err = r.ReadInt32s(); err != nil {
		return err
	}
	if rest := r.Rest(); rest != nil {
		e.Trailer = string(rest)
		e.HasTrailer = true
	}
	m.Entity = e
	return nil
}

// EncodeEntity writes e in Entity-frame layout. The client never sends
// entities; fake servers and fixtures do.
func EncodeEntity(w *wire.Writer, e geometry.Entity) error {
	steps := []func() error{
		func() error { return w.WriteInt32(e.ID) },
		func() error { return w.WriteString(e.GUID) },
		func() error { return w.WriteString(e.Name) },
		func() error { return w.WriteString(e.Type) },
		func() error { return w.WriteInt32(e.StyleID) },
		func() error { return w.WriteFloat64s(e.Transform) },
		func() error { return w.WriteInt32(e.Flags) },
		func() error { return w.WriteFloat32s(e.Positions) },
		func() error { return w.WriteFloat32s(e.Normals) },
		func() error { return w.WriteInt32s(e.Indices) },
		func() error { return w.WriteFloat32s(e.AttributeData) },
		func() error { return w.WriteInt32s(e.FaceAttributes) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	if e.HasTrailer {
		return w.WriteRaw([]byte(e.Trailer))
	}
	return nil
}

var (
	_ Decoder  = (*Hello)(nil)
	_ Streamer = (*Model)(nil)
	_ Encoder  = Get{}
	_ Encoder  = Next{}
	_ Encoder  = GetLog{}
	_ Encoder  = Bye{}
	_ Decoder  = (*Bye)(nil)
	_ Decoder  = (*More)(nil)
	_ Decoder  = (*Log)(nil)
	_ Encoder  = Deflection{}
	_ Encoder  = Setting{}
	_ Decoder  = (*EntityFrame)(nil)
)
