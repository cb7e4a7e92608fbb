// Package command defines the IfcGeomServer message vocabulary on top of the
// wire primitives. Every message is one frame: an int32 tag, an int32 payload
// length, and the payload.
//
// Messages are split by capability. Those the client sends implement
// Encoder; those it receives implement Decoder. Bye implements both because
// the server acknowledges it with a Bye of its own.
package command

import "fmt"

// Version is the server version this client speaks. The handshake compares
// it byte-for-byte with the version the server reports.
const Version = "IfcOpenShell-0.6.0a1-0"

// Tag identifies a message type.
type Tag int32

const (
	TagHello Tag = 0xff00 + iota
	TagModel
	TagGet
	TagEntity
	TagMore
	TagNext
	TagBye
	TagGetLog
	TagLog
	TagDeflection
	TagSetting
)

var tagNames = map[Tag]string{
	TagHello:      "hello",
	TagModel:      "model",
	TagGet:        "get",
	TagEntity:     "entity",
	TagMore:       "more",
	TagNext:       "next",
	TagBye:        "bye",
	TagGetLog:     "get_log",
	TagLog:        "log",
	TagDeflection: "deflection",
	TagSetting:    "setting",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%x)", int32(t))
}

// Known reports whether t is part of the protocol.
func (t Tag) Known() bool {
	_, ok := tagNames[t]
	return ok
}

type capability uint8

const (
	canEncode capability = 1 << iota
	canDecode
)

var capabilities = map[Tag]capability{
	TagHello:      canDecode,
	TagModel:      canEncode,
	TagGet:        canEncode,
	TagEntity:     canDecode,
	TagMore:       canDecode,
	TagNext:       canEncode,
	TagBye:        canEncode | canDecode,
	TagGetLog:     canEncode,
	TagLog:        canDecode,
	TagDeflection: canEncode,
	TagSetting:    canEncode,
}

// Encodable reports whether the client may send messages with tag t.
func Encodable(t Tag) bool {
	return capabilities[t]&canEncode != 0
}

// Decodable reports whether the client can decode messages with tag t.
func Decodable(t Tag) bool {
	return capabilities[t]&canDecode != 0
}
