// Package geometry holds the records produced by the geometry server and
// the interface through which they are handed to downstream consumers.
package geometry

import "context"

// TransformSize is the number of entries in an entity's placement matrix.
const TransformSize = 16

// Entity is one computed geometry result, decoded field-for-field from an
// Entity frame. Beyond their wire widths the fields are opaque: the server
// decides what the strings, identifiers and trailing arrays mean.
type Entity struct {
	ID             int32     `json:"id" cbor:"1,keyasint"`
	GUID           string    `json:"guid" cbor:"2,keyasint"`
	Name           string    `json:"name" cbor:"3,keyasint"`
	Type           string    `json:"type" cbor:"4,keyasint"`
	StyleID        int32     `json:"style_id" cbor:"5,keyasint"`
	Transform      []float64 `json:"transform" cbor:"6,keyasint"`
	Flags          int32     `json:"flags" cbor:"7,keyasint"`
	Positions      []float32 `json:"positions" cbor:"8,keyasint"`
	Normals        []float32 `json:"normals" cbor:"9,keyasint"`
	Indices        []int32   `json:"indices" cbor:"10,keyasint"`
	AttributeData  []float32 `json:"attribute_data" cbor:"11,keyasint"`
	FaceAttributes []int32   `json:"face_attributes" cbor:"12,keyasint"`
	Trailer        string    `json:"trailer,omitempty" cbor:"13,keyasint,omitempty"`
	HasTrailer     bool      `json:"has_trailer,omitempty" cbor:"14,keyasint,omitempty"`
}

// VertexCount is the number of xyz triples in Positions.
func (e Entity) VertexCount() int {
	return len(e.Positions) / 3
}

// FaceCount is the number of triangles described by Indices.
func (e Entity) FaceCount() int {
	return len(e.Indices) / 3
}

// Applier consumes entities in arrival order, typically writing geometry
// back onto the domain object identified by Entity.ID.
type Applier interface {
	Apply(ctx context.Context, entity Entity) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, entity Entity) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, entity Entity) error {
	return f(ctx, entity)
}
