// Package rpcjson implements a grpc.Codec that marshals messages as
// JSON instead of protobuf wire bytes, for services registered by hand
// against a google.golang.org/grpc.ServiceDesc rather than generated
// from a .proto file.
package rpcjson

import "encoding/json"

// Name is the codec name negotiated over the wire (the "grpc-encoding"
// content-subtype), analogous to "proto" for the default codec.
const Name = "json"

// Codec implements google.golang.org/grpc/encoding.Codec.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string {
	return Name
}
