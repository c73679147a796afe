package meterproof

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToProtoStruct converts a generic JSON object to a protobuf Struct.
// Numbers become doubles, so integers above 2^53 lose precision.
func ToProtoStruct(doc map[string]any) (*structpb.Struct, error) {
	plain, err := plainValue(doc)
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(plain.(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("convert to protobuf struct: %w", err)
	}
	return st, nil
}

// FromProtoStruct converts a protobuf Struct back to a generic JSON object.
func FromProtoStruct(st *structpb.Struct) map[string]any {
	return st.AsMap()
}

// ToProtoRecord converts a record to a protobuf Struct.
func ToProtoRecord(r SignedUsageRecord) (*structpb.Struct, error) {
	return ToProtoStruct(r.Map())
}

// FromProtoRecord converts a protobuf Struct to a record.
func FromProtoRecord(st *structpb.Struct) (SignedUsageRecord, error) {
	return RecordFromMap(FromProtoStruct(st))
}

// ToProtoBundle converts a bundle to a protobuf Struct.
func ToProtoBundle(b ExportBundle) (*structpb.Struct, error) {
	return ToProtoStruct(b.Map())
}

// FromProtoBundle converts a protobuf Struct to a bundle.
func FromProtoBundle(st *structpb.Struct) (ExportBundle, error) {
	return BundleFromMap(FromProtoStruct(st))
}

// MarshalProto encodes doc as a deterministic binary protobuf Struct.
func MarshalProto(doc map[string]any) ([]byte, error) {
	st, err := ToProtoStruct(doc)
	if err != nil {
		return nil, err
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal protobuf: %w", err)
	}
	return data, nil
}

// UnmarshalProto decodes a binary protobuf Struct.
func UnmarshalProto(data []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal protobuf: %w", err)
	}
	return FromProtoStruct(&st), nil
}
