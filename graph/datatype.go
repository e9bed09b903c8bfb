// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// DataType enumerates the element types of the graph interchange format. The values match
// the `DataType` enum of TensorFlow's `types.proto`, so they are written to the wire as is.
type DataType int32

const (
	DTInvalid    DataType = 0
	DTFloat      DataType = 1
	DTDouble     DataType = 2
	DTInt32      DataType = 3
	DTUint8      DataType = 4
	DTInt16      DataType = 5
	DTInt8       DataType = 6
	DTString     DataType = 7
	DTComplex64  DataType = 8
	DTInt64      DataType = 9
	DTBool       DataType = 10
	DTQInt8      DataType = 11
	DTQUint8     DataType = 12
	DTQInt32     DataType = 13
	DTBFloat16   DataType = 14
	DTQInt16     DataType = 15
	DTQUint16    DataType = 16
	DTUint16     DataType = 17
	DTComplex128 DataType = 18
	DTHalf       DataType = 19
	DTResource   DataType = 20
	DTVariant    DataType = 21
	DTUint32     DataType = 22
	DTUint64     DataType = 23

	// refOffset is added to a DataType to get its reference ("_REF") version, used by the outputs
	// of legacy (non-resource) variables.
	refOffset DataType = 100
)

var dataTypeNames = map[DataType]string{
	DTInvalid:    "DT_INVALID",
	DTFloat:      "DT_FLOAT",
	DTDouble:     "DT_DOUBLE",
	DTInt32:      "DT_INT32",
	DTUint8:      "DT_UINT8",
	DTInt16:      "DT_INT16",
	DTInt8:       "DT_INT8",
	DTString:     "DT_STRING",
	DTComplex64:  "DT_COMPLEX64",
	DTInt64:      "DT_INT64",
	DTBool:       "DT_BOOL",
	DTQInt8:      "DT_QINT8",
	DTQUint8:     "DT_QUINT8",
	DTQInt32:     "DT_QINT32",
	DTBFloat16:   "DT_BFLOAT16",
	DTQInt16:     "DT_QINT16",
	DTQUint16:    "DT_QUINT16",
	DTUint16:     "DT_UINT16",
	DTComplex128: "DT_COMPLEX128",
	DTHalf:       "DT_HALF",
	DTResource:   "DT_RESOURCE",
	DTVariant:    "DT_VARIANT",
	DTUint32:     "DT_UINT32",
	DTUint64:     "DT_UINT64",
}

// String returns the enum name used by the text format, e.g. "DT_FLOAT" or "DT_FLOAT_REF".
func (dt DataType) String() string {
	if dt.IsRef() {
		return dt.Base().String() + "_REF"
	}
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// IsRef returns whether dt is a reference type.
func (dt DataType) IsRef() bool { return dt > refOffset }

// Ref returns the reference version of dt, e.g. DT_FLOAT_REF for DT_FLOAT.
func (dt DataType) Ref() DataType {
	if dt == DTInvalid || dt.IsRef() {
		return dt
	}
	return dt + refOffset
}

// Base returns the non-reference version of dt.
func (dt DataType) Base() DataType {
	if dt.IsRef() {
		return dt - refOffset
	}
	return dt
}

var dataTypeToDType = map[DataType]dtypes.DType{
	DTFloat:      dtypes.Float32,
	DTDouble:     dtypes.Float64,
	DTInt32:      dtypes.Int32,
	DTUint8:      dtypes.Uint8,
	DTInt16:      dtypes.Int16,
	DTInt8:       dtypes.Int8,
	DTInt64:      dtypes.Int64,
	DTBool:       dtypes.Bool,
	DTBFloat16:   dtypes.BFloat16,
	DTUint16:     dtypes.Uint16,
	DTHalf:       dtypes.Float16,
	DTUint32:     dtypes.Uint32,
	DTUint64:     dtypes.Uint64,
	DTComplex64:  dtypes.Complex64,
	DTComplex128: dtypes.Complex128,
}

// DType returns the corresponding dtypes.DType, or dtypes.InvalidDType if there is none
// (strings, resources, variants and quantized types). Reference types map to their base type.
func (dt DataType) DType() dtypes.DType {
	if dtype, found := dataTypeToDType[dt.Base()]; found {
		return dtype
	}
	return dtypes.InvalidDType
}

// DataTypeFor returns the DataType corresponding to dtype, or DTInvalid if there is none.
func DataTypeFor(dtype dtypes.DType) DataType {
	for dt, candidate := range dataTypeToDType {
		if candidate == dtype {
			return dt
		}
	}
	return DTInvalid
}
