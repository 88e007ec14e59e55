// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/kgraph/core"
)

const idSize = 16

// MarshalID serializes an ID to bytes.
func MarshalID(id core.ID) []byte {
	buf := make([]byte, idSize)
	copy(buf, id[:])
	return buf
}

// UnmarshalID deserializes an ID from bytes.
func UnmarshalID(data []byte) (core.ID, error) {
	var id core.ID
	if len(data) < idSize {
		return id, ErrTruncatedData
	}
	copy(id[:], data[:idSize])
	return id, nil
}

// MarshalPayload encodes a free-form property map.
func MarshalPayload(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return bs, nil
}

// UnmarshalPayload decodes a property map written by MarshalPayload.
func UnmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return m, nil
}

// MarshalDataPoint serializes a DataPoint to bytes.
func MarshalDataPoint(dp *core.DataPoint) ([]byte, error) {
	payload, err := MarshalPayload(dp.Payload)
	if err != nil {
		return nil, err
	}
	var w musWriter
	w.id(dp.Id)
	w.id(dp.DatasetId)
	w.str(dp.Type)
	w.int64(int64(dp.Version))
	w.str(string(payload))
	w.vector(dp.Vector)
	w.str(dp.Text)
	w.time(dp.CreatedAt)
	w.time(dp.UpdatedAt)
	return w.finish(), nil
}

// UnmarshalDataPoint deserializes a DataPoint from bytes.
func UnmarshalDataPoint(data []byte) (*core.DataPoint, error) {
	r := musReader{bs: data}
	dp := &core.DataPoint{}
	dp.Id = r.id()
	dp.DatasetId = r.id()
	dp.Type = r.str()
	dp.Version = int(r.int64())
	payload := r.str()
	dp.Vector = r.vector()
	dp.Text = r.str()
	dp.CreatedAt = r.time()
	dp.UpdatedAt = r.time()
	if r.err != nil {
		return nil, r.err
	}
	var err error
	dp.Payload, err = UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, err
	}
	return dp, nil
}

// MarshalEdge serializes an Edge to bytes.
func MarshalEdge(e *core.Edge) ([]byte, error) {
	props, err := MarshalPayload(e.Properties)
	if err != nil {
		return nil, err
	}
	var w musWriter
	w.id(e.SourceId)
	w.id(e.TargetId)
	w.str(e.Label)
	w.id(e.DatasetId)
	w.str(string(props))
	return w.finish(), nil
}

// UnmarshalEdge deserializes an Edge from bytes.
func UnmarshalEdge(data []byte) (*core.Edge, error) {
	r := musReader{bs: data}
	e := &core.Edge{}
	e.SourceId = r.id()
	e.TargetId = r.id()
	e.Label = r.str()
	e.DatasetId = r.id()
	props := r.str()
	if r.err != nil {
		return nil, r.err
	}
	var err error
	e.Properties, err = UnmarshalPayload([]byte(props))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// MarshalVectorRecord serializes a VectorRecord to bytes.
func MarshalVectorRecord(v *core.VectorRecord) []byte {
	var w musWriter
	w.id(v.Id)
	w.id(v.DatasetId)
	w.str(v.Type)
	w.str(v.Text)
	w.vector(v.Vector)
	return w.finish()
}

// UnmarshalVectorRecord deserializes a VectorRecord from bytes.
func UnmarshalVectorRecord(data []byte) (*core.VectorRecord, error) {
	r := musReader{bs: data}
	v := &core.VectorRecord{}
	v.Id = r.id()
	v.DatasetId = r.id()
	v.Type = r.str()
	v.Text = r.str()
	v.Vector = r.vector()
	if r.err != nil {
		return nil, r.err
	}
	return v, nil
}

// MarshalVector serializes a bare vector.
func MarshalVector(vec []float32) []byte {
	var w musWriter
	w.vector(vec)
	return w.finish()
}

// UnmarshalVector deserializes a vector written by MarshalVector.
func UnmarshalVector(data []byte) ([]float32, error) {
	r := musReader{bs: data}
	vec := r.vector()
	return vec, r.err
}

// musWriter collects fields and sizes them before a single allocation.
type musWriter struct {
	fields []func(bs []byte) int
	size   int
}

func (w *musWriter) id(id core.ID) {
	w.size += idSize
	w.fields = append(w.fields, func(bs []byte) int {
		return copy(bs, id[:])
	})
}

func (w *musWriter) str(s string) {
	w.size += ord.String.Size(s)
	w.fields = append(w.fields, func(bs []byte) int {
		return ord.String.Marshal(s, bs)
	})
}

func (w *musWriter) int64(v int64) {
	w.size += varint.Int64.Size(v)
	w.fields = append(w.fields, func(bs []byte) int {
		return varint.Int64.Marshal(v, bs)
	})
}

func (w *musWriter) time(t time.Time) {
	var v int64
	if !t.IsZero() {
		v = t.UnixMicro()
	}
	w.int64(v)
}

func (w *musWriter) vector(vec []float32) {
	w.int64(int64(len(vec)))
	for _, f := range vec {
		bits := math.Float32bits(f)
		w.size += varint.Uint32.Size(bits)
		w.fields = append(w.fields, func(bs []byte) int {
			return varint.Uint32.Marshal(bits, bs)
		})
	}
}

func (w *musWriter) finish() []byte {
	buf := make([]byte, w.size)
	n := 0
	for _, f := range w.fields {
		n += f(buf[n:])
	}
	return buf[:n]
}

// musReader reads fields in order and latches the first error.
type musReader struct {
	bs  []byte
	err error
}

func (r *musReader) fail(err error) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
}

func (r *musReader) id() core.ID {
	var id core.ID
	if r.err != nil {
		return id
	}
	if len(r.bs) < idSize {
		r.fail(ErrTruncatedData)
		return id
	}
	copy(id[:], r.bs[:idSize])
	r.bs = r.bs[idSize:]
	return id
}

func (r *musReader) str() string {
	if r.err != nil {
		return ""
	}
	s, n, err := ord.String.Unmarshal(r.bs)
	if err != nil {
		r.fail(err)
		return ""
	}
	r.bs = r.bs[n:]
	return s
}

func (r *musReader) int64() int64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Int64.Unmarshal(r.bs)
	if err != nil {
		r.fail(err)
		return 0
	}
	r.bs = r.bs[n:]
	return v
}

func (r *musReader) time() time.Time {
	v := r.int64()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func (r *musReader) vector() []float32 {
	length := r.int64()
	if r.err != nil || length == 0 {
		return nil
	}
	if length < 0 || length > int64(len(r.bs)) {
		r.fail(ErrTruncatedData)
		return nil
	}
	vec := make([]float32, length)
	for i := range vec {
		bits, n, err := varint.Uint32.Unmarshal(r.bs)
		if err != nil {
			r.fail(err)
			return nil
		}
		r.bs = r.bs[n:]
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}
