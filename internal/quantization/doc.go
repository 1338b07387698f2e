// Package quantization provides the payload codecs used to store vectors in
// postings.
//
// Three codecs are supported:
//
//   - Float32: raw little-endian float32, lossless (4 bytes per dimension)
//   - Float16: IEEE 754 half precision (2 bytes per dimension)
//   - SQ8: per-dimension min/max scalar quantization (1 byte per dimension)
//
// # Usage
//
//	c, _ := quantization.New(quantization.KindSQ8, 128)
//	_ = c.Train(sample)             // flattened n*128 float32 values
//	code := make([]byte, c.CodeSize())
//	_ = c.Encode(code, vector)
//
// Every codec has a fixed code size so posting entries can be addressed by
// offset. The trained state is serialized with MarshalBinary and stored in
// the manifest.
//
// # Thread Safety
//
// Codecs are safe for concurrent Encode and Decode after training. Train and
// UnmarshalBinary must not run concurrently with other calls.
package quantization
