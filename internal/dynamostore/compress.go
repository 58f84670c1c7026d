package dynamostore

import (
	"github.com/klauspost/compress/zstd"
)

const compressAlg = "zstd"

var encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

var compressFunc = func(data []byte) []byte {
	compBytes := make([]byte, 0, len(data))
	return encoder.EncodeAll(data, compBytes)
}

var zstdDecoder, _ = zstd.NewReader(nil)

var uncompressFunc = func(in []byte, sizeHint int64) ([]byte, error) {
	data := make([]byte, 0, sizeHint)
	return zstdDecoder.DecodeAll(in, data)
}
