// Package codec turns compressed push payloads back into GraphQL responses.
//
// A compressed payload is the base64 encoding of a compressed JSON response
// envelope. The algorithm is chosen by name when the service starts; the
// resulting Decoder plugs into the bridge as its decompression function.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/gaspardpetit/pushql/internal/gql"
)

// MaxDecodedBytes bounds the size of a decompressed payload.
const MaxDecodedBytes = 16 << 20

var (
	// ErrUnknownCodec is returned by Lookup for unsupported names.
	ErrUnknownCodec = errors.New("unknown codec")
	// ErrTooLarge indicates a payload that inflates past MaxDecodedBytes.
	ErrTooLarge = errors.New("decompressed payload too large")
)

// Decoder decodes one compressed payload into a response envelope.
type Decoder func(payload string) (*gql.Response, error)

// inflateFunc reverses one compression algorithm.
type inflateFunc func(compressed []byte) ([]byte, error)

var inflaters = map[string]inflateFunc{
	"gzip":   inflateGzip,
	"zstd":   inflateZstd,
	"snappy": inflateSnappy,
	"lz4":    inflateLZ4,
}

// Names lists the supported codec names in sorted order.
func Names() []string {
	out := make([]string, 0, len(inflaters))
	for n := range inflaters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the Decoder registered under name. An empty name returns a
// nil Decoder and no error: no decompression is configured.
func Lookup(name string) (Decoder, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return nil, nil
	}
	inflate, ok := inflaters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownCodec, name, strings.Join(Names(), ", "))
	}
	return func(payload string) (*gql.Response, error) {
		compressed, err := decodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: base64: %w", name, err)
		}
		raw, err := inflate(compressed)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		var resp gql.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", name, err)
		}
		return &resp, nil
	}, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// readBounded drains r, failing once more than MaxDecodedBytes come out.
func readBounded(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxDecodedBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDecodedBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}

func inflateGzip(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return readBounded(zr)
}

// zstd.Decoder is safe for concurrent DecodeAll calls.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedBytes))

func inflateZstd(compressed []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(compressed, nil)
}

func inflateSnappy(compressed []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return nil, err
	}
	if n > MaxDecodedBytes {
		return nil, ErrTooLarge
	}
	return snappy.Decode(nil, compressed)
}

func inflateLZ4(compressed []byte) ([]byte, error) {
	return readBounded(lz4.NewReader(bytes.NewReader(compressed)))
}
