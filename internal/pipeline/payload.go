package pipeline

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"

	apperrors "github.com/Adithya-Monish-Kumar-K/search-index-sync/pkg/errors"
)

const (
	keyField     = "key"
	versionField = "version"

	maxPayloadSize = 64 << 20
)

var gzipMagic = []byte{0x1f, 0x8b}

// Payload is a decoded object body ready to be indexed.
type Payload struct {
	Version int64
	Fields  map[string]any
}

// DecodePayload decompresses raw if it is gzip-framed, parses it as a JSON
// object and extracts the integer version. The key field is removed from
// the returned fields.
func DecodePayload(raw []byte) (Payload, error) {
	data := raw
	if bytes.HasPrefix(raw, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return Payload{}, apperrors.Malformed("opening gzip payload: %v", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(io.LimitReader(zr, maxPayloadSize+1))
		if err != nil {
			return Payload{}, apperrors.Malformed("decompressing payload: %v", err)
		}
		if len(data) > maxPayloadSize {
			return Payload{}, apperrors.Malformed("decompressed payload exceeds %d bytes", maxPayloadSize)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Payload{}, apperrors.Malformed("parsing payload: %v", err)
	}
	if fields == nil {
		return Payload{}, apperrors.Malformed("payload is not a JSON object")
	}

	num, ok := fields[versionField].(json.Number)
	if !ok {
		return Payload{}, apperrors.Malformed("payload has no numeric %q field", versionField)
	}
	version, err := strconv.ParseInt(num.String(), 10, 64)
	if err != nil || version < 0 {
		return Payload{}, apperrors.Malformed("payload version %s is not a non-negative integer", num)
	}
	delete(fields, keyField)
	return Payload{Version: version, Fields: fields}, nil
}
