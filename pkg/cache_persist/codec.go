package cache_persist

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/pmkol/hostcache/pkg/value"
)

// Snapshots are stored as one version byte followed by snappy compressed
// JSON.
const snapshotVersion byte = 1

var errBadSnapshot = errors.New("bad snapshot")

func encodeSnapshot(l value.List) ([]byte, error) {
	if l == nil {
		l = value.List{}
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(b)))
	out[0] = snapshotVersion
	return append(out, snappy.Encode(nil, b)...), nil
}

func decodeSnapshot(b []byte) (value.List, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: empty", errBadSnapshot)
	}
	if b[0] != snapshotVersion {
		return nil, fmt.Errorf("%w: unknown version %d", errBadSnapshot, b[0])
	}
	raw, err := snappy.Decode(nil, b[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadSnapshot, err)
	}
	l, err := value.ParseList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadSnapshot, err)
	}
	return l, nil
}

// DecodeSnapshot decodes a stored snapshot. It is used by tools that read
// the store directly.
func DecodeSnapshot(b []byte) (value.List, error) {
	return decodeSnapshot(b)
}
