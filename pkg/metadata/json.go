package metadata

import (
	jsoniter "github.com/json-iterator/go"
)

// json encodes struct fields in declaration order and map keys in sorted order,
// which makes every encoding in this package canonical.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Canonical returns the canonical JSON encoding of v.
func Canonical(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
