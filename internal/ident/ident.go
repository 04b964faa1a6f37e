// Package ident converts opaque base64url identifiers to and from the
// store's 12-byte binary identifier.
//
// An identifier of n characters carries 6n bits, which is n*1.5 hex digits.
// The hex digits occupy the low-order end of the 24-digit ObjectID, the rest
// is zero padding.
package ident

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// objectIDHexLen is the hex width of a store identifier.
const objectIDHexLen = 24

// ErrMalformed is returned for identifiers or hex strings the codec cannot map.
var ErrMalformed = errors.New("ident: malformed identifier")

// Lengths lists the supported identifier lengths in characters.
var Lengths = []int{4, 8, 12, 16}

// Codec maps identifiers of one fixed length.
type Codec struct {
	length int
}

// New returns a codec for identifiers of the given length.
func New(length int) (Codec, error) {
	for _, l := range Lengths {
		if l == length {
			return Codec{length: length}, nil
		}
	}
	return Codec{}, fmt.Errorf("%w: unsupported length %d", ErrMalformed, length)
}

// Length returns the identifier length in characters.
func (c Codec) Length() int {
	return c.length
}

// hexLen is the number of significant hex digits for this codec.
func (c Codec) hexLen() int {
	return c.length * 3 / 2
}

// Hex renders id as a 24-digit hex string.
func (c Codec) Hex(id string) (string, error) {
	if len(id) != c.length {
		return "", fmt.Errorf("%w: %q is %d characters, want %d", ErrMalformed, id, len(id), c.length)
	}
	raw, err := base64.RawURLEncoding.Strict().DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrMalformed, id, err)
	}
	h := hex.EncodeToString(raw)
	if len(h) < objectIDHexLen {
		h = strings.Repeat("0", objectIDHexLen-len(h)) + h
	}
	return h[:objectIDHexLen], nil
}

// Encode converts id to the store identifier.
func (c Codec) Encode(id string) (primitive.ObjectID, error) {
	h, err := c.Hex(id)
	if err != nil {
		return primitive.NilObjectID, err
	}
	oid, err := primitive.ObjectIDFromHex(h)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return oid, nil
}

// DecodeHex converts a 24-digit hex store identifier back to the opaque id.
func (c Codec) DecodeHex(h string) (string, error) {
	if len(h) != objectIDHexLen {
		return "", fmt.Errorf("%w: hex %q is %d digits, want %d", ErrMalformed, h, len(h), objectIDHexLen)
	}
	raw, err := hex.DecodeString(h[objectIDHexLen-c.hexLen():])
	if err != nil {
		return "", fmt.Errorf("%w: hex %q: %v", ErrMalformed, h, err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode converts a store identifier back to the opaque id.
func (c Codec) Decode(oid primitive.ObjectID) (string, error) {
	return c.DecodeHex(oid.Hex())
}

// Generate returns a random identifier of the codec's length.
func (c Codec) Generate() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:c.length*3/4])
}
