// Package codec implements the wire-exact encoders/decoders for Marmot's
// Nostr-carried protocol artifacts (§4.A): the MarmotGroupData extension,
// key-package events, group-message events, and welcome rumors.
package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/parres-hq/marmot-go/internal/errs"
	"github.com/parres-hq/marmot-go/internal/mls"
)

// EncodeMarmotGroupData serializes d as the big-endian, length-prefixed
// TLS-presentation-style layout defined in spec §4.A.
func EncodeMarmotGroupData(d mls.MarmotGroupData) ([]byte, error) {
	buf := make([]byte, 0, 128)
	buf = appendUint16(buf, d.Version)
	buf = append(buf, d.NostrGroupID[:]...)

	nameBytes, err := lengthPrefixedUTF8(d.Name)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCodec, "name", err)
	}
	buf = append(buf, nameBytes...)

	descBytes, err := lengthPrefixedUTF8(d.Description)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCodec, "description", err)
	}
	buf = append(buf, descBytes...)

	if len(d.AdminPubkeys) > 0xFFFF {
		return nil, errs.Wrap(errs.ErrCodec, "too many admin pubkeys", nil)
	}
	buf = appendUint16(buf, uint16(len(d.AdminPubkeys)))
	for _, pk := range d.AdminPubkeys {
		buf = append(buf, pk[:]...)
	}

	relaysBytes, err := encodeRelayVector(d.Relays)
	if err != nil {
		return nil, errs.Wrap(errs.ErrCodec, "relays", err)
	}
	buf = append(buf, relaysBytes...)

	buf = append(buf, d.ImageHash[:]...)
	buf = append(buf, d.ImageKey[:]...)
	buf = append(buf, d.ImageNonce[:]...)
	return buf, nil
}

// DecodeMarmotGroupData parses the layout EncodeMarmotGroupData produces,
// failing with a CodecError-wrapped error on truncation, invalid length,
// or non-utf8 strings.
func DecodeMarmotGroupData(data []byte) (mls.MarmotGroupData, error) {
	var d mls.MarmotGroupData
	r := &reader{buf: data}

	version, err := r.uint16()
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "version", err)
	}
	d.Version = version

	nostrGroupID, err := r.fixed(32)
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "nostrGroupId", err)
	}
	copy(d.NostrGroupID[:], nostrGroupID)

	name, err := r.utf8String()
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "name", err)
	}
	d.Name = name

	description, err := r.utf8String()
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "description", err)
	}
	d.Description = description

	adminCount, err := r.uint16()
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "adminPubkeys length", err)
	}
	var admins [][32]byte
	if adminCount > 0 {
		admins = make([][32]byte, adminCount)
	}
	for i := range admins {
		pk, err := r.fixed(32)
		if err != nil {
			return d, errs.Wrap(errs.ErrCodec, fmt.Sprintf("adminPubkeys[%d]", i), err)
		}
		copy(admins[i][:], pk)
	}
	d.AdminPubkeys = admins

	relayCount, err := r.uint16()
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "relays length", err)
	}
	var relays []string
	if relayCount > 0 {
		relays = make([]string, relayCount)
	}
	for i := range relays {
		relay, err := r.utf8String()
		if err != nil {
			return d, errs.Wrap(errs.ErrCodec, fmt.Sprintf("relays[%d]", i), err)
		}
		relays[i] = relay
	}
	d.Relays = relays

	imageHash, err := r.fixed(32)
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "imageHash", err)
	}
	copy(d.ImageHash[:], imageHash)

	imageKey, err := r.fixed(32)
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "imageKey", err)
	}
	copy(d.ImageKey[:], imageKey)

	imageNonce, err := r.fixed(12)
	if err != nil {
		return d, errs.Wrap(errs.ErrCodec, "imageNonce", err)
	}
	copy(d.ImageNonce[:], imageNonce)

	if !r.atEnd() {
		return d, errs.Wrap(errs.ErrCodec, "trailing bytes after imageNonce", nil)
	}
	return d, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func lengthPrefixedUTF8(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("invalid utf8 string")
	}
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("string too long: %d bytes", len(s))
	}
	buf := appendUint16(nil, uint16(len(s)))
	return append(buf, s...), nil
}

func encodeRelayVector(relays []string) ([]byte, error) {
	if len(relays) > 0xFFFF {
		return nil, fmt.Errorf("too many relays")
	}
	buf := appendUint16(nil, uint16(len(relays)))
	for _, relay := range relays {
		rb, err := lengthPrefixedUTF8(relay)
		if err != nil {
			return nil, fmt.Errorf("relay %q: %w", relay, err)
		}
		buf = append(buf, rb...)
	}
	return buf, nil
}

// reader is a small cursor over a byte slice used by DecodeMarmotGroupData
// to reject truncated input with a descriptive error at each field.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) atEnd() bool { return r.pos == len(r.buf) }

func (r *reader) uint16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) fixed(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("truncated: need %d bytes, have %d", n, len(r.buf)-r.pos)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) utf8String() (string, error) {
	n, err := r.uint16()
	if err != nil {
		return "", err
	}
	b, err := r.fixed(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid utf8 string")
	}
	return string(b), nil
}
