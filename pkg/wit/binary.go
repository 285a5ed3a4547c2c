package wit

import (
	"bytes"
	"encoding/binary"

	"github.com/corralhq/corral/pkg/errdefs"
)

// Magic is the leading byte sequence of a component binary: the wasm
// magic followed by version 1.
var Magic = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// customSectionNames are the custom sections an interface descriptor
// may be embedded under, probed in order.
var customSectionNames = []string{"wit", "component-wit"}

// IsComponentBinary reports whether data starts with the component
// magic bytes.
func IsComponentBinary(data []byte) bool {
	return len(data) >= len(Magic) && bytes.Equal(data[:len(Magic)], Magic)
}

// ExtractFromBinary recovers the WIT package embedded in a component
// binary's custom section. It returns WitInterfaceNotFound when the
// binary carries no descriptor.
func ExtractFromBinary(data []byte) (*Package, error) {
	if !IsComponentBinary(data) {
		return nil, errdefs.New(errdefs.KindInvalidComponent, "", "missing component magic bytes")
	}

	for _, name := range customSectionNames {
		if payload, ok := findCustomSection(data[len(Magic):], name); ok {
			return Parse(string(payload))
		}
	}

	return nil, errdefs.New(errdefs.KindWitInterfaceNotFound, "", "no interface descriptor custom section")
}

// AppendCustomSection returns a copy of a component binary with the
// WIT source appended as a named custom section. Used by fixtures and
// by publish tooling that embeds sidecar descriptors.
func AppendCustomSection(component []byte, witSource string) []byte {
	name := []byte(customSectionNames[0])
	payload := make([]byte, 0, len(name)+len(witSource)+10)
	payload = binary.AppendUvarint(payload, uint64(len(name)))
	payload = append(payload, name...)
	payload = append(payload, witSource...)

	out := make([]byte, 0, len(component)+len(payload)+6)
	out = append(out, component...)
	out = append(out, 0) // custom section id
	out = binary.AppendUvarint(out, uint64(len(payload)))
	out = append(out, payload...)
	return out
}

// findCustomSection walks the section stream after the magic bytes and
// returns the payload of the named custom section.
func findCustomSection(sections []byte, name string) ([]byte, bool) {
	for len(sections) > 0 {
		id := sections[0]
		sections = sections[1:]

		size, n := binary.Uvarint(sections)
		if n <= 0 || uint64(len(sections)-n) < size {
			return nil, false
		}
		body := sections[n : n+int(size)]
		sections = sections[n+int(size):]

		if id != 0 {
			continue
		}

		nameLen, n := binary.Uvarint(body)
		if n <= 0 || uint64(len(body)-n) < nameLen {
			continue
		}
		sectionName := string(body[n : n+int(nameLen)])
		if sectionName == name {
			return body[n+int(nameLen):], true
		}
	}
	return nil, false
}
