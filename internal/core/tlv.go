package core

import "fmt"

// TLV is one BER-TLV data object. Constructed objects carry their parsed
// children.
type TLV struct {
	Tag      uint32
	Value    []byte
	Children []TLV
}

func (t TLV) constructed() bool {
	first := t.Tag
	for first > 0xFF {
		first >>= 8
	}
	return first&0x20 != 0
}

// ParseTLV decodes a sequence of BER-TLV objects, descending into
// constructed ones. Padding bytes (00 or FF) between objects are skipped.
func ParseTLV(data []byte) ([]TLV, error) {
	var out []TLV
	for i := 0; i < len(data); {
		if data[i] == 0x00 || data[i] == 0xFF {
			i++
			continue
		}

		tag := uint32(data[i])
		i++
		if tag&0x1F == 0x1F {
			for {
				if i >= len(data) {
					return nil, fmt.Errorf("truncated tag")
				}
				b := data[i]
				tag = tag<<8 | uint32(b)
				i++
				if b&0x80 == 0 {
					break
				}
			}
		}

		if i >= len(data) {
			return nil, fmt.Errorf("missing length for tag %X", tag)
		}
		length := int(data[i])
		i++
		if length&0x80 != 0 {
			n := length & 0x7F
			if n == 0 || n > 3 || i+n > len(data) {
				return nil, fmt.Errorf("bad length for tag %X", tag)
			}
			length = 0
			for j := 0; j < n; j++ {
				length = length<<8 | int(data[i+j])
			}
			i += n
		}
		if i+length > len(data) {
			return nil, fmt.Errorf("value of tag %X overruns buffer", tag)
		}

		t := TLV{Tag: tag, Value: data[i : i+length]}
		i += length
		if t.constructed() {
			children, err := ParseTLV(t.Value)
			if err != nil {
				return nil, fmt.Errorf("tag %X: %w", tag, err)
			}
			t.Children = children
		}
		out = append(out, t)
	}
	return out, nil
}

// FindTag returns the first object with the given tag, searching depth first.
func FindTag(tlvs []TLV, tag uint32) (TLV, bool) {
	for _, t := range tlvs {
		if t.Tag == tag {
			return t, true
		}
		if found, ok := FindTag(t.Children, tag); ok {
			return found, true
		}
	}
	return TLV{}, false
}

// FindAll returns every object with the given tag.
func FindAll(tlvs []TLV, tag uint32) []TLV {
	var out []TLV
	for _, t := range tlvs {
		if t.Tag == tag {
			out = append(out, t)
		}
		out = append(out, FindAll(t.Children, tag)...)
	}
	return out
}

// parseDOL decodes a data object list (tag, length pairs without values).
func parseDOL(dol []byte) ([]dolEntry, error) {
	var out []dolEntry
	for i := 0; i < len(dol); {
		tag := uint32(dol[i])
		i++
		if tag&0x1F == 0x1F {
			for {
				if i >= len(dol) {
					return nil, fmt.Errorf("truncated DOL tag")
				}
				b := dol[i]
				tag = tag<<8 | uint32(b)
				i++
				if b&0x80 == 0 {
					break
				}
			}
		}
		if i >= len(dol) {
			return nil, fmt.Errorf("missing DOL length for tag %X", tag)
		}
		out = append(out, dolEntry{tag: tag, length: int(dol[i])})
		i++
	}
	return out, nil
}

type dolEntry struct {
	tag    uint32
	length int
}
