package model

import "strconv"

// Segment is the upstream broker's numeric code for an exchange+product
// subdivision. Tokens are unique only within a segment.
type Segment int32

const (
	SegmentUnknown Segment = 0
	NSECM          Segment = 1
	NSEFO          Segment = 2
	NSECD          Segment = 3
	BSECM          Segment = 11
	BSEFO          Segment = 12
	MCXFO          Segment = 51
	BSECD          Segment = 61
)

var segmentNames = map[Segment]string{
	NSECM: "NSECM",
	NSEFO: "NSEFO",
	NSECD: "NSECD",
	BSECM: "BSECM",
	BSEFO: "BSEFO",
	MCXFO: "MCXFO",
	BSECD: "BSECD",
}

// String returns the conventional segment mnemonic, or the numeric code
// for segments this process does not know by name.
func (s Segment) String() string {
	if name, ok := segmentNames[s]; ok {
		return name
	}
	return strconv.Itoa(int(s))
}

// ParseSegment maps a mnemonic ("NSEFO") or numeric string ("2") to a
// Segment. Returns SegmentUnknown when the input matches neither.
func ParseSegment(s string) Segment {
	for seg, name := range segmentNames {
		if name == s {
			return seg
		}
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Segment(n)
	}
	return SegmentUnknown
}

// CompositeKey identifies one instrument process-wide: the segment in
// the high 32 bits, the exchange token in the low 32. Hashing a single
// uint64 keeps every hot-path map probe to one hash.
type CompositeKey uint64

// MakeKey builds the composite key for (segment, token).
func MakeKey(segment Segment, token uint32) CompositeKey {
	return CompositeKey(uint64(uint32(segment))<<32 | uint64(token))
}

// Segment returns the segment half of the key.
func (k CompositeKey) Segment() Segment {
	return Segment(uint32(k >> 32))
}

// Token returns the token half of the key.
func (k CompositeKey) Token() uint32 {
	return uint32(k)
}

// String renders "segment:token" for logs.
func (k CompositeKey) String() string {
	return k.Segment().String() + ":" + strconv.FormatUint(uint64(k.Token()), 10)
}
