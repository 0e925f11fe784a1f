package tcpfs

// Kind is the shape of a received frame.
type Kind uint8

const (
	KindRaw Kind = iota
	KindMessage
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindArray:
		return "array"
	case KindRaw:
		return "raw"
	}
	return "unknown"
}

// Classify looks at the first byte of frame only. Whether a frame should be classified at all
// depends on the transfer state: chunk frames are never passed here.
func Classify(frame []byte) Kind {
	if len(frame) == 0 {
		return KindRaw
	}
	switch frame[0] {
	case '{':
		return KindMessage
	case '[':
		return KindArray
	}
	return KindRaw
}
