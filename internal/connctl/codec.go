package connctl

// DecodedStatus is the outcome of a single Codec.Decode call.
type DecodedStatus int

const (
	// DecodedNone means the buffer doesn't yet hold a complete frame header;
	// the controller waits for more bytes.
	DecodedNone DecodedStatus = iota
	// DecodedStatic means a complete, bodyless message was decoded.
	DecodedStatic
	// DecodedStreamed means a message header was decoded and its body
	// follows as a byte stream through Sink.
	DecodedStreamed
)

// DecodedResult is returned by Codec.Decode.
type DecodedResult struct {
	Status DecodedStatus
	Msg    any
	Sink   *Sink // set only when Status == DecodedStreamed
}

// EncodedKind is the shape of a single Codec.Encode call's output.
type EncodedKind int

const (
	// EncodedBuffer means the whole message serialized to one buffer.
	EncodedBuffer EncodedKind = iota
	// EncodedStream means the message header serialized to Buf and its
	// body follows as a byte stream read from Source.
	EncodedStream
)

// Encoded is returned by Codec.Encode.
type Encoded struct {
	Kind   EncodedKind
	Buf    []byte
	Source *Source // set only when Kind == EncodedStream
}

// Codec translates between wire bytes and typed messages. It has no
// knowledge of transport or scheduling: Decode consumes bytes from buf,
// advancing its cursor, and returns as soon as a frame's header is
// complete (or reports DecodedNone if it isn't). Encode turns an
// application message into wire bytes, optionally handing back a Source
// for a streamed body. Implementations keep their own decode-cursor state
// (partial frame accumulation) between calls; the controller never resets
// that state itself.
type Codec interface {
	Decode(buf *ByteBuffer) (DecodedResult, error)
	Encode(msg any) (Encoded, error)
}
