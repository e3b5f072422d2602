package connctl

// fakeEndpoint is the in-memory Endpoint used across the controller tests.
// writeResults, if non-empty, is consumed in order (one entry per Write
// call) so a test can script Partial/Zero/Failed sequences; once drained,
// Write always reports WriteComplete.
type fakeEndpoint struct {
	writes        [][]byte
	writeResults  []WriteResult
	readsDisabled bool
	disconnected  bool
}

func (e *fakeEndpoint) Write(buf []byte) WriteResult {
	cp := append([]byte(nil), buf...)
	e.writes = append(e.writes, cp)
	if len(e.writeResults) > 0 {
		res := e.writeResults[0]
		e.writeResults = e.writeResults[1:]
		return res
	}
	return WriteComplete
}

func (e *fakeEndpoint) EnableReads()  { e.readsDisabled = false }
func (e *fakeEndpoint) DisableReads() { e.readsDisabled = true }
func (e *fakeEndpoint) Disconnect()   { e.disconnected = true }

// fakeCodec lets each test supply exactly the Decode/Encode behavior it
// needs instead of parsing a real wire format.
type fakeCodec struct {
	decode func(buf *ByteBuffer) (DecodedResult, error)
	encode func(msg any) (Encoded, error)
}

func (f *fakeCodec) Decode(buf *ByteBuffer) (DecodedResult, error) { return f.decode(buf) }
func (f *fakeCodec) Encode(msg any) (Encoded, error)               { return f.encode(msg) }

// lineCodec is a tiny realistic codec used by a couple of end-to-end
// tests: a static frame is "text\n"; a streamed frame is
// "STREAM:<n>\n" followed by n raw body bytes, bounded to exactly n.
type lineCodec struct {
	pipeCapacity int64
}

func (c *lineCodec) Decode(buf *ByteBuffer) (DecodedResult, error) {
	data := buf.Remaining()
	nl := indexByte(data, '\n')
	if nl < 0 {
		return DecodedResult{Status: DecodedNone}, nil
	}
	line := string(data[:nl])
	buf.Advance(nl + 1)

	if n, ok := parseStreamHeader(line); ok {
		p := NewBoundedPipe(c.pipeCapacity, int64(n))
		return DecodedResult{Status: DecodedStreamed, Msg: line, Sink: p.Sink()}, nil
	}
	return DecodedResult{Status: DecodedStatic, Msg: line}, nil
}

func (c *lineCodec) Encode(msg any) (Encoded, error) {
	s, _ := msg.(string)
	return Encoded{Kind: EncodedBuffer, Buf: []byte(s + "\n")}, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func parseStreamHeader(line string) (int, bool) {
	const prefix = "STREAM:"
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		return 0, false
	}
	n := 0
	for _, ch := range line[len(prefix):] {
		if ch < '0' || ch > '9' {
			return 0, false
		}
		n = n*10 + int(ch-'0')
	}
	return n, true
}
