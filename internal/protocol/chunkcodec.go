// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/connio-dev/nbackup/internal/connctl"
)

// ChunkStart é a mensagem entregue quando o header de um chunk foi
// decodificado em um stream paralelo. O payload do chunk chega pelo Body:
// o codec devolve o Sink do pipe ao controller (que roteia os bytes do
// wire para dentro dele) e o consumidor drena o Source até o fim do corpo.
type ChunkStart struct {
	Header ChunkHeader
	Body   *connctl.Source
}

// ChunkStreamCodec implementa connctl.Codec para o lado receptor de um
// stream paralelo de chunks (Client → Server): frames são [ChunkHeader 8B]
// seguidos de Length bytes de payload, roteados como corpo em stream por um
// pipe de comprimento conhecido. Encode serializa os frames de retorno ao
// agent (ChunkSACK). pipeCapacity limita quantos bytes de corpo ficam
// bufferizados antes do backpressure pausar as leituras da conexão.
type ChunkStreamCodec struct {
	pipeCapacity int64
	pending      []byte
}

// NewChunkStreamCodec cria o codec. capacity <= 0 usa 256KB.
func NewChunkStreamCodec(pipeCapacity int64) *ChunkStreamCodec {
	if pipeCapacity <= 0 {
		pipeCapacity = 256 * 1024
	}
	return &ChunkStreamCodec{pipeCapacity: pipeCapacity}
}

// Decode consome um ChunkHeader do cursor e abre o pipe do corpo. Os bytes
// de payload que seguem o header ficam no cursor para o controller empurrar
// no Sink; o codec só volta a ser chamado no próximo limite de frame.
func (c *ChunkStreamCodec) Decode(buf *connctl.ByteBuffer) (connctl.DecodedResult, error) {
	for len(c.pending) < ChunkHeaderSize {
		if !buf.HasUnreadData() {
			return connctl.DecodedResult{Status: connctl.DecodedNone}, nil
		}
		take := ChunkHeaderSize - len(c.pending)
		rem := buf.Remaining()
		if take > len(rem) {
			take = len(rem)
		}
		c.pending = append(c.pending, rem[:take]...)
		buf.Advance(take)
	}

	hdr := ChunkHeader{
		GlobalSeq: binary.BigEndian.Uint32(c.pending[0:4]),
		Length:    binary.BigEndian.Uint32(c.pending[4:8]),
	}
	c.pending = nil

	if hdr.Length == 0 {
		// Chunk vazio não tem corpo para rotear.
		return connctl.DecodedResult{
			Status: connctl.DecodedStatic,
			Msg:    &ChunkStart{Header: hdr},
		}, nil
	}

	p := connctl.NewBoundedPipe(c.pipeCapacity, int64(hdr.Length))
	return connctl.DecodedResult{
		Status: connctl.DecodedStreamed,
		Msg:    &ChunkStart{Header: hdr, Body: p.Source()},
		Sink:   p.Sink(),
	}, nil
}

// Encode serializa os frames Server → Client do stream paralelo.
func (c *ChunkStreamCodec) Encode(msg any) (connctl.Encoded, error) {
	var buf bytes.Buffer
	switch m := msg.(type) {
	case *ChunkSACK:
		if err := WriteChunkSACK(&buf, m.StreamIndex, m.ChunkSeq, m.Offset); err != nil {
			return connctl.Encoded{}, err
		}
	default:
		return connctl.Encoded{}, fmt.Errorf("chunk stream codec: unsupported message type %T", msg)
	}
	return connctl.Encoded{Kind: connctl.EncodedBuffer, Buf: buf.Bytes()}, nil
}
