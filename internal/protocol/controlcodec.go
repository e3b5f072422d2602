// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/connio-dev/nbackup/internal/connctl"
)

// ControlCodecRole determina quais frames o codec espera decodificar.
// O magic CPNG é usado nas duas direções com payloads diferentes (ping 8B,
// pong 16B), então o lado do canal precisa ser conhecido.
type ControlCodecRole int

const (
	// ControlCodecAgent decodifica frames Server → Agent (pong, rotate, nack).
	ControlCodecAgent ControlCodecRole = iota
	// ControlCodecServer decodifica frames Agent → Server (ping, stats,
	// progress, rotate ack, autoscale, ingestion done, nack ack).
	ControlCodecServer
)

// ControlCodec implementa connctl.Codec para a família de frames do canal de
// controle. Decode é incremental: frames podem chegar fatiados em qualquer
// ponto, e o codec acumula o prefixo parcial internamente até o frame
// completar. O acumulador nunca retém um frame completo — assim cada chamada
// de Decode com bytes suficientes no cursor devolve exatamente um frame, e o
// controller consegue drenar múltiplos frames de um mesmo buffer re-invocando
// Decode enquanto houver bytes não lidos.
type ControlCodec struct {
	role    ControlCodecRole
	pending []byte
}

// NewControlCodec cria um ControlCodec para o papel informado.
func NewControlCodec(role ControlCodecRole) *ControlCodec {
	return &ControlCodec{role: role}
}

// controlFrameLen retorna o tamanho total (magic incluso) de um frame de
// controle de tamanho fixo, dado o papel do decodificador. Retorna -1 para
// frames de tamanho variável (CIDN) e 0 para magic desconhecido.
func (c *ControlCodec) controlFrameLen(magic [4]byte) int {
	switch c.role {
	case ControlCodecAgent:
		switch magic {
		case MagicControlPing: // pong: timestamp + load + disk free
			return 20
		case MagicControlRotate:
			return 5
		case MagicControlNACK:
			return 8
		}
	case ControlCodecServer:
		switch magic {
		case MagicControlPing: // ping: timestamp
			return 12
		case MagicControlStats:
			return 20
		case MagicControlProgress:
			return 13
		case MagicControlRotateACK:
			return 5
		case MagicControlAutoScale:
			return 20
		case MagicControlNACKACK:
			return 9
		case MagicControlIngestionDone:
			return -1
		}
	}
	return 0
}

// Decode consome bytes do cursor e devolve um frame completo por chamada,
// ou DecodedNone quando o cursor não carrega o suficiente para completar o
// frame corrente (o prefixo parcial fica acumulado para a próxima chamada).
func (c *ControlCodec) Decode(buf *connctl.ByteBuffer) (connctl.DecodedResult, error) {
	// Completa o header (magic) antes de decidir quanto falta.
	for len(c.pending) < 4 {
		if !buf.HasUnreadData() {
			return connctl.DecodedResult{Status: connctl.DecodedNone}, nil
		}
		take := 4 - len(c.pending)
		rem := buf.Remaining()
		if take > len(rem) {
			take = len(rem)
		}
		c.pending = append(c.pending, rem[:take]...)
		buf.Advance(take)
	}

	var magic [4]byte
	copy(magic[:], c.pending[0:4])

	frameLen := c.controlFrameLen(magic)
	if frameLen == 0 {
		return connctl.DecodedResult{}, fmt.Errorf("%w: unexpected control frame %q", ErrInvalidMagic, string(magic[:]))
	}

	if frameLen < 0 {
		// CIDN: consome byte a byte até o '\n'.
		for {
			if i := bytes.IndexByte(c.pending[4:], '\n'); i >= 0 {
				msg := &ControlIngestionDone{SessionID: string(c.pending[4 : 4+i])}
				c.pending = nil
				return connctl.DecodedResult{Status: connctl.DecodedStatic, Msg: msg}, nil
			}
			if len(c.pending) > 4+maxLineLength {
				return connctl.DecodedResult{}, fmt.Errorf("control ingestion done: %w", ErrLineTooLong)
			}
			if !buf.HasUnreadData() {
				return connctl.DecodedResult{Status: connctl.DecodedNone}, nil
			}
			c.pending = append(c.pending, buf.Remaining()[0])
			buf.Advance(1)
		}
	}

	// Frame de tamanho fixo: transfere do cursor só o que falta.
	if missing := frameLen - len(c.pending); missing > 0 {
		rem := buf.Remaining()
		take := missing
		if take > len(rem) {
			take = len(rem)
		}
		c.pending = append(c.pending, rem[:take]...)
		buf.Advance(take)
		if take < missing {
			return connctl.DecodedResult{Status: connctl.DecodedNone}, nil
		}
	}

	msg, err := c.parseFrame(magic, c.pending[4:frameLen])
	c.pending = nil
	if err != nil {
		return connctl.DecodedResult{}, err
	}
	return connctl.DecodedResult{Status: connctl.DecodedStatic, Msg: msg}, nil
}

// parseFrame materializa o payload de um frame completo de tamanho fixo.
func (c *ControlCodec) parseFrame(magic [4]byte, payload []byte) (any, error) {
	switch magic {
	case MagicControlPing:
		if c.role == ControlCodecAgent {
			return parseControlPongPayload(payload), nil
		}
		return &ControlPing{Timestamp: int64(binary.BigEndian.Uint64(payload[0:8]))}, nil
	case MagicControlStats:
		return parseControlStatsPayload(payload), nil
	case MagicControlProgress:
		return &ControlProgress{
			TotalObjects: binary.BigEndian.Uint32(payload[0:4]),
			ObjectsSent:  binary.BigEndian.Uint32(payload[4:8]),
			WalkComplete: payload[8] == 1,
		}, nil
	case MagicControlRotate:
		return &ControlRotate{StreamIndex: payload[0]}, nil
	case MagicControlRotateACK:
		return &ControlRotateACK{StreamIndex: payload[0]}, nil
	case MagicControlAutoScale:
		return parseControlAutoScalePayload(payload), nil
	case MagicControlNACK:
		return &ControlNACK{GlobalSeq: binary.BigEndian.Uint32(payload[0:4])}, nil
	case MagicControlNACKACK:
		return &ControlNACKACK{
			GlobalSeq:     binary.BigEndian.Uint32(payload[0:4]),
			Retransmitted: payload[4] == 1,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, string(magic[:]))
}

func parseControlPongPayload(payload []byte) *ControlPong {
	return &ControlPong{
		Timestamp:  int64(binary.BigEndian.Uint64(payload[0:8])),
		ServerLoad: math.Float32frombits(binary.BigEndian.Uint32(payload[8:12])),
		DiskFree:   binary.BigEndian.Uint32(payload[12:16]),
	}
}

// Encode serializa uma mensagem de controle em um único buffer de wire bytes.
// Todos os frames do canal de controle são pequenos e materializados de uma
// vez; não há corpos em stream nesta família.
func (c *ControlCodec) Encode(msg any) (connctl.Encoded, error) {
	var buf bytes.Buffer
	var err error

	switch m := msg.(type) {
	case *ControlPing:
		err = WriteControlPing(&buf, m.Timestamp)
	case *ControlPong:
		err = WriteControlPong(&buf, m.Timestamp, m.ServerLoad, m.DiskFree)
	case *ControlStats:
		err = WriteControlStats(&buf, m.CPUPercent, m.MemoryPercent, m.DiskUsagePercent, m.LoadAverage)
	case *ControlProgress:
		err = WriteControlProgress(&buf, m.TotalObjects, m.ObjectsSent, m.WalkComplete)
	case *ControlRotate:
		err = WriteControlRotate(&buf, m.StreamIndex)
	case *ControlRotateACK:
		err = WriteControlRotateACK(&buf, m.StreamIndex)
	case *ControlAutoScaleStats:
		err = WriteControlAutoScaleStats(&buf, m)
	case *ControlIngestionDone:
		err = WriteControlIngestionDone(&buf, m.SessionID)
	case *ControlNACK:
		err = WriteControlNACK(&buf, m.GlobalSeq)
	case *ControlNACKACK:
		err = WriteControlNACKACK(&buf, m.GlobalSeq, m.Retransmitted)
	default:
		return connctl.Encoded{}, fmt.Errorf("control codec: unsupported message type %T", msg)
	}
	if err != nil {
		return connctl.Encoded{}, err
	}
	return connctl.Encoded{Kind: connctl.EncodedBuffer, Buf: buf.Bytes()}, nil
}
