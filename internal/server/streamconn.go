// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/connio-dev/nbackup/internal/connctl"
)

// streamEndpoint adapta a conexão de um stream paralelo ao Endpoint do
// controller. Writes são os frames de retorno ao agent (ChunkSACK); o
// pause/resume de reads é consultado pelo loop de leitura do próprio
// stream via awaitReads, que bloqueia enquanto o backpressure do pipe de
// corpo estiver ativo.
type streamEndpoint struct {
	conn       net.Conn
	sackWriter io.Writer

	mu           sync.Mutex
	cond         *sync.Cond
	readsEnabled bool
	closed       bool
	closeOnce    sync.Once
}

func newStreamEndpoint(conn net.Conn, sackWriter io.Writer) *streamEndpoint {
	e := &streamEndpoint{
		conn:         conn,
		sackWriter:   sackWriter,
		readsEnabled: true,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Write envia um frame de retorno com write deadline para não bloquear em
// uma conn morta. Uma falha de write derruba o stream; o agent reconecta e
// retoma do último offset confirmado.
func (e *streamEndpoint) Write(buf []byte) connctl.WriteResult {
	if netConn, ok := e.sackWriter.(net.Conn); ok {
		netConn.SetWriteDeadline(time.Now().Add(sackWriteTimeout))
	}
	if _, err := e.sackWriter.Write(buf); err != nil {
		return connctl.WriteFailed
	}
	return connctl.WriteComplete
}

func (e *streamEndpoint) EnableReads() {
	e.mu.Lock()
	e.readsEnabled = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *streamEndpoint) DisableReads() {
	e.mu.Lock()
	e.readsEnabled = false
	e.mu.Unlock()
}

func (e *streamEndpoint) Disconnect() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		e.conn.Close()
		e.cond.Broadcast()
	})
}

// awaitReads bloqueia enquanto o controller mantiver as leituras pausadas
// (pipe de corpo cheio). Retorna o erro do contexto se ele for cancelado
// durante a espera.
func (e *streamEndpoint) awaitReads(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { e.cond.Broadcast() })
	defer stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.readsEnabled && !e.closed && ctx.Err() == nil {
		e.cond.Wait()
	}
	return ctx.Err()
}

// pullChunkBody drena o Source de um corpo de chunk até o fim, devolvendo o
// payload completo. O produtor (controller) e o consumidor (drainer) rodam
// em goroutines distintas, então cada Pull pendente é aguardado por canal;
// o cancelamento do contexto termina o pipe para desbloquear os dois lados.
func pullChunkBody(ctx context.Context, src *connctl.Source, length uint32) ([]byte, error) {
	body := make([]byte, 0, length)
	outcomes := make(chan connctl.PullOutcome, 1)

	for {
		src.Pull(func(out connctl.PullOutcome) { outcomes <- out })

		var out connctl.PullOutcome
		select {
		case out = <-outcomes:
		case <-ctx.Done():
			src.Terminate(ctx.Err())
			// O Pull pendente falha com o erro de término; consome para não
			// vazar o callback.
			<-outcomes
			return nil, ctx.Err()
		}

		if out.Err != nil {
			return nil, out.Err
		}
		if out.Closed {
			return body, nil
		}
		body = append(body, out.Buf...)
	}
}
