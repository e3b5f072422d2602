// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/connio-dev/nbackup/internal/config"
	"github.com/connio-dev/nbackup/internal/connctl"
	"github.com/connio-dev/nbackup/internal/pki"
	"github.com/connio-dev/nbackup/internal/protocol"
)

// ControlChannel state constants.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

// maxMissedPings é o número de pings sem resposta antes de considerar o server unreachable.
const maxMissedPings = 3

// ewmaAlpha é o fator de suavização para o EWMA do RTT.
const ewmaAlpha = 0.25

// Version é a versão do agent, preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// ControlChannel gerencia uma conexão TLS persistente com o server para
// keep-alive (PING/PONG), medição contínua de RTT, envio de progresso/stats,
// e recepção de comandos assíncronos do server (ControlRotate para flow
// rotation graceful, ControlNACK para retransmissão de chunks).
//
// O framing e o flow control da conexão são delegados a um
// connctl.Controller: o codec de frames de controle decodifica o que chega,
// a fila de saída do controller serializa pings, progress e ACKs sem mutex
// de write manual, e o endpoint adapter cuida dos goroutines de I/O. Este
// tipo fica responsável só pelo ciclo de vida (connect/reconnect/backoff) e
// pela semântica das mensagens.
type ControlChannel struct {
	cfg    *config.AgentConfig
	logger *slog.Logger

	// Controller da conexão corrente; nil quando desconectado.
	ctrlMu sync.Mutex
	ctrl   *connctl.Controller
	ep     *connctl.NetEndpoint

	// State machine (atômico para reads lock-free)
	state atomic.Value // string

	// RTT EWMA em nanoseconds (atômico)
	rttNanos atomic.Int64

	// UnixNano do último pong recebido; usado para detectar degradação.
	lastPongNano atomic.Int64

	// Server metrics
	serverLoad atomic.Value // float32
	diskFree   atomic.Value // uint32

	// Callback chamado quando o server envia ControlRotate.
	// A função deve drenar o stream e retornar.
	onRotate func(streamIndex uint8)

	// Callback chamado quando o server envia ControlNACK pedindo a
	// retransmissão de um chunk. Retorna true se o chunk foi reenviado.
	onNack func(globalSeq uint32) bool

	// Callback que retorna dados de progresso do backup em andamento.
	// Chamado a cada ping tick para enviar ControlProgress ao server.
	progressProvider func() (totalObjects, objectsSent uint32, walkComplete bool)

	// Callback que retorna stats do sistema.
	statsProvider func() *protocol.ControlStats

	// Callback que retorna stats do auto-scaler.
	autoScaleStatsProvider func() *protocol.ControlAutoScaleStats

	// Lifecycle
	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// NewControlChannel cria um novo ControlChannel.
func NewControlChannel(cfg *config.AgentConfig, logger *slog.Logger) *ControlChannel {
	cc := &ControlChannel{
		cfg:    cfg,
		logger: logger.With("component", "control_channel"),
		stopCh: make(chan struct{}),
	}
	cc.state.Store(StateDisconnected)
	cc.serverLoad.Store(float32(0))
	cc.diskFree.Store(uint32(0))
	return cc
}

// SetOnRotate define o callback chamado quando o server envia ControlRotate.
// Deve ser chamado antes de Start().
func (cc *ControlChannel) SetOnRotate(fn func(streamIndex uint8)) {
	cc.onRotate = fn
}

// SetOnNack define o callback chamado quando o server envia ControlNACK.
// O retorno informa se o chunk pôde ser retransmitido.
func (cc *ControlChannel) SetOnNack(fn func(globalSeq uint32) bool) {
	cc.onNack = fn
}

// SetProgressProvider define o callback que fornece dados de progresso do backup.
// Chamado a cada ping tick; quando retorna totalObjects > 0, envia ControlProgress ao server.
func (cc *ControlChannel) SetProgressProvider(fn func() (totalObjects, objectsSent uint32, walkComplete bool)) {
	cc.progressProvider = fn
}

// SetStatsProvider define o callback que fornece estatísticas do sistema.
// Chamado a cada ping tick; envia ControlStats ao server.
func (cc *ControlChannel) SetStatsProvider(fn func() *protocol.ControlStats) {
	cc.statsProvider = fn
}

// SetAutoScaleStatsProvider define o callback que fornece estatísticas do auto-scaler.
// Chamado a cada ping tick; envia ControlAutoScaleStats ao server.
func (cc *ControlChannel) SetAutoScaleStatsProvider(fn func() *protocol.ControlAutoScaleStats) {
	cc.autoScaleStatsProvider = fn
}

// controller retorna o controller da conexão corrente, ou nil.
func (cc *ControlChannel) controller() *connctl.Controller {
	cc.ctrlMu.Lock()
	defer cc.ctrlMu.Unlock()
	return cc.ctrl
}

// push enfileira msg no controller corrente. Retorna false se não há conexão
// ou se a fila de saída recusou (backpressure).
func (cc *ControlChannel) push(msg any, frameName string) bool {
	ctrl := cc.controller()
	if ctrl == nil {
		return false
	}
	ok := ctrl.Push(msg, func(res connctl.OutputResult) {
		if res != connctl.OutputSuccess {
			cc.logger.Warn("control frame not delivered", "frame", frameName, "result", res)
		}
	})
	if !ok {
		cc.logger.Warn("control channel output queue refused frame", "frame", frameName)
	}
	return ok
}

// SendProgress envia um frame ControlProgress ao server imediatamente.
func (cc *ControlChannel) SendProgress(totalObjects, objectsSent uint32, walkComplete bool) error {
	cc.push(&protocol.ControlProgress{
		TotalObjects: totalObjects,
		ObjectsSent:  objectsSent,
		WalkComplete: walkComplete,
	}, "ControlProgress")
	return nil
}

// SendStats envia um frame ControlStats ao server imediatamente.
func (cc *ControlChannel) SendStats(stats *protocol.ControlStats) error {
	cc.push(stats, "ControlStats")
	return nil
}

// SendRotateACK envia ControlRotateACK ao server pelo canal de controle.
func (cc *ControlChannel) SendRotateACK(streamIndex uint8) error {
	cc.push(&protocol.ControlRotateACK{StreamIndex: streamIndex}, "ControlRotateACK")
	return nil
}

// SendIngestionDone envia ControlIngestionDone ao server pelo canal de controle.
// Sinaliza que o agent terminou de enviar todos os chunks com sucesso.
// Retorna erro se o control channel estiver desconectado.
func (cc *ControlChannel) SendIngestionDone(sessionID string) error {
	if !cc.push(&protocol.ControlIngestionDone{SessionID: sessionID}, "ControlIngestionDone") {
		return fmt.Errorf("control channel unavailable: cannot send ControlIngestionDone for session %s", sessionID)
	}
	return nil
}

// Start inicia a goroutine de manutenção do canal de controle.
func (cc *ControlChannel) Start() {
	cc.wg.Add(1)
	go cc.run()
	cc.logger.Info("control channel started")
}

// Stop para o canal de controle e aguarda a goroutine terminar.
// Derruba a conexão primeiro para desbloquear o endpoint.
func (cc *ControlChannel) Stop() {
	cc.stopMu.Do(func() {
		close(cc.stopCh)
	})

	// Desconecta ANTES de Wait para desbloquear o reader do endpoint.
	cc.ctrlMu.Lock()
	if cc.ep != nil {
		cc.ep.Disconnect()
	}
	cc.ctrlMu.Unlock()

	cc.wg.Wait()

	cc.ctrlMu.Lock()
	cc.ctrl = nil
	cc.ep = nil
	cc.ctrlMu.Unlock()

	cc.state.Store(StateDisconnected)
	cc.logger.Info("control channel stopped")
}

// IsConnected retorna true se o canal está no estado CONNECTED.
func (cc *ControlChannel) IsConnected() bool {
	return cc.state.Load().(string) == StateConnected
}

// RTT retorna o RTT médio calculado via EWMA. Retorna 0 se nunca medido.
func (cc *ControlChannel) RTT() time.Duration {
	return time.Duration(cc.rttNanos.Load())
}

// ServerLoad retorna a carga reportada pelo server (0.0 a 1.0).
func (cc *ControlChannel) ServerLoad() float32 {
	return cc.serverLoad.Load().(float32)
}

// State retorna o estado atual do canal de controle.
func (cc *ControlChannel) State() string {
	return cc.state.Load().(string)
}

// run é a goroutine principal do control channel.
// Conecta ao server e mantém o ping loop até ser parado.
func (cc *ControlChannel) run() {
	defer cc.wg.Done()

	ccCfg := cc.cfg.Daemon.ControlChannel
	delay := ccCfg.ReconnectDelay

	for {
		select {
		case <-cc.stopCh:
			return
		default:
		}

		cc.state.Store(StateConnecting)
		ctrl, ep, err := cc.connect()
		if err != nil {
			cc.logger.Warn("control channel connect failed", "error", err, "retry_in", delay)
			cc.state.Store(StateDisconnected)

			select {
			case <-cc.stopCh:
				return
			case <-time.After(delay):
			}

			// Exponential backoff
			delay = time.Duration(float64(delay) * 2)
			if delay > ccCfg.MaxReconnectDelay {
				delay = ccCfg.MaxReconnectDelay
			}
			continue
		}

		cc.ctrlMu.Lock()
		cc.ctrl = ctrl
		cc.ep = ep
		cc.ctrlMu.Unlock()

		// Reset backoff on successful connect
		delay = ccCfg.ReconnectDelay
		cc.lastPongNano.Store(time.Now().UnixNano())
		cc.state.Store(StateConnected)
		cc.logger.Info("control channel connected", "server", cc.cfg.Server.Address)

		// Ping loop — roda até o endpoint morrer ou stop
		cc.pingLoop(ctrl, ep)

		cc.ctrlMu.Lock()
		cc.ctrl = nil
		cc.ep = nil
		cc.ctrlMu.Unlock()

		ep.Disconnect()
		cc.state.Store(StateDisconnected)
		cc.logger.Info("control channel disconnected, will reconnect")
	}
}

// connect estabelece a conexão TLS, envia o magic "CTRL" com o
// keepalive_interval, e monta o controller + endpoint sobre a conn.
func (cc *ControlChannel) connect() (*connctl.Controller, *connctl.NetEndpoint, error) {
	tlsCfg, err := pki.NewClientTLSConfig(cc.cfg.TLS.CACert, cc.cfg.TLS.ClientCert, cc.cfg.TLS.ClientKey)
	if err != nil {
		return nil, nil, err
	}

	host, _, err := net.SplitHostPort(cc.cfg.Server.Address)
	if err != nil {
		host = cc.cfg.Server.Address
	}
	tlsCfg.ServerName = host

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.Dial("tcp", cc.cfg.Server.Address)
	if err != nil {
		return nil, nil, err
	}

	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		rawConn.Close()
		return nil, nil, err
	}

	// Envia magic "CTRL" + keepalive_interval (uint32 big-endian, em segundos)
	// O server usa keepalive_interval para calcular o read timeout (2.5x)
	handshake := make([]byte, 8) // 4B magic + 4B interval
	copy(handshake[0:4], protocol.MagicControl[:])
	intervalSecs := uint32(math.Ceil(cc.cfg.Daemon.ControlChannel.KeepaliveInterval.Seconds()))
	if intervalSecs == 0 {
		intervalSecs = 1
	}
	handshake[4] = byte(intervalSecs >> 24)
	handshake[5] = byte(intervalSecs >> 16)
	handshake[6] = byte(intervalSecs >> 8)
	handshake[7] = byte(intervalSecs)
	if _, err := tlsConn.Write(handshake); err != nil {
		tlsConn.Close()
		return nil, nil, err
	}

	// Envia version do agent (string terminada em newline)
	if _, err := tlsConn.Write([]byte(Version + "\n")); err != nil {
		tlsConn.Close()
		return nil, nil, err
	}

	// Envia stats iniciais (16B: CPU, Mem, Disk, Load)
	var cpu, mem, disk, load float32
	if cc.statsProvider != nil {
		if st := cc.statsProvider(); st != nil {
			cpu = st.CPUPercent
			mem = st.MemoryPercent
			disk = st.DiskUsagePercent
			load = st.LoadAverage
		}
	}
	if err := protocol.WriteControlStatsPayload(tlsConn, cpu, mem, disk, load); err != nil {
		tlsConn.Close()
		return nil, nil, err
	}

	ccCfg := cc.cfg.Daemon.ControlChannel
	codec := protocol.NewControlCodec(protocol.ControlCodecAgent)
	ctrl := connctl.New(codec, cc.handleServerFrame, connctl.Config{
		OutputBufferSize: ccCfg.ConnControl.OutputBufferSize,
	}, cc.logger)

	ep := connctl.NewNetEndpoint(tlsConn, ctrl, connctl.NetEndpointConfig{
		ReadChunkSize: ccCfg.ConnControl.ReadChunkSizeRaw,
		// Sem pong por maxMissedPings intervalos = conexão morta.
		ReadTimeout:  ccCfg.KeepaliveInterval*maxMissedPings + 5*time.Second,
		WriteTimeout: 10 * time.Second,
	}, cc.logger)

	if err := ctrl.Connected(ep); err != nil {
		tlsConn.Close()
		return nil, nil, err
	}
	ep.Start()

	return ctrl, ep, nil
}

// pingLoop envia ControlPing periódico (coalescendo progress/stats no mesmo
// tick) até o endpoint morrer ou o canal ser parado. A leitura de frames do
// server acontece no endpoint; handleServerFrame faz o despacho.
func (cc *ControlChannel) pingLoop(ctrl *connctl.Controller, ep *connctl.NetEndpoint) {
	ccCfg := cc.cfg.Daemon.ControlChannel

	ticker := time.NewTicker(ccCfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cc.stopCh:
			return
		case <-ep.Done():
			// Endpoint terminou (erro de I/O, timeout ou close remoto)
			return
		case <-ticker.C:
			now := time.Now()
			ctrl.Push(&protocol.ControlPing{Timestamp: now.UnixNano()}, func(res connctl.OutputResult) {
				if res != connctl.OutputSuccess {
					cc.logger.Warn("control ping not delivered", "result", res)
				}
			})

			// Coalescendo envio de progress/stats com o mesmo tick de ping
			if cc.progressProvider != nil {
				total, sent, walk := cc.progressProvider()
				if total > 0 {
					cc.SendProgress(total, sent, walk)
				}
			}
			if cc.statsProvider != nil {
				if stats := cc.statsProvider(); stats != nil {
					cc.SendStats(stats)
				}
			}
			if cc.autoScaleStatsProvider != nil {
				if asStats := cc.autoScaleStatsProvider(); asStats != nil {
					cc.push(asStats, "ControlAutoScaleStats")
				}
			}

			// Degradação: pongs em atraso além do tolerado
			sincePong := now.UnixNano() - cc.lastPongNano.Load()
			if sincePong > int64(ccCfg.KeepaliveInterval)*2 && cc.State() == StateConnected {
				cc.state.Store(StateDegraded)
				cc.logger.Warn("control channel degraded: pong overdue",
					"since_last_pong", time.Duration(sincePong))
			}
		}
	}
}

// handleServerFrame despacha um frame decodificado vindo do server.
// Invocado pelo controller no goroutine de leitura do endpoint.
func (cc *ControlChannel) handleServerFrame(msg any) {
	switch m := msg.(type) {
	case *protocol.ControlPong:
		// Calcula RTT
		rttSample := time.Duration(time.Now().UnixNano() - m.Timestamp)
		if rttSample < 0 {
			rttSample = 0
		}
		cc.updateRTT(rttSample)

		// Atualiza métricas do server
		cc.serverLoad.Store(m.ServerLoad)
		cc.diskFree.Store(m.DiskFree)
		cc.lastPongNano.Store(time.Now().UnixNano())
		if cc.State() == StateDegraded {
			cc.state.Store(StateConnected)
		}

		cc.logger.Debug("control channel pong received",
			"rtt", rttSample,
			"ewma_rtt", cc.RTT(),
			"server_load", m.ServerLoad,
			"disk_free_mb", m.DiskFree,
		)

	case *protocol.ControlRotate:
		cc.logger.Info("control channel: received ControlRotate", "stream", m.StreamIndex)

		// Executa em goroutine para não bloquear o reader.
		// O ACK DEVE ser enviado sempre — onRotate é opcional.
		go func(idx uint8) {
			defer func() {
				if r := recover(); r != nil {
					cc.logger.Error("control channel: onRotate panic recovered",
						"stream", idx, "panic", r)
				}
				// Envia ACK sempre, mesmo se onRotate panicar.
				cc.SendRotateACK(idx)
				cc.logger.Info("control channel: sent ControlRotateACK", "stream", idx)
			}()

			if cc.onRotate != nil {
				cc.onRotate(idx)
			} else {
				cc.logger.Warn("control channel: onRotate handler missing, sending ACK without drain",
					"stream", idx)
			}
		}(m.StreamIndex)

	case *protocol.ControlNACK:
		cc.logger.Info("control channel: received ControlNACK", "global_seq", m.GlobalSeq)

		go func(seq uint32) {
			retransmitted := false
			if cc.onNack != nil {
				retransmitted = cc.onNack(seq)
			} else {
				cc.logger.Warn("control channel: onNack handler missing", "global_seq", seq)
			}
			cc.push(&protocol.ControlNACKACK{GlobalSeq: seq, Retransmitted: retransmitted}, "ControlNACKACK")
		}(m.GlobalSeq)

	default:
		cc.logger.Warn("control channel: unexpected frame from server", "type", fmt.Sprintf("%T", msg))
	}
}

// updateRTT atualiza o RTT EWMA com um novo sample.
func (cc *ControlChannel) updateRTT(sample time.Duration) {
	current := cc.rttNanos.Load()
	if current == 0 {
		// Primeiro sample
		cc.rttNanos.Store(int64(sample))
		return
	}
	// EWMA: new = α * sample + (1-α) * current
	newRTT := ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(current)
	cc.rttNanos.Store(int64(math.Round(newRTT)))
}
