// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/connio-dev/nbackup/internal/protocol"
)

// StreamResult contém o resultado de uma operação de streaming.
type StreamResult struct {
	Checksum [32]byte
	Size     uint64
}

// newCompressor cria o writer de compressão negociado no handshake.
// Gzip usa pgzip (compressão paralela por blocos) para não gargalar a
// pipeline em CPUs multi-core; zstd usa o encoder nível fastest.
func newCompressor(dest io.Writer, compressionMode byte) (io.WriteCloser, error) {
	switch compressionMode {
	case protocol.CompressionZstd:
		zw, err := zstd.NewWriter(dest, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, nil
	default: // protocol.CompressionGzip
		gw, err := pgzip.NewWriterLevel(dest, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		return gw, nil
	}
}

// Stream executa o pipeline de streaming zero-copy:
// Scanner → tar.Writer → compressor → throttle → io.Writer (rede/ring buffer).
// O SHA-256 é calculado inline sobre o stream compactado.
// progress e onObject são opcionais; bandwidthLimit <= 0 desabilita o throttle.
// Retorna o checksum e total de bytes escritos no destino.
func Stream(ctx context.Context, scanner *Scanner, dest io.Writer, progress *ProgressReporter, onObject func(), compressionMode byte, bandwidthLimit int64) (*StreamResult, error) {
	// Throttle opcional sobre os bytes compactados que saem para o destino
	throttled := NewThrottledWriter(ctx, dest, bandwidthLimit)

	// Buffer de escrita para reduzir syscalls na conexão TLS
	bufDest := bufio.NewWriterSize(throttled, 256*1024) // 256KB

	// Cria o hash inline
	hasher := sha256.New()
	counter := &countWriter{w: io.MultiWriter(bufDest, hasher)}

	// Pipeline: tar → compressor → buffer → (dest + hasher)
	compWriter, err := newCompressor(counter, compressionMode)
	if err != nil {
		return nil, err
	}

	tw := tar.NewWriter(compWriter)

	// Itera sobre os arquivos via scanner
	scanErr := scanner.Scan(ctx, func(entry FileEntry) error {
		// Verifica cancelamento
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := addToTar(tw, entry); err != nil {
			return err
		}

		if progress != nil {
			progress.AddObject()
			if entry.Info.Mode().IsRegular() {
				progress.AddBytes(entry.Info.Size())
			}
		}
		if onObject != nil {
			onObject()
		}
		return nil
	})

	if scanErr != nil {
		tw.Close()
		compWriter.Close()
		return nil, fmt.Errorf("scanning files: %w", scanErr)
	}

	// Fecha o tar writer (escreve os trailers)
	if err := tw.Close(); err != nil {
		compWriter.Close()
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}

	// Fecha o compressor (flush + trailer)
	if err := compWriter.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}

	// Flush do buffer para a conexão
	if err := bufDest.Flush(); err != nil {
		return nil, fmt.Errorf("flushing buffer: %w", err)
	}

	var checksum [32]byte
	copy(checksum[:], hasher.Sum(nil))

	return &StreamResult{
		Checksum: checksum,
		Size:     counter.n,
	}, nil
}

// addToTar adiciona um arquivo ou diretório ao tar archive.
func addToTar(tw *tar.Writer, entry FileEntry) error {
	// Trata symlinks
	link := ""
	if entry.Info.Mode()&os.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(entry.Path)
		if err != nil {
			return nil // pula symlinks quebrados
		}
	}

	header, err := tar.FileInfoHeader(entry.Info, link)
	if err != nil {
		return fmt.Errorf("creating tar header for %s: %w", entry.Path, err)
	}

	// Usa o caminho relativo para preservar a estrutura
	header.Name = entry.RelPath

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", entry.Path, err)
	}

	// Se for arquivo regular, copia o conteúdo
	if entry.Info.Mode().IsRegular() {
		f, err := os.Open(entry.Path)
		if err != nil {
			return fmt.Errorf("opening file %s: %w", entry.Path, err)
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("writing file %s to tar: %w", entry.Path, err)
		}
	}

	return nil
}

// countWriter conta os bytes escritos.
type countWriter struct {
	w io.Writer
	n uint64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += uint64(n)
	return n, err
}
