// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/connio-dev/nbackup/internal/config"
)

// S3Mirror espelha backups finalizados em um bucket S3-compatível.
// O upload acontece fora do caminho crítico do FinalACK: o backup local já
// está commitado quando o espelhamento começa, e uma falha de upload não
// invalida o backup — só é logada para o operador.
type S3Mirror struct {
	client *s3.Client
	info   config.RemoteStorageInfo
	logger *slog.Logger
}

// NewS3Mirror monta o client S3 a partir da configuração do storage.
// Credenciais estáticas (access_key_id/secret_access_key) têm precedência;
// sem elas o SDK usa a credential chain default (env, profile, IMDS).
func NewS3Mirror(ctx context.Context, info config.RemoteStorageInfo, logger *slog.Logger) (*S3Mirror, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(info.Region),
	}
	if info.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(info.AccessKeyID, info.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = info.UsePathStyle
		if info.Endpoint != "" {
			o.BaseEndpoint = aws.String(info.Endpoint)
		}
	})

	return &S3Mirror{
		client: client,
		info:   info,
		logger: logger.With("component", "s3_mirror", "bucket", info.Bucket),
	}, nil
}

// remoteKey monta a chave do objeto a partir do prefixo configurado e do
// caminho local relativo ao base dir do storage (agent/backup/arquivo).
func remoteKey(prefix, baseDir, localPath string) string {
	rel, err := filepath.Rel(baseDir, localPath)
	if err != nil {
		rel = filepath.Base(localPath)
	}
	key := filepath.ToSlash(rel)
	if prefix != "" {
		key = path.Join(prefix, key)
	}
	return key
}

// Upload envia um backup finalizado para o bucket. Bloqueia até o fim do
// upload ou do timeout configurado.
func (m *S3Mirror) Upload(ctx context.Context, baseDir, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening backup for mirror: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating backup for mirror: %w", err)
	}

	uploadCtx, cancel := context.WithTimeout(ctx, m.info.UploadTimeout)
	defer cancel()

	key := remoteKey(m.info.Prefix, baseDir, localPath)
	_, err = m.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:        aws.String(m.info.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", localPath, m.info.Bucket, key, err)
	}

	m.logger.Info("backup mirrored to remote storage", "key", key, "bytes", fi.Size())
	return nil
}

// mirrorToRemote espelha finalPath no remote do storage, se configurado.
// Roda em goroutine própria; falhas não afetam o backup local.
func (h *Handler) mirrorToRemote(storageInfo config.StorageInfo, finalPath string, logger *slog.Logger) {
	if storageInfo.Remote.Type != "s3" {
		return
	}

	go func() {
		ctx := context.Background()
		mirror, err := NewS3Mirror(ctx, storageInfo.Remote, logger)
		if err != nil {
			logger.Error("s3 mirror setup failed", "error", err)
			return
		}
		if err := mirror.Upload(ctx, storageInfo.BaseDir, finalPath); err != nil {
			logger.Error("s3 mirror upload failed", "error", err)
		}
	}()
}
