// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/repocell/cell/internal/bulkstore"
	"github.com/repocell/cell/internal/cellconfig"
	"github.com/repocell/cell/internal/cellruntime"
)

// ServeCmd boots one RepoCell process: it loads a CellConfig document,
// wires the bulk-storage capability, opens the CellRuntime, and serves its
// HTTP route table until signalled to stop.
type ServeCmd struct {
	Config     string `arg:"" optional:"" name:"config" help:"path to the cell's TOML config document" default:"cell.toml"`
	ExpandEnv  bool   `name:"expand-env" help:"expand \\${ENV} references in the config file before decoding"`
	PrivateKey string `name:"private-key" help:"PEM file used to decrypt at-rest secrets in the config document"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := cellconfig.Load(c.Config, c.ExpandEnv)
	if err != nil {
		return err
	}

	if c.PrivateKey != "" {
		keyPEM, err := os.ReadFile(c.PrivateKey)
		if err != nil {
			return err
		}
		dec, err := cellconfig.NewDecrypter(keyPEM)
		if err != nil {
			return err
		}
		cfg.BulkStore.Decrypt(dec)
		cfg.Auth.Decrypt(dec)
	}

	ctx := context.Background()
	bulk, err := newBulkStore(ctx, cfg)
	if err != nil {
		return err
	}

	rt, err := cellruntime.Open(ctx, cfg, bulk, []byte(cfg.Auth.ApprovalSigningKey))
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: rt.Router(),
	}

	cl := newCloser()
	go cl.listenSignal(ctx, srv)

	logrus.Infof("repocell-serve: listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-cl.ch
	return nil
}

// newBulkStore constructs the BulkStore capability (spec §6) from config. An
// empty bucket falls back to an in-memory store, useful for a cell run
// without a configured bucket (local development, tests-via-binary).
func newBulkStore(ctx context.Context, cfg *cellconfig.CellConfig) (bulkstore.Store, error) {
	if cfg.BulkStore.Bucket == "" {
		logrus.Warn("repocell-serve: no bulk_store.bucket configured, using in-memory store")
		return bulkstore.NewMem(), nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.BulkStore.Region))
	if cfg.BulkStore.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.BulkStore.AccessKeyID, cfg.BulkStore.AccessKeySecret, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BulkStore.Endpoint != "" {
			o.BaseEndpoint = &cfg.BulkStore.Endpoint
			o.UsePathStyle = true
		}
	})
	return bulkstore.NewS3Store(client, cfg.BulkStore.Bucket), nil
}
