// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cellconfig decodes the TOML configuration document a RepoCell
// process is launched with.
package cellconfig

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration unmarshals a TOML string like "30s" into a time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ObjectStoreConfig sizes the hot tier and its LRU cache.
type ObjectStoreConfig struct {
	SqlitePath       string   `toml:"sqlite_path"`
	HotObjectMaxByte int64    `toml:"hot_object_max_bytes"`
	HotMaxByte       int64    `toml:"hot_max_bytes"`
	PromotionAfter   int      `toml:"promotion_threshold"`
	DemotionAfter    int      `toml:"demotion_age_days"`
	CacheNumCounters int64    `toml:"cache_num_counters"`
	CacheMaxCost     int64    `toml:"cache_max_cost"`
	CacheBufferItems int64    `toml:"cache_buffer_items"`
	Timeout          Duration `toml:"timeout,omitempty"`
}

// BulkStoreConfig configures the S3-compatible bucket used for warm/cold
// objects and columnar segments.
type BulkStoreConfig struct {
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	AccessKeyID     string `toml:"access_key_id"`
	AccessKeySecret string `toml:"access_key_secret,omitempty"`
}

func (b *BulkStoreConfig) Decrypt(dec *Decrypter) {
	if dec == nil {
		return
	}
	if v, err := dec.Decrypt(b.AccessKeySecret); err == nil {
		b.AccessKeySecret = v
	}
}

// ColumnarConfig tunes the write-buffer / compaction loop.
type ColumnarConfig struct {
	BufferSoftCap     int      `toml:"buffer_soft_cap"`
	CompactionBase    Duration `toml:"compaction_base,omitempty"`
	CompactionFactor  float64  `toml:"compaction_factor"`
	CompactionMaxTry  int      `toml:"compaction_max_attempts"`
	DefaultCodec      string   `toml:"default_codec"` // SNAPPY | LZ4 | LZ4_RAW | UNCOMPRESSED
}

// AuthConfig holds the approval-token signing/verification key used to
// satisfy branch-protection required-reviews checks.
type AuthConfig struct {
	ApprovalSigningKey string `toml:"approval_signing_key,omitempty"`
}

func (a *AuthConfig) Decrypt(dec *Decrypter) {
	if dec == nil {
		return
	}
	if v, err := dec.Decrypt(a.ApprovalSigningKey); err == nil {
		a.ApprovalSigningKey = v
	}
}

// CellConfig is the top-level TOML document a RepoCell process loads.
type CellConfig struct {
	Listen      string            `toml:"listen"`
	Namespace   string            `toml:"namespace"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	BulkStore   BulkStoreConfig   `toml:"bulk_store"`
	Columnar    ColumnarConfig    `toml:"columnar"`
	Auth        AuthConfig        `toml:"auth"`
}

func defaults() CellConfig {
	return CellConfig{
		Listen: ":8080",
		ObjectStore: ObjectStoreConfig{
			SqlitePath:       "cell.db",
			HotObjectMaxByte: 1 << 20,
			HotMaxByte:       32 << 20,
			PromotionAfter:   3,
			DemotionAfter:    7,
			CacheNumCounters: 1e6,
			CacheMaxCost:     64 << 20,
			CacheBufferItems: 64,
		},
		Columnar: ColumnarConfig{
			BufferSoftCap:    4096,
			CompactionFactor: 3,
			CompactionMaxTry: 3,
			DefaultCodec:     "SNAPPY",
		},
	}
}

// NewExpandReader opens file, optionally expanding ${ENV} references before
// the caller decodes it as TOML.
func NewExpandReader(file string, expandEnv bool) (io.ReadCloser, error) {
	fd, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	if !expandEnv {
		return fd, nil
	}
	defer fd.Close()
	buf, err := io.ReadAll(fd)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(os.ExpandEnv(string(buf)))), nil
}

// Load decodes a CellConfig from file, applying defaults for anything the
// document omits.
func Load(file string, expandEnv bool) (*CellConfig, error) {
	r, err := NewExpandReader(file, expandEnv)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cfg := defaults()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.ObjectStore.Timeout.Duration == 0 {
		cfg.ObjectStore.Timeout.Duration = 30 * time.Second
	}
	if cfg.Columnar.CompactionBase.Duration == 0 {
		cfg.Columnar.CompactionBase.Duration = 10 * time.Second
	}
	return &cfg, nil
}
