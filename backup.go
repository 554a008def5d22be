package homesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// BackupConfig configures S3 snapshot backups of the local collections.
type BackupConfig struct {
	// Enabled turns periodic snapshots on.
	Enabled bool `yaml:"enabled"`

	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // for S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`

	// Interval between automatic snapshots.
	Interval time.Duration `yaml:"interval"`

	// Keep is how many snapshots to retain per device.
	Keep int `yaml:"keep"`

	// MaxRetries for S3 operations.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultBackupConfig returns default backup configuration with backups off.
func DefaultBackupConfig() BackupConfig {
	return BackupConfig{
		Region:     "us-east-1",
		Interval:   6 * time.Hour,
		Keep:       10,
		MaxRetries: 3,
	}
}

// backupSnapshot is the serialized form of one backup object.
type backupSnapshot struct {
	DeviceID    string                  `json:"deviceId"`
	CreatedAt   time.Time               `json:"createdAt"`
	Collections map[EntityType][]Record `json:"collections"`
}

// BackupStats reports backup activity.
type BackupStats struct {
	Snapshots int64     `json:"snapshots"`
	Failures  int64     `json:"failures"`
	LastKey   string    `json:"last_key,omitempty"`
	LastTime  time.Time `json:"last_time,omitempty"`
}

// BackupManager snapshots the device-local collections to S3 and restores
// them. Snapshots are full copies, not deltas; the retained-count prune keeps
// the bucket bounded.
type BackupManager struct {
	config   BackupConfig
	client   *s3.Client
	store    EntityStore
	deviceID string
	retryer  *Retryer
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	mu    sync.Mutex
	stats BackupStats
}

// NewBackupManager creates a backup manager.
func NewBackupManager(cfg BackupConfig, store EntityStore, deviceID string, logger *slog.Logger) (*BackupManager, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("backup bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &BackupManager{
		config:   cfg,
		client:   s3.NewFromConfig(awsCfg, s3Opts...),
		store:    store,
		deviceID: deviceID,
		logger:   logger,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

// keyPrefix is the per-device object namespace.
func (b *BackupManager) keyPrefix() string {
	return fmt.Sprintf("%s%s/", b.config.Prefix, b.deviceID)
}

// Snapshot uploads a full copy of the device-local collections and prunes
// snapshots beyond the retention count. It returns the object key written.
func (b *BackupManager) Snapshot(ctx context.Context) (string, error) {
	snap := backupSnapshot{
		DeviceID:    b.deviceID,
		CreatedAt:   time.Now().UTC(),
		Collections: make(map[EntityType][]Record),
	}
	for _, t := range AllEntityTypes() {
		recs, err := b.store.ReadCollection(t, DefaultScope)
		if err != nil {
			return "", fmt.Errorf("read %s for backup: %w", t, err)
		}
		snap.Collections[t] = recs
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode backup snapshot: %w", err)
	}

	key := fmt.Sprintf("%s%s.json", b.keyPrefix(), snap.CreatedAt.Format("20060102T150405.000"))
	result := b.retryer.Do(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		b.recordResult("", result.LastErr)
		return "", result.LastErr
	}
	b.recordResult(key, nil)

	if err := b.prune(ctx); err != nil {
		b.logger.Warn("backup prune failed", "err", err)
	}
	return key, nil
}

// Restore downloads a snapshot and replaces every local collection with its
// contents. Callers are expected to queue a full sync afterwards so the
// restored state reconciles with the server.
func (b *BackupManager) Restore(ctx context.Context, key string) error {
	var data []byte
	result := b.retryer.Do(ctx, func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return result.LastErr
	}

	var snap backupSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode backup snapshot: %w", err)
	}
	for _, t := range AllEntityTypes() {
		if err := b.store.WriteCollection(t, DefaultScope, snap.Collections[t]); err != nil {
			return fmt.Errorf("restore %s: %w", t, err)
		}
	}
	return nil
}

// ListSnapshots returns this device's snapshot keys, oldest first.
func (b *BackupManager) ListSnapshots(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(b.keyPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *BackupManager) prune(ctx context.Context) error {
	keys, err := b.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	if len(keys) <= b.config.Keep {
		return nil
	}
	for _, key := range keys[:len(keys)-b.config.Keep] {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
	}
	return nil
}

func (b *BackupManager) recordResult(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.stats.Failures++
		return
	}
	b.stats.Snapshots++
	b.stats.LastKey = key
	b.stats.LastTime = time.Now()
}

// Stats returns backup activity counters.
func (b *BackupManager) Stats() BackupStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Start begins periodic snapshots at the configured interval.
func (b *BackupManager) Start() {
	if b.config.Interval <= 0 || !b.running.CompareAndSwap(false, true) {
		return
	}
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.loop()
}

// Stop halts periodic snapshots.
func (b *BackupManager) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	close(b.stopCh)
	b.wg.Wait()
}

func (b *BackupManager) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if _, err := b.Snapshot(ctx); err != nil {
				b.logger.Error("periodic backup failed", "err", err)
			}
			cancel()
		}
	}
}
