package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBFile      string
	AdminAddr   string
	APIAddr     string
	BaseURL     string
	UploadsPath string
	TokenExpiry time.Duration
	LogLevel    slog.Level

	BlobBackend  string
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	S3Public     bool
	S3PresignTTL time.Duration

	MobileBreakpoint int
	ImageQuality     int
	ImageMaxWidth    int
	MaxImageBytes    int64
	SendTimeout      time.Duration
	RecentSends      int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string
}

const (
	BlobBackendLocal = "local"
	BlobBackendS3    = "s3"
)

func Load(cliMode bool) (*Config, error) {
	cfg := &Config{
		DBFile:          getEnv("VERANDA_DB", "veranda.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		BlobBackend:     getEnv("BLOB_BACKEND", BlobBackendLocal),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3Region:        getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:      os.Getenv("S3_ENDPOINT"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubject:    getEnv("VAPID_SUBJECT", "mailto:admin@localhost"),
	}

	var err error
	if cfg.TokenExpiry, err = getDuration("TOKEN_EXPIRY", "24h"); err != nil {
		return nil, err
	}
	if cfg.S3PresignTTL, err = getDuration("S3_PRESIGN_TTL", "168h"); err != nil {
		return nil, err
	}
	if cfg.SendTimeout, err = getDuration("SEND_TIMEOUT", "2m"); err != nil {
		return nil, err
	}
	if cfg.S3Public, err = strconv.ParseBool(getEnv("S3_PUBLIC", "false")); err != nil {
		return nil, fmt.Errorf("S3_PUBLIC: %w", err)
	}
	if cfg.MobileBreakpoint, err = getInt("MOBILE_BREAKPOINT", 760); err != nil {
		return nil, err
	}
	if cfg.ImageQuality, err = getInt("IMAGE_QUALITY", 80); err != nil {
		return nil, err
	}
	if cfg.ImageMaxWidth, err = getInt("IMAGE_MAX_WIDTH", 1920); err != nil {
		return nil, err
	}
	if cfg.RecentSends, err = getInt("RECENT_SENDS", 32); err != nil {
		return nil, err
	}
	maxImage, err := getInt("MAX_IMAGE_BYTES", 10<<20)
	if err != nil {
		return nil, err
	}
	cfg.MaxImageBytes = int64(maxImage)
	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	// The CLI only talks to the admin API.
	if cliMode {
		return nil
	}

	switch c.BlobBackend {
	case BlobBackendLocal:
	case BlobBackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 blob backend")
		}
		if !c.S3Public && c.S3PresignTTL <= 0 {
			return fmt.Errorf("S3_PRESIGN_TTL must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.MobileBreakpoint <= 0 {
		return fmt.Errorf("MOBILE_BREAKPOINT must be greater than 0")
	}
	if c.ImageQuality < 1 || c.ImageQuality > 100 {
		return fmt.Errorf("IMAGE_QUALITY must be between 1 and 100")
	}
	if c.ImageMaxWidth <= 0 {
		return fmt.Errorf("IMAGE_MAX_WIDTH must be greater than 0")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be greater than 0")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be greater than 0")
	}
	if c.RecentSends <= 0 {
		return fmt.Errorf("RECENT_SENDS must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}
	if c.VAPIDPublicKey != "" && !strings.HasPrefix(c.VAPIDSubject, "mailto:") && !strings.HasPrefix(c.VAPIDSubject, "https://") {
		return fmt.Errorf("VAPID_SUBJECT must be a mailto: or https:// URL")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
