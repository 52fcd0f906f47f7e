// Package config assembles daemon configuration from a .env file, the
// process environment and sane defaults. Generated secrets (VAPID
// keys) are persisted under the data directory so they survive
// restarts.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
)

type VAPIDKeys struct {
	Subject    string
	PublicKey  string
	PrivateKey string
}

type Config struct {
	HTTPPort  string
	HTTPSPort string
	Domain    string
	HTTPOnly  bool

	DataDir string
	DBPath  string

	BackendURL string
	SFUURL     string

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	PushTopic    string

	TURNPort  int
	TURNRealm string

	DeviceID    string
	JoinTimeout time.Duration

	VAPIDKeys VAPIDKeys
}

// Load reads .env if present, then the environment, then fills
// defaults. It errors only on values that cannot be repaired.
func Load(logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := godotenv.Load(); err == nil {
		logger.Info("loaded configuration from .env")
	}

	dataDir := getEnv("SITELINK_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	cfg := &Config{
		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		HTTPSPort: getEnv("HTTPS_PORT", "8443"),
		Domain:    getEnv("DOMAIN", "localhost"),

		DataDir: dataDir,
		DBPath:  getEnv("SITELINK_DB_PATH", filepath.Join(dataDir, "sitelink.db")),

		BackendURL: getEnv("BACKEND_URL", "http://localhost:9000/api"),
		SFUURL:     getEnv("SFU_URL", "http://localhost:7880"),

		MQTTBroker:   getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTUsername: os.Getenv("MQTT_USERNAME"),
		MQTTPassword: os.Getenv("MQTT_PASSWORD"),
		PushTopic:    getEnv("PUSH_TOPIC", "sitelink/push/incoming"),

		TURNPort:  getEnvInt("TURN_PORT", 3478),
		TURNRealm: getEnv("TURN_REALM", "sitelink"),

		DeviceID:    getEnv("SITELINK_DEVICE_ID", "sitelink-device"),
		JoinTimeout: getEnvDuration("JOIN_TIMEOUT", 30*time.Second),
	}

	keys, err := loadVAPIDKeys(dataDir, logger)
	if err != nil {
		return nil, err
	}
	cfg.VAPIDKeys = keys

	return cfg, nil
}

func defaultDataDir() string {
	execPath, err := os.Executable()
	if err != nil {
		return "data"
	}
	return filepath.Join(filepath.Dir(execPath), "data")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// loadVAPIDKeys returns keys from the environment, from the persisted
// key files, or generates and persists a fresh pair.
func loadVAPIDKeys(dataDir string, logger *slog.Logger) (VAPIDKeys, error) {
	subject := getEnv("VAPID_SUBJECT", "mailto:ops@sitelink.io")

	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		return VAPIDKeys{Subject: subject, PublicKey: pub, PrivateKey: priv}, nil
	}

	keysDir := filepath.Join(dataDir, "keys")
	publicFile := filepath.Join(keysDir, "vapid-public.key")
	privateFile := filepath.Join(keysDir, "vapid-private.key")

	if pubData, err := os.ReadFile(publicFile); err == nil {
		if privData, err := os.ReadFile(privateFile); err == nil {
			return VAPIDKeys{
				Subject:    subject,
				PublicKey:  strings.TrimSpace(string(pubData)),
				PrivateKey: strings.TrimSpace(string(privData)),
			}, nil
		}
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(publicFile, []byte(publicKey), 0600)
		os.WriteFile(privateFile, []byte(privateKey), 0600)
		logger.Info("vapid keys saved", "dir", keysDir)
	} else {
		logger.Warn("vapid keys not persisted, will regenerate on restart", "error", err)
	}

	return VAPIDKeys{Subject: subject, PublicKey: publicKey, PrivateKey: privateKey}, nil
}
