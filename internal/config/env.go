package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"4820"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".maestro/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"maestro/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type BridgeEnv struct {
	BridgeHost string `envconfig:"BRIDGE_HOST" default:""`
	BridgePort string `envconfig:"BRIDGE_PORT" default:"4821"`
}

type SpawnEnv struct {
	// AgentCommand is the binary the external launcher starts for a session.
	AgentCommand string `envconfig:"AGENT_COMMAND" default:"claude"`
	// ServerURL is the address spawned agents use to call back into this
	// server for registration and progress reporting.
	ServerURL string `envconfig:"SERVER_URL" default:"http://localhost:4820"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:admin@example.com"`
}

type Env struct {
	BaseEnv
	StorageEnv
	BridgeEnv
	SpawnEnv
	VAPIDEnv
}

const namespace = "MAESTRO"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func SpawnEnvFromEnv(env *Env) *SpawnEnv {
	return &env.SpawnEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
