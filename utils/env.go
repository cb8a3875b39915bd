package utils

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvMASAddress         = "BANDMATH_MAS_ADDRESS"
	EnvWorkerNodes        = "BANDMATH_WORKER_NODES"
	EnvEngineAddress      = "BANDMATH_ENGINE_ADDRESS"
	EnvEngineClientID     = "BANDMATH_ENGINE_CLIENT_ID"
	EnvEngineClientSecret = "BANDMATH_ENGINE_CLIENT_SECRET"
	EnvEngineTokenURL     = "BANDMATH_ENGINE_TOKEN_URL"
	EnvExportDir          = "BANDMATH_EXPORT_DIR"
	EnvDBDSN              = "BANDMATH_DB_DSN"
	EnvMaxLogFileSize     = "BANDMATH_MAX_LOG_FILE_SIZE"
	EnvMaxLogFiles        = "BANDMATH_MAX_LOG_FILES"
)

// LoadEnv reads .env style files into the process environment.
// Missing files are skipped and variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides replaces service endpoints with any values set in
// the environment.
func ApplyEnvOverrides(sc *ServiceConfig) {
	if v, ok := os.LookupEnv(EnvMASAddress); ok && len(v) > 0 {
		sc.MASAddress = v
	}
	if v, ok := os.LookupEnv(EnvWorkerNodes); ok && len(v) > 0 {
		sc.WorkerNodes = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(EnvEngineAddress); ok && len(v) > 0 {
		sc.EngineAddress = v
	}
	if v, ok := os.LookupEnv(EnvExportDir); ok && len(v) > 0 {
		sc.ExportDir = v
	}
}

// EngineCredentials are the OAuth2 client credentials used to reach a
// hosted engine.
type EngineCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

func EngineCredentialsFromEnv() (*EngineCredentials, bool) {
	c := &EngineCredentials{
		ClientID:     os.Getenv(EnvEngineClientID),
		ClientSecret: os.Getenv(EnvEngineClientSecret),
		TokenURL:     os.Getenv(EnvEngineTokenURL),
	}
	if len(c.ClientID) == 0 || len(c.TokenURL) == 0 {
		return nil, false
	}
	return c, true
}
