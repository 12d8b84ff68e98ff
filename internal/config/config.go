// Package config resolves process configuration from environment variables.
// Flags override env; env overrides defaults. A .env file in the current working
// directory is honored when present.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config holds the external collaborator endpoints and tool locations.
type Config struct {
	ASRBaseURL     string // transcription service
	AlignerBaseURL string // forced-alignment service
	FFmpegPath     string
	DBPath         string // run ledger
	LogLevel       string
}

// Load reads .env (best effort) and resolves the configuration.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ASRBaseURL:     getenv("BOOKALIGN_ASR_URL", "http://127.0.0.1:8765"),
		AlignerBaseURL: getenv("BOOKALIGN_ALIGNER_URL", "http://127.0.0.1:8766"),
		FFmpegPath:     getenv("BOOKALIGN_FFMPEG", "ffmpeg"),
		DBPath:         os.Getenv("BOOKALIGN_DB_PATH"),
		LogLevel:       os.Getenv("BOOKALIGN_LOG"),
	}
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DBPath = filepath.Join(home, ".bookalign", "bookalign.db")
		}
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
