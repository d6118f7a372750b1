package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// LoadDotEnv loads KEY=VALUE pairs from the given file into the environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Str("path", path).Err(err).Msg("dotenv load failed")
	}
}
