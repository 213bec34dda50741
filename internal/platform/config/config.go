package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool parses key with strconv.ParseBool ("1", "true", "false", ...).
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration parses key with time.ParseDuration ("1s", "500ms").
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// Engine groups the engine settings read from the environment.
type Engine struct {
	Port                         string
	LogLevel                     string
	LogFormat                    string
	MediaDir                     string
	CatalogPath                  string
	FrameRate                    int
	FrameWidth                   int
	FrameHeight                  int
	ImageDuration                time.Duration
	FilterBackends               []string
	ExportStopMotionPhotoAsVideo bool
	StillCacheSize               int
}

// FromEnv reads Engine settings, falling back to defaults suitable for a
// local run.
func FromEnv() Engine {
	return Engine{
		Port:                         GetEnv("PORT", "8080"),
		LogLevel:                     GetEnv("LOG_LEVEL", "info"),
		LogFormat:                    GetEnv("LOG_FORMAT", "json"),
		MediaDir:                     GetEnv("MEDIA_DIR", "./data/media"),
		CatalogPath:                  GetEnv("CATALOG_PATH", "./data/catalog.db"),
		FrameRate:                    GetEnvInt("FRAME_RATE", 30),
		FrameWidth:                   GetEnvInt("FRAME_WIDTH", 720),
		FrameHeight:                  GetEnvInt("FRAME_HEIGHT", 1280),
		ImageDuration:                GetEnvDuration("IMAGE_DURATION", time.Second),
		FilterBackends:               GetEnvList("FILTER_BACKENDS", []string{"metal", "opengl", "software"}),
		ExportStopMotionPhotoAsVideo: GetEnvBool("EXPORT_STOP_MOTION_PHOTO_AS_VIDEO", true),
		StillCacheSize:               GetEnvInt("STILL_CACHE_SIZE", 64),
	}
}
