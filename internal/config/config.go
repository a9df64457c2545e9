package config

import (
	_ "embed"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	TMDB     TMDBConfig
	FaceAPI  FaceAPIConfig
	Database DatabaseConfig
	Store    StoreConfig
	Tuning   Tuning
}

type TMDBConfig struct {
	APIKey   string
	BaseURL  string // defaults to https://api.themoviedb.org/3
	ImageURL string // defaults to https://image.tmdb.org/t/p
	Language string // defaults to en-US
}

type FaceAPIConfig struct {
	URL string // detection/embedding service, defaults to http://localhost:8000
	Dim int    // embedding dimension, defaults to 512
}

type DatabaseConfig struct {
	URL          string // PostgreSQL connection URL (optional; store runs file-only without it)
	MaxOpenConns int
	MaxIdleConns int
}

type StoreConfig struct {
	SnapshotDir string // where index snapshots live, defaults to ./data/index
	PaletteFile string // per-title character style assignments, defaults to ./data/palette.yaml
}

// Tuning mirrors defaults.yaml. Thresholds are plain data so components
// receive them explicitly at construction.
type Tuning struct {
	Matching MatchingTuning `yaml:"matching"`
	Dedup    DedupTuning    `yaml:"dedup"`
	Ingest   IngestTuning   `yaml:"ingest"`
	Store    StoreTuning    `yaml:"store"`
	Video    VideoTuning    `yaml:"video"`
}

type MatchingTuning struct {
	DistanceThreshold float64 `yaml:"distance_threshold"`
	HighDistance      float64 `yaml:"high_distance"`
	MediumDistance    float64 `yaml:"medium_distance"`
	TieEpsilon        float64 `yaml:"tie_epsilon"`
	ScopeOverfetch    int     `yaml:"scope_overfetch"`
}

type DedupTuning struct {
	NearDuplicateDistance float64 `yaml:"near_duplicate_distance"`
	PHashHamming          int     `yaml:"phash_hamming"`
}

type IngestTuning struct {
	Concurrency            int            `yaml:"concurrency"`
	MinDetectionConfidence float64        `yaml:"min_detection_confidence"`
	AmbiguousPolicy        string         `yaml:"ambiguous_policy"`
	MaxPerIdentity         int            `yaml:"max_per_identity"`
	EvictOnCap             bool           `yaml:"evict_on_cap"`
	Quality                QualityWeights `yaml:"quality"`
}

type QualityWeights struct {
	Resolution float64 `yaml:"resolution_weight"`
	Sharpness  float64 `yaml:"sharpness_weight"`
	Confidence float64 `yaml:"confidence_weight"`
	Frontal    float64 `yaml:"frontal_weight"`
}

type StoreTuning struct {
	Dimension    int     `yaml:"dimension"`
	CompactRatio float64 `yaml:"compact_ratio"`
}

type VideoTuning struct {
	AutoDetectThresholdMinutes float64          `yaml:"auto_detect_threshold_minutes"`
	BaseSkip                   int              `yaml:"base_skip"`
	SkipPerHalfHour            int              `yaml:"skip_per_half_hour"`
	MaxSkip                    int              `yaml:"max_skip"`
	SkipStrategy               string           `yaml:"skip_strategy"`
	MaxMemoryFraction          float64          `yaml:"max_memory_fraction"`
	MemoryBudgetMB             int              `yaml:"memory_budget_mb"`
	QueueDepth                 int              `yaml:"queue_depth"`
	HoldTimeoutSeconds         float64          `yaml:"hold_timeout_seconds"`
	ProgressEveryFrames        int              `yaml:"progress_every_frames"`
	ProgressEverySeconds       float64          `yaml:"progress_every_seconds"`
	Annotation                 AnnotationTuning `yaml:"annotation"`
}

type AnnotationTuning struct {
	StrokeWidth   int     `yaml:"stroke_width"`
	StrokeOpacity float64 `yaml:"stroke_opacity"`
	FontScale     int     `yaml:"font_scale"`
}

// envStr reads an environment variable with a fallback default.
func envStr(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func Load() *Config {
	var tuning Tuning
	if err := yaml.Unmarshal(defaultsYAML, &tuning); err != nil {
		// Embedded file, so this only fires on a bad edit to defaults.yaml.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	return &Config{
		TMDB: TMDBConfig{
			APIKey:   os.Getenv("TMDB_API_KEY"),
			BaseURL:  envStr("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
			ImageURL: envStr("TMDB_IMAGE_URL", "https://image.tmdb.org/t/p"),
			Language: envStr("TMDB_LANGUAGE", "en-US"),
		},
		FaceAPI: FaceAPIConfig{
			URL: envStr("FACEAPI_URL", "http://localhost:8000"),
			Dim: envInt("FACEAPI_DIM", 512),
		},
		Database: DatabaseConfig{
			URL:          os.Getenv("DATABASE_URL"),
			MaxOpenConns: envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns: envInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Store: StoreConfig{
			SnapshotDir: envStr("INDEX_SNAPSHOT_DIR", "./data/index"),
			PaletteFile: envStr("PALETTE_FILE", "./data/palette.yaml"),
		},
		Tuning: tuning,
	}
}
