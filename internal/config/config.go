package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultChunkSize     = 1000
	DefaultChunkOverlap  = 200
	DefaultTopK          = 4
	DefaultEmbeddingDim  = 384
	DefaultDistance      = "l2"
	DefaultDataDir       = "data"
	DefaultMaxUploadSize = 50 * 1024 * 1024
	DefaultSnippetLength = 300
	DefaultTemperature   = 0.3
	DefaultInferModel    = "llama-3.3-70b-versatile"
	DefaultInferBaseURL  = "https://api.groq.com/openai/v1"
	DefaultEmbedModel    = "all-minilm"
	DefaultEmbedBaseURL  = "http://localhost:11434"
	DefaultBatchSize     = 32
	DefaultServerAddr    = ":8080"
)

type Config struct {
	RAG      RAGConfig      `yaml:"rag"`
	EmbedLLM LLMConfig      `yaml:"embed_llm"`
	InferLLM LLMConfig      `yaml:"infer_llm"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	OCR      OCRConfig      `yaml:"ocr"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

type RAGConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	TopK          int    `yaml:"top_k"`
	EmbeddingDim  int    `yaml:"embedding_dim"`
	Distance      string `yaml:"distance"`
	DataDir       string `yaml:"data_dir"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
	SnippetLength int    `yaml:"snippet_length"`
	Workers       int    `yaml:"workers"`
	// EncryptionKey is used by the chromem export; must be 32 bytes when set
	EncryptionKey string `yaml:"encryption_key"`
	ChromemPath   string `yaml:"chromem_path"`
	Collection    string `yaml:"collection"`
}

// LLMConfig configures either the embedding model or the completion model.
// Provider is "ollama" or "openai" (any OpenAI-compatible endpoint, e.g. Groq).
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	BaseURL     string  `yaml:"base_url"`
	Key         string  `yaml:"key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	BatchSize   int     `yaml:"batch_size"`
}

type DatabaseConfig struct {
	// Driver is "pgdriver" (default) or "pq"
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type CacheConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	TTL       string `yaml:"ttl"`
	KeyPrefix string `yaml:"key_prefix"`
}

type OCRConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Pdftoppm  string `yaml:"pdftoppm"`
	Tesseract string `yaml:"tesseract"`
	Language  string `yaml:"language"`
	DPI       int    `yaml:"dpi"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// LoadConfig reads the YAML config at path. A .env file in the working
// directory is loaded first and ${VAR} references in the YAML are expanded.
// A missing config file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := presets()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := presets()
	applyDefaults(&cfg)
	return &cfg
}

// presets holds defaults for fields where zero is a valid setting. They are
// set before unmarshalling so an explicit 0 in the file survives.
func presets() Config {
	var cfg Config
	cfg.RAG.ChunkOverlap = DefaultChunkOverlap
	cfg.InferLLM.Temperature = DefaultTemperature
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.RAG.ChunkSize == 0 {
		cfg.RAG.ChunkSize = DefaultChunkSize
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = DefaultTopK
	}
	if cfg.RAG.EmbeddingDim == 0 {
		cfg.RAG.EmbeddingDim = DefaultEmbeddingDim
	}
	if cfg.RAG.Distance == "" {
		cfg.RAG.Distance = DefaultDistance
	}
	if cfg.RAG.DataDir == "" {
		cfg.RAG.DataDir = DefaultDataDir
	}
	if cfg.RAG.MaxUploadSize == 0 {
		cfg.RAG.MaxUploadSize = DefaultMaxUploadSize
	}
	if cfg.RAG.SnippetLength == 0 {
		cfg.RAG.SnippetLength = DefaultSnippetLength
	}
	if cfg.RAG.Workers == 0 {
		cfg.RAG.Workers = 4
	}
	if cfg.RAG.ChromemPath == "" {
		cfg.RAG.ChromemPath = "./chromemdb"
	}
	if cfg.RAG.Collection == "" {
		cfg.RAG.Collection = "knowledge_base"
	}

	if cfg.EmbedLLM.Provider == "" {
		cfg.EmbedLLM.Provider = "ollama"
	}
	if cfg.EmbedLLM.BaseURL == "" && cfg.EmbedLLM.Provider == "ollama" {
		cfg.EmbedLLM.BaseURL = DefaultEmbedBaseURL
	}
	if cfg.EmbedLLM.Model == "" {
		cfg.EmbedLLM.Model = DefaultEmbedModel
	}
	if cfg.EmbedLLM.BatchSize == 0 {
		cfg.EmbedLLM.BatchSize = DefaultBatchSize
	}

	if cfg.InferLLM.Provider == "" {
		cfg.InferLLM.Provider = "openai"
	}
	if cfg.InferLLM.BaseURL == "" && cfg.InferLLM.Provider == "openai" {
		cfg.InferLLM.BaseURL = DefaultInferBaseURL
	}
	if cfg.InferLLM.Model == "" {
		cfg.InferLLM.Model = DefaultInferModel
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
	if cfg.Cache.Addr == "" {
		cfg.Cache.Addr = "localhost:6379"
	}
	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = "24h"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "emb:"
	}
	if cfg.OCR.Pdftoppm == "" {
		cfg.OCR.Pdftoppm = "pdftoppm"
	}
	if cfg.OCR.Tesseract == "" {
		cfg.OCR.Tesseract = "tesseract"
	}
	if cfg.OCR.Language == "" {
		cfg.OCR.Language = "eng"
	}
	if cfg.OCR.DPI == 0 {
		cfg.OCR.DPI = 300
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// applyEnv fills API keys from the environment when the file leaves them out
func applyEnv(cfg *Config) {
	if cfg.InferLLM.Key == "" {
		for _, name := range []string{"GROQ_API_KEY", "OPENAI_API_KEY"} {
			if v := os.Getenv(name); v != "" {
				cfg.InferLLM.Key = v
				break
			}
		}
	}
	if cfg.EmbedLLM.Key == "" && cfg.EmbedLLM.Provider == "openai" {
		cfg.EmbedLLM.Key = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []string
	if c.RAG.ChunkSize <= 0 {
		errs = append(errs, "rag.chunk_size must be positive")
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		errs = append(errs, "rag.chunk_overlap must be in [0, chunk_size)")
	}
	if c.RAG.TopK <= 0 {
		errs = append(errs, "rag.top_k must be positive")
	}
	if c.RAG.EmbeddingDim <= 0 {
		errs = append(errs, "rag.embedding_dim must be positive")
	}
	switch c.RAG.Distance {
	case "l2", "cosine":
	default:
		errs = append(errs, fmt.Sprintf("rag.distance %q is not one of l2, cosine", c.RAG.Distance))
	}
	if c.RAG.EncryptionKey != "" && len(c.RAG.EncryptionKey) != 32 {
		errs = append(errs, "rag.encryption_key must be 32 bytes")
	}
	for _, p := range []struct {
		name string
		cfg  LLMConfig
	}{{"embed_llm", c.EmbedLLM}, {"infer_llm", c.InferLLM}} {
		switch p.cfg.Provider {
		case "ollama", "openai":
		default:
			errs = append(errs, fmt.Sprintf("%s.provider %q is not one of ollama, openai", p.name, p.cfg.Provider))
		}
	}
	if c.InferLLM.Temperature < 0 || c.InferLLM.Temperature > 2 {
		errs = append(errs, "infer_llm.temperature must be in [0, 2]")
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of pgdriver, pq", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}
