package config

// Default system preamble placed before every prompt.
const DefaultSystemPrompt = "You are a helpful assistant. Answer using the provided context when it is relevant. " +
	"If the context does not contain the answer, say so instead of guessing."

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 120
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "./data/shiori.db"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "./data/vectors.bin"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "./data/keyword.bleve"
	}
	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = "./data/uploads"
	}
	if cfg.Upload.MaxSize == 0 {
		cfg.Upload.MaxSize = 10 << 20
	}
	if cfg.Upload.AllowedExtensions == nil {
		cfg.Upload.AllowedExtensions = []string{"pdf", "docx", "txt", "md", "xlsx", "pptx", "jpg", "jpeg", "png"}
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hashing"
	}
	if cfg.Embedding.Model == "" {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.Model = "text-embedding-3-small"
		case "onnx":
			cfg.Embedding.Model = "all-MiniLM-L6-v2"
		default:
			cfg.Embedding.Model = "feature-hash-v1"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		switch cfg.Embedding.Provider {
		case "openai":
			cfg.Embedding.Dimensions = 1536
		default:
			cfg.Embedding.Dimensions = 384
		}
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.RedisTTL == 0 {
		cfg.Embedding.RedisTTL = 7 * 24 * 3600
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 3
	}
	if cfg.Chunking.Unit == "" {
		cfg.Chunking.Unit = UnitWords
	}
	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 1000
		if cfg.Chunking.Overlap == 0 {
			cfg.Chunking.Overlap = 200
		}
	}
	if cfg.Ingestion.Workers == 0 {
		cfg.Ingestion.Workers = 4
	}
	if cfg.Retrieval.DefaultTopK == 0 {
		cfg.Retrieval.DefaultTopK = 5
	}
	if cfg.Retrieval.MaxTopK == 0 {
		cfg.Retrieval.MaxTopK = 50
	}
	if cfg.Retrieval.CandidateFactor == 0 {
		cfg.Retrieval.CandidateFactor = 4
	}
	if cfg.Retrieval.DedupEpsilon == 0 {
		cfg.Retrieval.DedupEpsilon = 0.02
	}
	if cfg.Context.TokenBudget == 0 {
		cfg.Context.TokenBudget = 16000
	}
	if cfg.Context.HistoryFraction == 0 {
		cfg.Context.HistoryFraction = 0.3
	}
	if cfg.Context.Counter == "" {
		cfg.Context.Counter = "estimate"
	}
	if cfg.Context.Encoding == "" {
		cfg.Context.Encoding = "cl100k_base"
	}
	if cfg.Context.SystemPrompt == "" {
		cfg.Context.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Generator.Provider == "" {
		cfg.Generator.Provider = "openai"
	}
	if cfg.Generator.BaseURL == "" {
		cfg.Generator.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = "llama-3.1-8b-instant"
	}
	if cfg.Generator.MaxTokens == 0 {
		cfg.Generator.MaxTokens = 1024
	}
	if cfg.Generator.Temperature == 0 {
		cfg.Generator.Temperature = 0.7
	}
	if cfg.Generator.MaxRetries == 0 {
		cfg.Generator.MaxRetries = 3
	}
	if cfg.Generator.TimeoutSeconds == 0 {
		cfg.Generator.TimeoutSeconds = 60
	}
	if cfg.Chat.HistoryTurns == 0 {
		cfg.Chat.HistoryTurns = 20
	}
	if cfg.Chat.RetrievalTopK == 0 {
		cfg.Chat.RetrievalTopK = 5
	}
	if cfg.Chat.SessionIdleSeconds == 0 {
		cfg.Chat.SessionIdleSeconds = 300
	}
	if cfg.Chat.TitleLength == 0 {
		cfg.Chat.TitleLength = 50
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".txt", ".md", ".pdf", ".docx", ".xlsx", ".pptx"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
