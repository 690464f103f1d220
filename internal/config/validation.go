package config

import (
	"fmt"
	"slices"
)

// validSSLModes are the PostgreSQL SSL modes accepted by pgx.
var validSSLModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

// Validate checks the configuration and returns the first problem found.
// Called by Load; callers constructing Config by hand (tests) should call it
// explicitly.
func (c *Config) Validate() error {
	if c.AnalysisModel == "" {
		return fmt.Errorf("%w: analysis_model is empty", ErrInvalidModelName)
	}
	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat_model is empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model is empty", ErrInvalidModelName)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkOverlap)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 64 {
		return fmt.Errorf("%w: worker_concurrency %d must be in [1, 64]", ErrInvalidConcurrency, c.WorkerConcurrency)
	}
	if c.JobMaxAttempts < 1 || c.JobMaxAttempts > 10 {
		return fmt.Errorf("%w: job_max_attempts %d must be in [1, 10]", ErrInvalidConcurrency, c.JobMaxAttempts)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: postgres_host is empty", ErrInvalidPostgres)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: postgres_port %d out of range", ErrInvalidPostgres, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: postgres_db_name is empty", ErrInvalidPostgres)
	}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: postgres_ssl_mode %q not one of %v", ErrInvalidPostgres, c.PostgresSSLMode, validSSLModes)
	}

	if c.StorageBucket == "" {
		return fmt.Errorf("%w: storage_bucket is empty", ErrInvalidBucket)
	}

	for name, limit := range map[string]int{
		"chat_rate_per_min":   c.ChatRatePerMin,
		"api_rate_per_min":    c.APIRatePerMin,
		"upload_rate_per_min": c.UploadRatePerMin,
	} {
		if limit < 1 || limit > 100000 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidRateLimit, name, limit)
		}
	}

	return nil
}

// ValidateWorker adds requirements for the worker on top of Validate: the
// Gemini API key must be present since every job calls the provider.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY is not set", ErrMissingAPIKey)
	}
	return nil
}

// ValidateServe adds the API server requirements: everything the worker
// needs, plus the token-signing secret shared with the identity provider.
func (c *Config) ValidateServe() error {
	if err := c.ValidateWorker(); err != nil {
		return err
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("%w: FATHOM_AUTH_SECRET is not set", ErrMissingAuthSecret)
	}
	return nil
}
