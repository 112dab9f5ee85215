package config

import "fmt"

// supportedBaseLanguages lists the languages the pipeline can treat as base.
// The retrieval pipeline embeds base-language text only; see internal/translate.
var supportedBaseLanguages = map[string]bool{
	"en": true,
}

// Validate performs fail-fast validation of the configuration.
// Returns a sentinel error (wrapped with detail) for the first violation found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model name must not be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedderDim <= 0 || c.EmbedderDim > 8192 {
		return fmt.Errorf("%w: dimension %d outside (0, 8192]", ErrInvalidEmbedderDimension, c.EmbedderDim)
	}

	if !supportedBaseLanguages[c.BaseLanguage] {
		return fmt.Errorf("%w: %q", ErrInvalidBaseLanguage, c.BaseLanguage)
	}

	if err := c.validateChunking(); err != nil {
		return err
	}

	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: %d outside [1, 100]", ErrInvalidTopK, c.TopK)
	}
	if c.BoostFactor < 1.0 || c.BoostFactor > 10.0 {
		return fmt.Errorf("%w: %.2f outside [1.0, 10.0]", ErrInvalidBoostFactor, c.BoostFactor)
	}
	for name, v := range map[string]float64{
		"gap_threshold":                c.GapThreshold,
		"low_confidence_threshold":     c.LowConfidence,
		"translation_confidence_floor": c.TranslationFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s=%.2f outside [0, 1]", ErrInvalidThreshold, name, v)
		}
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCacheTTL, c.CacheTTL)
	}
	if c.RatePerMinute <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("%w: rate=%d burst=%d", ErrInvalidRateLimit, c.RatePerMinute, c.RateBurst)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d outside [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}

	return nil
}

// validateChunking checks the chunk window invariants: the band must be
// ordered, the target must sit inside the band, and the overlap must be
// smaller than the minimum chunk so adjacent chunks always advance.
func (c *Config) validateChunking() error {
	if c.ChunkMinTokens <= 0 || c.ChunkMaxTokens <= c.ChunkMinTokens {
		return fmt.Errorf("%w: band [%d, %d] is not ordered", ErrInvalidChunking,
			c.ChunkMinTokens, c.ChunkMaxTokens)
	}
	if c.ChunkTargetTokens < c.ChunkMinTokens || c.ChunkTargetTokens > c.ChunkMaxTokens {
		return fmt.Errorf("%w: target %d outside band [%d, %d]", ErrInvalidChunking,
			c.ChunkTargetTokens, c.ChunkMinTokens, c.ChunkMaxTokens)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkMinTokens {
		return fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidChunking,
			c.ChunkOverlap, c.ChunkMinTokens)
	}
	return nil
}
