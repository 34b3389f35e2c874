package hwlicense

import "io"

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithLegacyArtifacts controls whether Open accepts unsigned artifacts
// issued before signing was introduced. Default: true.
// Seal never produces the legacy form regardless of this setting.
func WithLegacyArtifacts(enabled bool) CodecOption {
	return func(c *Codec) {
		c.legacy = enabled
	}
}

// WithRandom sets the source of salts and IVs. Default: crypto/rand.Reader.
// Intended for deterministic tests only.
func WithRandom(r io.Reader) CodecOption {
	return func(c *Codec) {
		c.random = r
	}
}
