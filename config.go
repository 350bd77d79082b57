// Configuration and defaults.
//
// Config follows the zero-value convention: Open fills in defaults for
// any field left at its zero value, so quire.Config{} is always valid.
package quire

import "github.com/rs/zerolog"

// Page size bounds. Pages must be a multiple of the disk block size;
// 4 KiB is assumed as the common denominator across filesystems.
const (
	MinPageSize     = 4 * 1024
	MaxPageSize     = 1024 * 1024 * 1024
	DefaultPageSize = 64 * 1024
	diskBlockSize   = 4 * 1024
)

// Config holds persistence configuration options.
type Config struct {
	PageSize        int             // Fixed page capacity (default 64KB)
	CacheBytes      int64           // Page cache budget (default 32MB)
	DigestAlgorithm int             // 1=xxHash3, 2=Blake2b
	CompressPages   bool            // Write zstd-framed page files
	SyncWrites      bool            // fsync parent directories on commit
	Logger          *zerolog.Logger // nil = no logging
}

// withDefaults fills zero-value fields and validates the page size.
func (c Config) withDefaults() (Config, error) {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize < MinPageSize || c.PageSize > MaxPageSize || c.PageSize%diskBlockSize != 0 {
		return c, ErrPageSize
	}
	if c.CacheBytes == 0 {
		c.CacheBytes = 32 * 1024 * 1024
	}
	if c.DigestAlgorithm == 0 {
		c.DigestAlgorithm = AlgXXHash3
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c, nil
}
