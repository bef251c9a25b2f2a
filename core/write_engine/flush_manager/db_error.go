package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// Configuration errors. Returned by constructors, never at runtime.
	ErrInvalidConfig        = errors.New("invalid write cache configuration")
	ErrInvalidEncryptionKey = errors.New("invalid page encryption key or iv")

	// Structural errors. The cache state is left unchanged when these are returned.
	ErrCacheClosed     = errors.New("write cache is closed")
	ErrFileExists      = errors.New("file already exists in storage")
	ErrFileNotFound    = errors.New("file not found in storage")
	ErrFileIDConflict  = errors.New("file id conflicts with an existing registration")
	ErrFileNotOpen     = errors.New("file is not open")
	ErrReadOnly        = errors.New("storage switched to read-only mode")
	ErrPageNotInCache  = errors.New("stored page pointer differs from the cached one")
	ErrInvalidPageSize = errors.New("page buffer size does not match configured page size")

	// Background errors. ErrFlushFailed is sticky: once set, every flush-related call fails.
	ErrFlushFailed = errors.New("background flush failed, write cache refuses further flushes")
	ErrDurability  = errors.New("in-flight flushes did not complete before shutdown timeout")

	// Page corruption.
	ErrPageBroken         = errors.New("page is broken and could not be restored")
	ErrChecksumMismatch   = errors.New("page checksum mismatch, data corruption suspected")
	ErrMagicMismatch      = errors.New("page magic number is not recognized")
	ErrEncryptionRequired = errors.New("page is encrypted but no encryption key is configured")

	// Registry persistence.
	ErrRegistryCorrupted = errors.New("file name registry record is corrupted")

	// Interruption of a blocking wait.
	ErrInterrupted = errors.New("wait for write cache task was interrupted")

	ErrIO = errors.New("i/o error")
)
