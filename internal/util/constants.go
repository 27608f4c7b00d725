// Package util provides common utilities and constants for SecureVault.
//
// This package contains:
//   - Size constants (KiB, MiB, GiB, TiB) for byte calculations
//   - The block chunk size used by the import pipeline
//   - Progress/speed/time formatting functions (Statify, Timeify, Sizeify)
//   - Reusable chunk buffers for streaming operations
//
// All utilities are stateless and thread-safe.
package util

// Size constants for byte calculations
const (
	KiB = 1 << 10 // 1024
	MiB = 1 << 20 // 1,048,576
	GiB = 1 << 30 // 1,073,741,824
	TiB = 1 << 40 // 1,099,511,627,776
)

// ChunkSize is the plaintext block size for the import pipeline. Every
// stored block except a file's last one has exactly this plaintext length.
//
// CRITICAL: Changing this breaks deduplication against existing repositories
// (the same file would chunk to different hashes).
const ChunkSize = 4 * MiB
