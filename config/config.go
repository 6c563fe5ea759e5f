// basement/config/config.go
package config

const (
	AppVersion = "0.9.0"

	// Post Limits
	MaxBodyLen     = 10000
	MaxSubjectLen  = 100
	MaxFilenameLen = 255

	// Image Limits
	MaxImageBytes    = 8 * 1024 * 1024 // 8MB
	MaxImageWidth    = 10000
	MaxImageHeight   = 10000
	ThumbnailSize    = 250
	ImageQuality     = 90
	ThumbnailQuality = 85

	// Listing & Bumping
	ThreadsPerPage = 15
	PostsPerPage   = 100
	BumpLimit      = 350

	// Rate Limiting Defaults
	DefaultRateLimitWindow = "10s"
	DefaultRateLimitBurst  = 3
	DefaultRateLimitSweep  = "5m"

	// External Call Defaults
	DefaultOracleTimeout  = "5s"
	DefaultStorageTimeout = "10s"
	DefaultOracleRPS      = 10

	// Token Gate Defaults
	DefaultRPCURL           = "https://mainnet.base.org"
	DefaultTokenAddress     = "0xcf4abb42b4b47eb242eabab5c9a9913bcad9ca23"
	DefaultTokenDecimals    = 18
	DefaultTokenMinimum     = "1000000000000000" // 0.001 tokens
	DefaultTokenPurchaseURL = "https://dexscreener.com/base/0xc5052d8910046279fd6633b288234c2366b019f9d372d75a08d8fe01c601a6b9"
)
