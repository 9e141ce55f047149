// Package tokens computes contributor rewards and listing prices from file size.
package tokens

const (
	bytesPerMB = 1048576

	// BaseReward is granted for every accepted upload.
	BaseReward int64 = 5
	// LargeFileBonus is added when the file is larger than LargeFileThresholdMB.
	LargeFileBonus int64 = 2
	// LargeFileThresholdMB is 0.1 binary megabytes (about 100 KiB).
	LargeFileThresholdMB = 0.1

	// PricePerMB is the listing price of one binary megabyte.
	PricePerMB = 10.0
)

// Calculate returns the token reward for a file of sizeBytes.
// mediaType is accepted for future tiering and does not change the result.
func Calculate(sizeBytes int64, mediaType string) int64 {
	reward := BaseReward
	if SizeMB(sizeBytes) > LargeFileThresholdMB {
		reward += LargeFileBonus
	}
	return reward
}

// SizeMB converts bytes to binary megabytes. Negative sizes count as zero.
func SizeMB(sizeBytes int64) float64 {
	if sizeBytes <= 0 {
		return 0
	}
	return float64(sizeBytes) / bytesPerMB
}

// PriceForSize is the marketplace price shown for a listing.
func PriceForSize(sizeBytes int64) float64 {
	return SizeMB(sizeBytes) * PricePerMB
}
