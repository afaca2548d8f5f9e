package config

import (
	"fmt"
	"regexp"
	"strings"
)

// S3 bucket naming rules
const (
	MinBucketNameLength = 3
	MaxBucketNameLength = 63
)

var (
	// Valid bucket name regex (S3 compatible)
	validBucketNameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9.\-]*[a-z0-9])?$`)

	// Invalid patterns
	invalidConsecutiveDashes = regexp.MustCompile(`--`)
	ipAddressPattern         = regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}$`)
)

// ValidateBucketName validates a configured bucket name according to S3 rules
func ValidateBucketName(name string) error {
	if len(name) < MinBucketNameLength || len(name) > MaxBucketNameLength {
		return fmt.Errorf("bucket %q: name must be between %d and %d characters",
			name, MinBucketNameLength, MaxBucketNameLength)
	}

	if !validBucketNameRegex.MatchString(name) {
		return fmt.Errorf("bucket %q: name must start and end with alphanumeric characters and contain only lowercase letters, numbers, dots and hyphens", name)
	}

	if invalidConsecutiveDashes.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("bucket %q: name cannot contain consecutive dashes or dots", name)
	}

	if ipAddressPattern.MatchString(name) {
		return fmt.Errorf("bucket %q: name cannot be formatted as IP address", name)
	}

	return nil
}
