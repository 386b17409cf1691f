// Package util provides common utility functions used across the credbroker
// library.
//
// This package contains helper functions for string manipulation and IP
// classification that are shared by multiple packages to avoid duplication.
//
// Key utilities:
//   - SafeTruncate: safely truncates strings for logging sensitive data
//   - NormalizeURL: canonical URL form for redirect URI comparison
//   - ClassifyIP: IP security classification for SSRF protection
package util
