package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

// Resolver authentication header names
const (
	ResolverSignatureHeader = "X-Resolver-Signature"
	ResolverTimestampHeader = "X-Resolver-Timestamp"
	ResolverAddressHeader   = "X-Resolver-Address"
)

// ResolverAuthTimestampTolerance is the maximum age of a signed request (5 minutes)
const ResolverAuthTimestampTolerance = 5 * time.Minute

// Package-level auth configuration loaded once from environment
var (
	resolverAuthConfig struct {
		secret   string
		required bool
	}
	resolverAuthConfigOnce sync.Once
)

// loadResolverAuthConfig loads auth configuration from environment variables
func loadResolverAuthConfig() {
	resolverAuthConfigOnce.Do(func() {
		resolverAuthConfig.secret = os.Getenv("RESOLVER_AUTH_SECRET")
		resolverAuthConfig.required = os.Getenv("REQUIRE_RESOLVER_AUTH") == "true"
	})
}

// GetResolverAuthSecret returns the shared resolver authentication secret
func GetResolverAuthSecret() string {
	loadResolverAuthConfig()
	return resolverAuthConfig.secret
}

// IsResolverAuthRequired returns whether resolver-facing endpoints
// require signed requests.
func IsResolverAuthRequired() bool {
	loadResolverAuthConfig()
	return resolverAuthConfig.required
}

// SignRequest creates an HMAC-SHA256 signature for a request.
// The signature covers: method + path + body + timestamp
func SignRequest(method, path string, body []byte, secret string, timestamp int64) string {
	message := fmt.Sprintf("%s\n%s\n%s\n%d", method, path, string(body), timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyRequest verifies the HMAC-SHA256 signature of a request.
// Returns false if the timestamp is stale or the signature doesn't match.
func VerifyRequest(method, path string, body []byte, secret string, timestamp int64, signature string) bool {
	// Verify timestamp is within acceptable window
	now := time.Now().Unix()
	toleranceSec := int64(ResolverAuthTimestampTolerance.Seconds())
	if timestamp < now-toleranceSec || timestamp > now+toleranceSec {
		return false
	}

	// Compute expected signature
	expectedSig := SignRequest(method, path, body, secret, timestamp)

	// Use constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expectedSig)) == 1
}

// ResolverAuthMiddleware rejects unsigned requests on resolver-facing
// endpoints when auth is required. The signature covers method, path,
// body, and timestamp; the body is read here and restored for the
// handler.
func ResolverAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsResolverAuthRequired() {
			next.ServeHTTP(w, r)
			return
		}

		signature := r.Header.Get(ResolverSignatureHeader)
		timestampStr := r.Header.Get(ResolverTimestampHeader)
		if signature == "" || timestampStr == "" {
			http.Error(w, "Missing resolver signature", http.StatusUnauthorized)
			return
		}
		timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid timestamp", http.StatusUnauthorized)
			return
		}

		var body []byte
		if r.Body != nil {
			body, err = io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}

		if !VerifyRequest(r.Method, r.URL.Path, body, GetResolverAuthSecret(), timestamp, signature) {
			http.Error(w, "Invalid resolver signature", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ResetResolverAuthConfigForTesting resets the auth config for testing purposes.
// This should only be used in tests.
func ResetResolverAuthConfigForTesting() {
	resolverAuthConfigOnce = sync.Once{}
}
