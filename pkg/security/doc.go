// Package security provides validation, sanitization, and limits for the
// engine.
//
// This package includes:
//   - Input validation for workflow ids, resource ids, and event names
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on retries and concurrency
//   - Security-related constants defining maximum sizes and counts
package security
