// Package router decides which model handles a run, with what budgets, and
// how to fail over when a model errors: errors are classified into typed
// categories that drive per-model cooldowns and the retry loop.
package router

import (
	"strings"
	"time"
)

// Class is an error category. It selects the cooldown length and whether the
// run may retry on another model.
type Class string

const (
	ClassAuth            Class = "auth"
	ClassRateLimit       Class = "rate_limit"
	ClassTimeout         Class = "timeout"
	ClassContextOverflow Class = "context_overflow"
	ClassTransient       Class = "transient"
	ClassInvalidResponse Class = "invalid_response"
)

// Cooldown lengths per class. Timeout sits above transient so a model that
// hangs is benched longer than one that merely hiccuped.
const (
	cooldownShort  = 15 * time.Second
	cooldownMedium = 60 * time.Second
	cooldownLong   = 6 * time.Hour

	cooldownTimeout = 2 * time.Minute
)

// CooldownFor returns how long a model is excluded after an error of the
// given class.
func CooldownFor(c Class) time.Duration {
	switch c {
	case ClassAuth:
		return cooldownLong
	case ClassRateLimit, ClassTransient:
		return cooldownMedium
	case ClassTimeout:
		return cooldownTimeout
	default:
		return cooldownShort
	}
}

// Retryable reports whether a run may continue on another model after an
// error of this class. Auth and credit failures fail fast.
func (c Class) Retryable() bool {
	return c != ClassAuth
}

var classSignals = []struct {
	class   Class
	signals []string
}{
	{ClassAuth, []string{
		"401", "403", "402", "invalid api key", "payment required",
		"insufficient credit", "unauthorized", "forbidden",
	}},
	{ClassRateLimit, []string{
		"429", "rate limit", "too many requests",
	}},
	{ClassContextOverflow, []string{
		"context length", "too many tokens", "maximum context", "prompt is too long",
	}},
	{ClassTimeout, []string{
		"etimedout", "deadline exceeded", "timed out", "timeout",
	}},
	{ClassTransient, []string{
		"500", "502", "503", "504", "econnreset", "econnrefused",
		"eai_again", "enotfound", "internal server error", "bad gateway",
		"service unavailable", "overloaded",
	}},
}

// Classify maps an error (and optionally the raw response body) to a Class
// by signal matching. Unmatched errors are transient; an empty body with a
// nil error is an invalid response.
func Classify(err error, body string) Class {
	if err == nil && strings.TrimSpace(body) == "" {
		return ClassInvalidResponse
	}
	var text string
	if err != nil {
		text = err.Error()
	}
	haystack := strings.ToLower(text + " " + body)
	for _, cs := range classSignals {
		for _, sig := range cs.signals {
			if strings.Contains(haystack, sig) {
				return cs.class
			}
		}
	}
	if err != nil {
		return ClassTransient
	}
	return ClassInvalidResponse
}

// Humanize maps a class to the short user-facing string delivered to chat.
func Humanize(c Class) string {
	switch c {
	case ClassAuth:
		return "I can't reach the model provider right now (authentication problem). An operator needs to check the API key."
	case ClassRateLimit:
		return "I'm rate limited, trying again shortly."
	case ClassTimeout:
		return "The model took too long to answer. I'll retry with a fallback."
	case ClassContextOverflow:
		return "Your message was too long for that model. I'm compacting the conversation and retrying."
	case ClassInvalidResponse:
		return "I got an empty answer back. Let me try that again."
	default:
		return "I had trouble connecting to the model. Retrying."
	}
}
