package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// pollBackoff yields the wait between response-file polls: starts in the
// 25-50 ms band and doubles up to the cap.
type pollBackoff struct {
	cur time.Duration
}

func newPollBackoff() *pollBackoff {
	return &pollBackoff{cur: 25 * time.Millisecond}
}

func (b *pollBackoff) next() time.Duration {
	d := b.cur
	b.cur *= 2
	if b.cur > time.Second {
		b.cur = time.Second
	}
	return d
}

// readResponse parses a response file, tolerating the writer being mid-write:
// a missing file and partial JSON both report retryable=true.
func readResponse(path string) (Response, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Response{}, true, err
		}
		return Response{}, false, fmt.Errorf("read response file: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, true, fmt.Errorf("%w: %v", ErrStaleResponse, err)
	}
	if resp.Status == "" {
		return Response{}, true, ErrStaleResponse
	}
	return resp, false, nil
}

// awaitResponseFile polls path until a complete response appears, ctx is
// done, or the deadline passes. extend is consulted each round to push the
// deadline out while the daemon reports active processing; it may be nil.
func awaitResponseFile(ctx context.Context, path string, timeout time.Duration, extend func() (time.Duration, bool)) (Response, error) {
	deadline := time.Now().Add(timeout)
	backoff := newPollBackoff()

	for {
		resp, retryable, err := readResponse(path)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return Response{}, err
		}

		if time.Now().After(deadline) {
			// The extend callback tracks the cumulative extension budget.
			if extend != nil {
				if extra, ok := extend(); ok {
					deadline = deadline.Add(extra)
					continue
				}
			}
			return Response{}, ErrDaemonTimeout
		}

		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(backoff.next()):
		}
	}
}

// extractSentinel pulls the response JSON out of mixed stdout using the
// output markers. Falls back to the whole output when no markers are found.
func extractSentinel(stdout string) (string, bool) {
	start := strings.Index(stdout, OutputStartMarker)
	if start < 0 {
		return "", false
	}
	rest := stdout[start+len(OutputStartMarker):]
	end := strings.Index(rest, OutputEndMarker)
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// parseStdoutResponse decodes an ephemeral container's stdout: the sentinel
// block when present, otherwise the raw output.
func parseStdoutResponse(stdout string) (Response, error) {
	payload, ok := extractSentinel(stdout)
	if !ok {
		payload = strings.TrimSpace(stdout)
	}
	var resp Response
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrStaleResponse, err)
	}
	if resp.Status == "" {
		return Response{}, ErrStaleResponse
	}
	return resp, nil
}
