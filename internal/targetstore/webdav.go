package targetstore

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/syt100/bastion/internal/apperrors"
)

const (
	webdavRetries    = 3
	webdavBaseBackoff = 500 * time.Millisecond
)

// WebDAV stores each run as base_url/job_id/run_id/ on a WebDAV server
//: MKCOL to create collections, HEAD to check resumability,
// PUT with retry+backoff, DELETE for the deferred delete queue. A
// per-target circuit breaker trips after repeated transient failures so a
// dead server doesn't burn every retry budget of every concurrent upload.
type WebDAV struct {
	BaseURL    string
	HTTPClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewWebDAV(baseURL string, client *http.Client) *WebDAV {
	if client == nil {
		client = http.DefaultClient
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webdav-" + baseURL,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &WebDAV{BaseURL: baseURL, HTTPClient: client, breaker: breaker}
}

func (s *WebDAV) runURL(jobID, runID string) string {
	return fmt.Sprintf("%s/%s/%s", trimSlash(s.BaseURL), jobID, runID)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (s *WebDAV) EnsureRunCollection(ctx context.Context, jobID, runID string) (string, error) {
	jobURL := fmt.Sprintf("%s/%s", trimSlash(s.BaseURL), jobID)
	if err := s.mkcol(ctx, jobURL); err != nil {
		return "", err
	}
	runURL := s.runURL(jobID, runID)
	if err := s.mkcol(ctx, runURL); err != nil {
		return "", err
	}
	return runURL, nil
}

// mkcol creates a collection, treating 405 (Method Not Allowed, returned
// when the collection already exists) as success.
func (s *WebDAV) mkcol(ctx context.Context, url string) error {
	return s.withBreaker(func() error {
		req, err := http.NewRequestWithContext(ctx, "MKCOL", url, nil)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "build MKCOL request")
		}
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "MKCOL %s", url)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusMethodNotAllowed {
			return nil
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return classifyStatus(resp.StatusCode, "MKCOL", url)
	})
}

// PutArtifact uploads a, resuming by HEAD size-match unless final is
// true (the completion marker is always rewritten).
func (s *WebDAV) PutArtifact(ctx context.Context, jobID, runID string, a Artifact, final bool) error {
	url := fmt.Sprintf("%s/%s", s.runURL(jobID, runID), a.Name)

	if !final {
		existingSize, ok, err := s.headSize(ctx, url)
		if err != nil {
			return err
		}
		if ok && existingSize == a.Size {
			return nil
		}
	}

	var lastErr error
	for attempt := 0; attempt <= webdavRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffWithJitter(attempt))
		}
		err := s.withBreaker(func() error { return s.put(ctx, url, a) })
		if err == nil {
			return nil
		}
		lastErr = err
		if ae, ok := apperrors.As(err); ok && ae.Type != apperrors.ErrorTypeTransient {
			return err
		}
	}
	return lastErr
}

func (s *WebDAV) put(ctx context.Context, url string, a Artifact) error {
	body, err := a.Open()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open artifact %s", a.Name)
	}
	defer body.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "build PUT request")
	}
	req.ContentLength = a.Size

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "PUT %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode, "PUT", url)
}

func (s *WebDAV) headSize(ctx context.Context, url string) (size int64, ok bool, err error) {
	runErr := s.withBreaker(func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if reqErr != nil {
			return apperrors.Wrap(reqErr, apperrors.ErrorTypePermanent, "build HEAD request")
		}
		resp, doErr := s.HTTPClient.Do(req)
		if doErr != nil {
			return apperrors.Wrapf(doErr, apperrors.ErrorTypeTransient, "HEAD %s", url)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			ok = false
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return classifyStatus(resp.StatusCode, "HEAD", url)
		}
		n, parseErr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if parseErr != nil {
			ok = false
			return nil
		}
		size, ok = n, true
		return nil
	})
	if runErr != nil {
		return 0, false, runErr
	}
	return size, ok, nil
}

// FetchArtifact GETs a named artifact for restore/verify, retrying
// transient failures the same way PutArtifact does.
func (s *WebDAV) FetchArtifact(ctx context.Context, jobID, runID, name string) (io.ReadCloser, int64, error) {
	url := fmt.Sprintf("%s/%s", s.runURL(jobID, runID), name)

	var body io.ReadCloser
	var size int64
	var lastErr error
	for attempt := 0; attempt <= webdavRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffWithJitter(attempt))
		}
		err := s.withBreaker(func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if reqErr != nil {
				return apperrors.Wrap(reqErr, apperrors.ErrorTypePermanent, "build GET request")
			}
			resp, doErr := s.HTTPClient.Do(req)
			if doErr != nil {
				return apperrors.Wrapf(doErr, apperrors.ErrorTypeTransient, "GET %s", url)
			}
			if resp.StatusCode == http.StatusNotFound {
				resp.Body.Close()
				return apperrors.NewNotFoundError("artifact " + name)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				resp.Body.Close()
				return classifyStatus(resp.StatusCode, "GET", url)
			}
			body, size = resp.Body, resp.ContentLength
			return nil
		})
		if err == nil {
			return body, size, nil
		}
		lastErr = err
		if ae, ok := apperrors.As(err); ok && ae.Type != apperrors.ErrorTypeTransient {
			return nil, 0, err
		}
	}
	return nil, 0, lastErr
}

// DeleteRun deletes the run collection, treating 404 as success.
func (s *WebDAV) DeleteRun(ctx context.Context, jobID, runID string) error {
	url := s.runURL(jobID, runID)
	return s.withBreaker(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypePermanent, "build DELETE request")
		}
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "DELETE %s", url)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
			return nil
		}
		return classifyStatus(resp.StatusCode, "DELETE", url)
	})
}

func (s *WebDAV) withBreaker(fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// classifyStatus maps an HTTP status into the error taxonomy the deferred
// delete queue uses to decide retrying vs blocked vs abandoned.
func classifyStatus(status int, method, url string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Newf(apperrors.ErrorTypeAuth, "%s %s: %d", method, url, status)
	case status >= 500:
		return apperrors.Newf(apperrors.ErrorTypeTransient, "%s %s: %d", method, url, status)
	case status == http.StatusNotFound || status == http.StatusConflict:
		return apperrors.Newf(apperrors.ErrorTypePermanent, "%s %s: %d", method, url, status)
	default:
		return apperrors.Newf(apperrors.ErrorTypeTransient, "%s %s: %d", method, url, status)
	}
}

func backoffWithJitter(attempt int) time.Duration {
	base := webdavBaseBackoff * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}
