package action

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"bgtask/internal/task/registry"
	logx "bgtask/pkg/logx"
)

func newHTTPClient() *http.Client {
	d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	// Deadlines come from the execution context.
	return &http.Client{Transport: tr}
}

func httpFunc(spec Spec, client *http.Client, log logx.Logger) registry.WorkFunc {
	method := strings.ToUpper(strings.TrimSpace(spec.Method))
	if method == "" {
		method = http.MethodGet
	}
	return func(ctx context.Context) error {
		var body io.Reader
		if spec.Body != "" {
			body = strings.NewReader(spec.Body)
		}
		req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, spec.URL, err)
		}
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedOutput))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s %s: status %d: %s", method, spec.URL, resp.StatusCode, strings.TrimSpace(string(snippet)))
		}
		log.Debug("http ok", logx.Int("status", resp.StatusCode), logx.Int("bytes", len(snippet)))
		return nil
	}
}
