package connectivity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultProbePath = "/healthz"

// HTTPProber issues a HEAD request; any 2xx or 3xx answer counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPProber{
		URL:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + DefaultProbePath,
		Client: client,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("probe %s returned status %d", p.URL, resp.StatusCode)
	}
	return nil
}
