package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPDetector issues a GET against a liveness URL.
// With ExpectStatus unset any response below 500 counts as up: the service
// answered, even if the path itself is not routed.
type HTTPDetector struct {
	URL          string
	ExpectStatus int
	Client       *http.Client
}

func (d HTTPDetector) Alive(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return false, err
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if d.ExpectStatus != 0 {
		if resp.StatusCode != d.ExpectStatus {
			return false, fmt.Errorf("status %d, want %d", resp.StatusCode, d.ExpectStatus)
		}
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	return true, nil
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }
