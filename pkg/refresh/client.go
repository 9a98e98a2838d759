package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	gatewayhttp "github.com/openshift/portal-gateway/pkg/http"
	"github.com/openshift/portal-gateway/pkg/runutil"
)

const responseLimitBytes = 16 * 1024

// Client calls the refresh endpoint. Every call runs on its own transient
// connection pool which is torn down before the call returns.
type Client struct {
	endpoint *url.URL
	pools    *gatewayhttp.Pools
	logger   log.Logger
}

func NewClient(endpoint *url.URL, pools *gatewayhttp.Pools, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Client{endpoint: endpoint, pools: pools, logger: logger}
}

func (c *Client) Refresh(ctx context.Context, r Request) (*Response, error) {
	pool := c.pools.NewTransient()
	defer pool.Destroy()

	data, err := json.Marshal(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to encode refresh request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "unable to create refresh request")
	}
	for k, vs := range r.Header {
		req.Header[k] = append([]string(nil), vs...)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, ck := range r.Cookies {
		req.AddCookie(ck)
	}

	client := &http.Client{
		Transport: pool.RoundTripper(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "unable to perform refresh request")
	}
	defer runutil.ExhaustCloseWithLogOnErr(c.logger, resp.Body, "close refresh response")

	out := &Response{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseLimitBytes))
	if err != nil {
		return nil, errors.Wrap(err, "unable to read the refresh response")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(body, &out.Body); err != nil {
		if resp.StatusCode/100 == 2 {
			return nil, errors.Wrap(err, "unable to parse the refresh response")
		}
		// Error pages from proxies in front of the endpoint are not JSON.
		out.Body = ResponseBody{}
	}
	return out, nil
}
