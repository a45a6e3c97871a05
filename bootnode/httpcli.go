package bootnode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/lianxiangcloud/linkdht/libs/log"
)

const (
	defaultDialTimeout = 10 * time.Second
	keepAliveInterval  = 30 * time.Second
	maxResponseSize    = 4 << 20
)

var (
	gTransport = &http.Transport{
		ResponseHeaderTimeout: 2 * time.Minute,
		DisableCompression:    true,
		IdleConnTimeout:       2 * time.Minute,
		MaxIdleConns:          4,
		MaxIdleConnsPerHost:   2,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: keepAliveInterval}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	gHTTPClient = &http.Client{
		Transport: gTransport,
	}
)

// HttpPost sends request as JSON and returns the body of a 200 response.
func HttpPost(ctx context.Context, url string, request interface{}) ([]byte, error) {
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest("POST", url, bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "NewRequest")
	}
	req.Header.Add("Content-Type", "application/json")
	req = req.WithContext(ctx)
	resp, err := gHTTPClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client.Do")
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	log.Trace("HTTPPost", "url", url, "req", string(data), "resp", string(body))
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("StatusCode %d, Resp %s", resp.StatusCode, string(body))
	}
	return body, nil
}
