// Package bootnode collects the seed endpoints a node bootstraps from:
// endpoints listed in the config, a local seed file and HTTP seed servers.
package bootnode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	cfg "github.com/lianxiangcloud/linkdht/config"
	"github.com/lianxiangcloud/linkdht/libs/dht/contact"
	"github.com/lianxiangcloud/linkdht/libs/log"
)

const (
	Succ = 0
)

const (
	TCP           = "tcp"
	RouteGetSeeds = "api/bootnode"
)

var ErrNoSeedSource = errors.New("no seed source configured")

type Rnode struct {
	MachineID string    `json:"machine_id"`
	Endpoint  *Endpoint `json:"endpoint,omitempty"`
}

type GetSeedsReq struct {
	Time      int64     `json:"time"`
	MachineID string    `json:"machine_id"`
	ID        string    `json:"id"`
	Endpoint  *Endpoint `json:"endpoint,omitempty"`
}

type GetSeedsResp struct {
	Code    int     `json:"code"` //0:success, other:failed
	Message string  `json:"message"`
	Seeds   []Rnode `json:"nodes"`
}

func buildGetSeedsURL(url string) string {
	return fmt.Sprintf("%s/%s", url, RouteGetSeeds)
}

// GetSeeds merges the seeds of every configured source, skipping sources
// that fail. It errors only when no source yields a seed.
func GetSeeds(ctx context.Context, conf *cfg.BootNodeConfig, self *contact.Contact, logger log.Logger) ([]string, error) {
	if len(conf.Seeds) == 0 && conf.SeedFile == "" && len(conf.Addrs) == 0 {
		return nil, ErrNoSeedSource
	}

	var (
		seeds   []string
		lastErr error
	)
	seeds = append(seeds, conf.Seeds...)

	if conf.SeedFile != "" {
		fileSeeds, err := getSeedsFromFile(conf.SeedFile, logger)
		if err != nil {
			logger.Warn("GetSeeds", "seedFile", conf.SeedFile, "err", err)
			lastErr = err
		}
		seeds = append(seeds, fileSeeds...)
	}

	if len(conf.Addrs) != 0 {
		svrSeeds, err := GetSeedsFromBootSvr(ctx, newServers(conf.Addrs), conf.Timeout, self, logger)
		if err != nil {
			lastErr = err
		}
		seeds = append(seeds, svrSeeds...)
	}

	seeds = dedupEndpoints(seeds, logger)
	if len(seeds) == 0 {
		if lastErr == nil {
			lastErr = errors.New("seed sources returned no endpoints")
		}
		return nil, lastErr
	}
	return seeds, nil
}

// getSeedsFromFile reads a seed server response saved as JSON, or a plain
// list with one host:port per line. Lines starting with # are ignored.
func getSeedsFromFile(path string, logger log.Logger) ([]string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "getSeedsFromFile path:%v", path)
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		return parseSeedsResp(trimmed, logger)
	}

	var seeds []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	return seeds, scanner.Err()
}

func parseSeedsResp(data []byte, logger log.Logger) ([]string, error) {
	var resp GetSeedsResp
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if resp.Code != Succ {
		return nil, errors.Errorf("code:%v != success, Retmsg:%v", resp.Code, resp.Message)
	}
	return RapNodes(resp.Seeds, logger), nil
}

// GetSeedsFromBootSvr asks the seed servers in turn until one answers.
func GetSeedsFromBootSvr(ctx context.Context, svrs *servers, timeout time.Duration, self *contact.Contact, logger log.Logger) (seeds []string, err error) {
	postContent := GetSeedsReq{Time: time.Now().Unix()}
	if self != nil {
		postContent.MachineID = self.MachineID
		postContent.ID = self.ID.String()
		postContent.Endpoint = EndpointOf(self)
	}

	for retry := 0; retry < svrs.num(); retry++ {
		bootSvr := svrs.next()
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		var respBytes []byte
		respBytes, err = HttpPost(reqCtx, buildGetSeedsURL(bootSvr), postContent)
		cancel()
		if err != nil {
			logger.Warn("GetSeedsFromBootSvr", "retry", retry, "bootSvr", bootSvr, "HttpPost err", err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		seeds, err = parseSeedsResp(respBytes, logger)
		if err != nil {
			logger.Warn("GetSeedsFromBootSvr", "bootSvr", bootSvr, "err", err)
			continue
		}
		logger.Debug("GetSeedsFromBootSvr", "bootSvr", bootSvr, "len(seeds)", len(seeds))
		return seeds, nil
	}
	return nil, err
}

// RapNodes flattens seed nodes into host:port endpoints, one per address.
// Nodes without an endpoint or a tcp port are skipped.
func RapNodes(seeds []Rnode, logger log.Logger) (endpoints []string) {
	logger.Debug("RapNodes", "len(seeds)", len(seeds))
	for i := 0; i < len(seeds); i++ {
		ep := seeds[i].Endpoint
		if ep == nil {
			continue
		}
		port, ok := ep.Port[TCP]
		if !ok || port <= 0 || port > 0xffff {
			continue
		}
		for _, ip := range ep.IP {
			if net.ParseIP(ip) == nil {
				continue
			}
			endpoints = append(endpoints, net.JoinHostPort(ip, strconv.Itoa(port)))
		}
	}
	return
}

func dedupEndpoints(in []string, logger log.Logger) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, ep := range in {
		if _, _, err := net.SplitHostPort(ep); err != nil {
			logger.Debug("Skipping bad seed", "endpoint", ep, "err", err)
			continue
		}
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
