package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/wonton/cli"
	"github.com/useai-dev/useaid/config"
	"github.com/useai-dev/useaid/daemon"
)

// daemonClient is a minimal REST client for a running daemon.
type daemonClient struct {
	base string
	http *http.Client
}

// dialDaemon locates the daemon for the resolved root: the pid file's
// port when one exists, the configured port otherwise.
func dialDaemon(ctx *cli.Context) (*daemonClient, error) {
	root, err := resolveRoot(ctx)
	if err != nil {
		return nil, err
	}
	addr, ok := daemon.RunningAddr(root)
	if !ok {
		cfg, err := config.Load(root)
		if err != nil {
			return nil, err
		}
		addr = fmt.Sprintf("127.0.0.1:%d", cfg.EffectivePort())
	}
	return &daemonClient{
		base: "http://" + addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *daemonClient) getJSON(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return cli.Errorf("daemon is not reachable at %s (is it running?)", c.base)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *daemonClient) postJSON(path string, out any) error {
	resp, err := c.http.Post(c.base+path, "application/json", nil)
	if err != nil {
		return cli.Errorf("daemon is not reachable at %s (is it running?)", c.base)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var remote struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &remote) == nil && remote.Error != "" {
			return cli.Errorf("%s", remote.Error)
		}
		return cli.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
