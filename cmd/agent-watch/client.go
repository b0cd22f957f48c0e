package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/asheshgoplani/agent-watch/internal/archive"
	"github.com/asheshgoplani/agent-watch/internal/config"
	"github.com/asheshgoplani/agent-watch/internal/tracker"
)

// apiClient talks to a running `agent-watch serve`.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

func newAPIClient(addr, token string) *apiClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}
}

// clientFor resolves the server address: --addr, then the live server
// registered in the archive, then the configured listen address.
func clientFor(g *globalFlags) *apiClient {
	cfg, _ := config.Load()
	token := cfg.Web.Token
	if g.token != "" {
		token = g.token
	}
	return newAPIClient(resolveAddr(g.addr, cfg), token)
}

func resolveAddr(flagAddr string, cfg *config.Config) string {
	if flagAddr != "" {
		return flagAddr
	}
	if cfg.Archive.IsEnabled() {
		if path, err := cfg.Archive.DBPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				if addr, ok := registeredServer(path); ok {
					return addr
				}
			}
		}
	}
	return cfg.Web.Addr()
}

func registeredServer(path string) (string, bool) {
	arch, err := archive.Open(path)
	if err != nil {
		return "", false
	}
	defer arch.Close()
	if err := arch.Migrate(); err != nil {
		return "", false
	}
	addr, ok, err := arch.LiveServer(serverStaleAfter)
	if err != nil {
		return "", false
	}
	return addr, ok
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent-watch server not reachable at %s (is 'agent-watch serve' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &apiError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) sessions(ctx context.Context) ([]tracker.Session, error) {
	var out struct {
		Sessions []tracker.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *apiClient) archived(ctx context.Context, limit int) ([]archive.Entry, error) {
	var out struct {
		Sessions []archive.Entry `json:"sessions"`
	}
	path := fmt.Sprintf("/api/archive?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// action posts to /api/sessions/{id}/{action} and reports the server's ok.
func (c *apiClient) action(ctx context.Context, id, action string, body any) (bool, error) {
	var out struct {
		OK bool `json:"ok"`
	}
	if body == nil {
		body = struct{}{}
	}
	if err := c.do(ctx, http.MethodPost, "/api/sessions/"+id+"/"+action, body, &out); err != nil {
		return false, err
	}
	return out.OK, nil
}
