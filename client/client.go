// Package client talks to a node or coordinator over its HTTP API.
package client

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client connects to a node via HTTP.
type Client struct {
	baseURL string       // baseURL is the API root (e.g. "http://127.0.0.1:8081")
	http    *http.Client // http carries every request
}

// Block is a committed block as served by GET /blocks/{n}.
type Block struct {
	Number      uint64       `json:"number"`
	RoundID     string       `json:"round_id"`
	Root        string       `json:"root"`
	PrevRoot    string       `json:"prev_root"`
	Signature   string       `json:"signature"`
	Envelopes   []string     `json:"envelopes"`
	BufferRoots []BufferRoot `json:"buffer_roots"`
	Signers     int          `json:"certificate_signers"`
}

// BufferRoot is one node's signed buffer root within a block.
type BufferRoot struct {
	NodeID string `json:"node_id"`
	Root   string `json:"root"`
}

// Report is an opened report as served by GET /reports/{hash}.
type Report struct {
	ReportID  string            `json:"report_id"`
	CreatedAt string            `json:"creation_timestamp"`
	Pseudonym string            `json:"pseudonym"`
	Content   map[string]string `json:"content"`
	Version   int               `json:"version"`
	Status    string            `json:"status"`
}

// NewClient creates a client for the API at addr ("host:port" or a full
// URL) and checks that it answers /health.
func NewClient(addr string) (*Client, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	c := &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	if err := c.Health(); err != nil {
		return nil, fmt.Errorf("health check:\n%w", err)
	}

	return c, nil
}

// Health returns nil when the server reports ok.
func (c *Client) Health() error {
	var resp struct {
		Status string `json:"status"`
	}

	if err := c.do(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}

	if resp.Status != "ok" {
		return fmt.Errorf("unhealthy: %q", resp.Status)
	}

	return nil
}

// Status returns the raw /status document.
func (c *Client) Status() (map[string]any, error) {
	var resp map[string]any

	if err := c.do(http.MethodGet, "/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return resp, nil
}

// CreateReport authors a report on the node and returns its envelope hash.
func (c *Client) CreateReport(content map[string]string) (string, error) {
	body := map[string]any{"content": content}

	var resp struct {
		Hash string `json:"hash"`
	}

	if err := c.do(http.MethodPost, "/reports", body, &resp); err != nil {
		return "", fmt.Errorf("create report:\n%w", err)
	}

	if _, err := hex.DecodeString(resp.Hash); err != nil || len(resp.Hash) != 64 {
		return "", fmt.Errorf("invalid envelope hash: %q", resp.Hash)
	}

	return resp.Hash, nil
}

// Report opens the report stored under hash.
func (c *Client) Report(hash string) (*Report, error) {
	var r Report

	if err := c.do(http.MethodGet, "/reports/"+hash, nil, &r); err != nil {
		return nil, fmt.Errorf("get report:\n%w", err)
	}

	return &r, nil
}

// Block fetches block n.
func (c *Client) Block(n uint64) (*Block, error) {
	var b Block

	if err := c.do(http.MethodGet, fmt.Sprintf("/blocks/%d", n), nil, &b); err != nil {
		return nil, fmt.Errorf("get block:\n%w", err)
	}

	return &b, nil
}

// TriggerSync asks the node to start or join a sync round.
func (c *Client) TriggerSync() error {
	if err := c.do(http.MethodPost, "/sync", nil, nil); err != nil {
		return fmt.Errorf("trigger sync:\n%w", err)
	}

	return nil
}

// WaitForBlock polls until block n exists or timeout elapses.
func (c *Client) WaitForBlock(n uint64, timeout time.Duration) (*Block, error) {
	deadline := time.Now().Add(timeout)

	for {
		b, err := c.Block(n)
		if err == nil {
			return b, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("block %d not available after %s:\n%w", n, timeout, err)
		}

		time.Sleep(100 * time.Millisecond)
	}
}
