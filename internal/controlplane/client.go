// Package controlplane implements C6, the control-plane client described
// in spec.md §4.4/§6: a periodic heartbeat that reports capacity and
// receives origin/TLS material in return, plus the stop notification
// sent during graceful shutdown. Grounded on the shape of the original
// Python server_ping/server_ping_thread/server_stop, run the Go way: a
// ticking goroutine plus context.Context cancellation instead of a
// daemon thread polled against a boolean.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mdah-community/node/internal/clock"
	"github.com/mdah-community/node/internal/config"
	"github.com/mdah-community/node/internal/node"
	"github.com/mdah-community/node/internal/tlsmaterial"
)

// Period is the fixed heartbeat interval mandated by spec.md §4.4.
const Period = 45 * time.Second

// Client runs the heartbeat loop and issues the shutdown stop call.
type Client struct {
	HTTP   *http.Client
	Config *config.Store
	Node   *node.State
	TLS    tlsmaterial.Writer
	Clock  clock.Clock
}

// NewClient builds a Client with a plain http.Client; the control plane
// is a trusted first-party peer, unlike the upstream image origin, so no
// special transport tuning is required here.
func NewClient(cfg *config.Store, st *node.State, tls tlsmaterial.Writer, c clock.Clock) *Client {
	return &Client{
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Config: cfg,
		Node:   st,
		TLS:    tls,
		Clock:  c,
	}
}

// Beat performs exactly one heartbeat: re-read settings, POST /ping,
// apply the response to Node State and (if present) rotated TLS
// material. Spec.md §4.4 requires settings to be re-read "before issuing
// a heartbeat payload" so disk_space/network_speed/port reflect edits
// made since startup.
func (c *Client) Beat(ctx context.Context) error {
	if err := c.Config.Reload(); err != nil {
		slog.Warn("settings reload before heartbeat failed, using previous snapshot", "error", err)
	}
	settings := c.Config.Snapshot()
	info := c.Node.Snapshot()

	req := pingRequest{
		Secret:       settings.ClientSecret,
		Port:         settings.ClientPort,
		DiskSpace:    settings.ReportedDiskSpaceBytes,
		NetworkSpeed: settings.ReportedNetworkSpeedBytesPerSec,
		BuildVersion: settings.BuildVersion,
		TLSCreatedAt: info.TLSCreatedAt,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshalling ping request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.ControlURL+"/ping", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	httpReq.Header.Set("Connection", "Keep-Alive")
	httpReq.Header.Set("User-Agent", "Apache-HttpClient/4.5.12 (Java/11.0.7)")
	httpReq.Header.Set("Accept-Encoding", "gzip,deflate")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat rejected with status %d", resp.StatusCode)
	}

	var parsed pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decoding ping response: %w", err)
	}

	return c.applyResponse(&parsed)
}

func (c *Client) applyResponse(resp *pingResponse) error {
	tlsCreatedAt := c.Node.Snapshot().TLSCreatedAt

	if resp.TLS != nil {
		material := &tlsmaterial.Material{
			CreatedAt:   resp.TLS.CreatedAt,
			Certificate: []byte(resp.TLS.Certificate),
			PrivateKey:  []byte(resp.TLS.PrivateKey),
		}
		if err := c.TLS.Write(material); err != nil {
			return fmt.Errorf("writing tls material: %w", err)
		}
		tlsCreatedAt = resp.TLS.CreatedAt
		slog.Info("tls material rotated", "created_at", tlsCreatedAt)
	}

	c.Node.ApplyOrigin(resp.ImageServer, tlsCreatedAt)
	slog.Info("heartbeat applied", "image_server", resp.ImageServer)
	return nil
}

// Run performs the synchronous first heartbeat (spec.md §4.5 startup
// sequencing requires this to complete before the listener accepts
// traffic), then loops on Period until ctx is cancelled or the node
// stops running. Runs on its own goroutine so accept-path latency never
// couples to control-plane latency (spec.md §5).
func (c *Client) Run(ctx context.Context) error {
	if err := c.Beat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	go c.loop(ctx)
	return nil
}

func (c *Client) loop(ctx context.Context) {
	ticker := time.NewTicker(Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Node.Running() {
				return
			}
			if err := c.Beat(ctx); err != nil {
				slog.Error("heartbeat failed, preserving previous settings", "error", err)
			}
		}
	}
}

// Stop posts {control_url}/stop with the client secret (spec.md §4.5
// step 2). Best-effort: a failure here only gets logged by the caller,
// shutdown proceeds regardless.
func (c *Client) Stop(ctx context.Context) error {
	settings := c.Config.Snapshot()

	body, err := json.Marshal(stopRequest{Secret: settings.ClientSecret})
	if err != nil {
		return fmt.Errorf("marshalling stop request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.ControlURL+"/stop", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building stop request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting stop: %w", err)
	}
	defer resp.Body.Close()
	return nil
}
