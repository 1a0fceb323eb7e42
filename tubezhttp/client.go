package tubezhttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/jeffmo/tubez"
	"github.com/jeffmo/tubez/tubezutil"
)

// ClientOpts configures Client.
type ClientOpts struct {
	// Addr is the base URL of the server, e.g. "https://example.com".
	Addr string
	// ChannelPath matches the server's ServerOpts.ChannelPath. Defaults
	// to "/tubez".
	ChannelPath string
	TLSConfig   *tls.Config

	Logger tubez.Logger
	Debug  bool

	// RedialBackoffBase/Max set the base and the pre-jitter cap of the
	// jittered backoff Dial's caller may use between reconnect attempts;
	// Client itself does not loop reconnects, it exposes the schedule via
	// NextBackoff.
	RedialBackoffBase time.Duration
	RedialBackoffMax  time.Duration
}

// Client dials one channel at a time against a tubezhttp Server.
type Client struct {
	opts ClientOpts
	http *http.Client
}

// NewClient constructs a Client using an http2-only transport.
func NewClient(opts ClientOpts) *Client {
	if opts.ChannelPath == "" {
		opts.ChannelPath = "/tubez"
	}
	if opts.RedialBackoffBase == 0 {
		opts.RedialBackoffBase = 100 * time.Millisecond
	}
	if opts.RedialBackoffMax == 0 {
		opts.RedialBackoffMax = 30 * time.Second
	}

	transport := &http2.Transport{
		TLSClientConfig: opts.TLSConfig,
	}

	return &Client{
		opts: opts,
		http: &http.Client{Transport: transport},
	}
}

// NextBackoff returns the jittered delay a caller should wait before
// attempt number attempt (0-based) at redialing after a dropped channel.
func (c *Client) NextBackoff(attempt int) time.Duration {
	return tubezutil.JitteredBackoff(c.opts.RedialBackoffBase, attempt, c.opts.RedialBackoffMax)
}

// Dial opens one channel: a single long-lived POST whose request body is
// the client->server byte stream and whose response body is the
// server->client byte stream.
func (c *Client) Dial(ctx context.Context) (*tubez.Channel, error) {
	pr, pw := io.Pipe()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.Addr+c.opts.ChannelPath, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.tubez")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("tubez: server rejected channel with status %d", resp.StatusCode)
	}

	sender := &pipeSender{w: pw}
	receiver := &bodyReceiver{r: resp.Body}

	opts := tubez.ChannelOpts{Logger: c.opts.Logger, Debug: c.opts.Debug}
	return tubez.NewChannel(tubez.RoleClient, sender, receiver, opts), nil
}

type pipeSender struct {
	w *io.PipeWriter
}

func (s *pipeSender) Write(ctx context.Context, p []byte) error {
	_, err := s.w.Write(p)
	return err
}
