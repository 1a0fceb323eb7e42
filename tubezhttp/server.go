// Package tubezhttp is the HTTP/2 carrier for tubez: a Server that
// accepts one long-lived POST per Channel and a Client that dials one.
// This package is a thin adapter over golang.org/x/net/http2 and
// net/http; the protocol core lives in the parent tubez package.
package tubezhttp

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/jeffmo/tubez"
)

// ServerOpts configures Server.
type ServerOpts struct {
	// Addr is the listen address, e.g. ":8443".
	Addr string
	// TLSConfig is used as-is when set. If nil and AutocertManager is also
	// nil, the server serves plaintext h2c.
	TLSConfig *tls.Config
	// AutocertManager, when set, obtains and renews the serving
	// certificate automatically; TLSConfig.GetCertificate is wired to it.
	AutocertManager *autocert.Manager

	Logger tubez.Logger
	Debug  bool

	// ChannelPath is the HTTP path a POST must target to open a channel.
	// Defaults to "/tubez".
	ChannelPath string

	// Handler is invoked once per accepted channel, on its own goroutine.
	// The handler owns the channel's lifetime: it should call Close when
	// done (or rely on the peer ending the underlying request).
	Handler func(*tubez.Channel)
}

// Server accepts carrier connections and hands each one to Handler as a
// tubez.Channel.
type Server struct {
	opts ServerOpts
	http *http.Server
}

// NewServer constructs a Server. Call ListenAndServe to start accepting.
func NewServer(opts ServerOpts) *Server {
	if opts.ChannelPath == "" {
		opts.ChannelPath = "/tubez"
	}

	s := &Server{opts: opts}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.ChannelPath, s.serveChannel)

	tlsConfig := opts.TLSConfig
	if opts.AutocertManager != nil {
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		tlsConfig.GetCertificate = opts.AutocertManager.GetCertificate
	}

	h2s := &http2.Server{}
	var handler http.Handler = mux
	if tlsConfig == nil {
		// Without TLS there is no ALPN to negotiate h2; accept HTTP/2
		// with prior knowledge over plaintext instead.
		handler = h2c.NewHandler(mux, h2s)
	}

	httpServer := &http.Server{
		Addr:      opts.Addr,
		Handler:   handler,
		TLSConfig: tlsConfig,
	}
	_ = http2.ConfigureServer(httpServer, h2s)
	s.http = httpServer

	return s
}

// ListenAndServe serves TLS when TLSConfig or AutocertManager is set,
// plaintext h2c otherwise.
func (s *Server) ListenAndServe() error {
	if s.opts.AutocertManager != nil {
		return s.http.ListenAndServeTLS("", "")
	}
	if s.opts.TLSConfig != nil {
		return s.http.ListenAndServeTLS("", "")
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops accepting new channels.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "tubez: channel requires POST", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "tubez: streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.tubez")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sender := &responseSender{w: w, flusher: flusher}
	receiver := &bodyReceiver{r: r.Body}

	opts := s.opts.ChannelLogOpts()
	channel := tubez.NewChannel(tubez.RoleServer, sender, receiver, opts)

	if s.opts.Handler != nil {
		s.opts.Handler(channel)
	}

	<-channel.Done()
}

// ChannelLogOpts builds the tubez.ChannelOpts this server's Logger/Debug
// settings imply.
func (o ServerOpts) ChannelLogOpts() tubez.ChannelOpts {
	return tubez.ChannelOpts{Logger: o.Logger, Debug: o.Debug}
}

type responseSender struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *responseSender) Write(ctx context.Context, p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type bodyReceiver struct {
	r io.ReadCloser
}

func (b *bodyReceiver) Next(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 32*1024)
	n, err := b.r.Read(buf)
	if n > 0 {
		return buf[:n], err
	}
	return nil, err
}

// ServeAutocertHTTPChallenge runs the plaintext :80 listener autocert's
// ACME HTTP-01 challenge needs alongside the TLS channel server; it
// returns once ctx is done, after shutting the listener down.
func ServeAutocertHTTPChallenge(ctx context.Context, m *autocert.Manager, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: m.HTTPHandler(nil),
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
