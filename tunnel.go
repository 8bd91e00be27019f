package gatehouse

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// tunnel handles a protocol-upgrade request: the cache is never
// consulted, the pipeline's buffering is skipped, and bytes are spliced
// bidirectionally between client and origin until either side closes.
// Upgrades require HTTP/1.1 on the client side; h2 streams cannot be
// hijacked.
func (g *Gatehouse) tunnel(w http.ResponseWriter, r *http.Request) {
	tunnelID := uuid.New().String()
	logger := log.With().Str("tunnel_id", tunnelID).Str("uri", r.URL.RequestURI()).Logger()

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Warn().Str("proto", r.Proto).Msg("Upgrade requested on non-hijackable connection")
		http.Error(w, "upgrade requires HTTP/1.1", http.StatusHTTPVersionNotSupported)
		return
	}

	originConn, err := g.dialUpstream()
	if err != nil {
		g.metrics.IncOriginErrors()
		logger.Error().Err(err).Msg("Could not connect to origin for upgrade")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	defer originConn.Close()

	// replay the upgrade request verbatim, plus the proxy headers;
	// hop-by-hop fields stay because Upgrade/Connection carry the handshake
	outreq := r.Clone(r.Context())
	setForwardHeaders(outreq, r, g.externalPort)
	if g.upstreamHost != "" {
		outreq.Host = g.upstreamHost
	}
	if err := outreq.Write(originConn); err != nil {
		g.metrics.IncOriginErrors()
		logger.Error().Err(err).Msg("Could not forward upgrade request")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}

	clientConn, brw, err := hj.Hijack()
	if err != nil {
		logger.Error().Err(err).Msg("Could not hijack client connection")
		return
	}
	defer clientConn.Close()
	brw.Writer.Flush()

	logger.Debug().Msg("Tunnel established")
	start := time.Now()

	// two copy tasks joined on first completion or error
	errc := make(chan error, 2)
	go func() {
		errc <- spliceCopy(clientConn, originConn, originConn, g.upgradeIdleTimeout)
	}()
	go func() {
		// brw may hold bytes the client pipelined behind the handshake
		errc <- spliceCopy(originConn, brw.Reader, clientConn, g.upgradeIdleTimeout)
	}()
	err = <-errc

	evt := logger.Debug().Dur("duration", time.Since(start))
	if err != nil && err != io.EOF {
		evt = evt.AnErr("cause", err)
	}
	evt.Msg("Tunnel closed")
}

// dialUpstream opens a raw connection to the upstream, wrapping it in TLS
// when the upstream scheme requires it.
func (g *Gatehouse) dialUpstream() (net.Conn, error) {
	host := g.upstream.Hostname()
	port := g.upstream.Port()
	dialer := &net.Dialer{Timeout: g.connectTimeout}

	if g.upstream.Scheme == "https" {
		if port == "" {
			port = "443"
		}
		serverName := host
		if g.upstreamHost != "" {
			serverName = g.upstreamHost
		}
		return tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port),
			&tls.Config{ServerName: serverName})
	}
	if port == "" {
		port = "80"
	}
	return dialer.Dial("tcp", net.JoinHostPort(host, port))
}

// spliceCopy copies src into dst, pushing the read deadline on deadlineConn
// forward before each read so an active tunnel stays open and an idle one
// times out.
func spliceCopy(dst io.Writer, src io.Reader, deadlineConn net.Conn, idle time.Duration) error {
	buf := make([]byte, 32*1024)
	for {
		deadlineConn.SetReadDeadline(time.Now().Add(idle))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}
