package transport

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// newUTLSDialer returns an http.Transport-compatible DialTLSContext that
// performs the handshake through uTLS, impersonating the Chrome 120
// ClientHello fingerprint. Grounded on
// firasghr-GoSessionEngine/client/tls_dialer.go's UTLSDialer/UTLSDialerHTTP1,
// trimmed to the single HelloID this transport exercises (no http2 variant,
// since the baseline transport already covers the non-impersonating path).
func newUTLSDialer(helloID utls.ClientHelloID) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("transport: utls dialer parse addr %q: %w", addr, err)
		}

		var d net.Dialer
		rawConn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("transport: utls dialer dial %s: %w", addr, err)
		}

		uCfg := &utls.Config{ServerName: host}
		uConn := utls.UClient(rawConn, uCfg, helloID)

		spec := clientHelloSpecFor(helloID)
		if err := uConn.ApplyPreset(&spec); err != nil {
			_ = rawConn.Close()
			return nil, fmt.Errorf("transport: utls apply preset for %s: %w", helloID.Str(), err)
		}

		if err := uConn.HandshakeContext(ctx); err != nil {
			_ = uConn.Close()
			return nil, fmt.Errorf("transport: utls handshake with %s: %w", addr, err)
		}

		return uConn, nil
	}
}

// clientHelloSpecFor returns the full parrot spec (GREASE, cipher order,
// extension order) for the recognized Chrome HelloIDs, falling back to
// uTLS's own default spec for anything else.
func clientHelloSpecFor(helloID utls.ClientHelloID) utls.ClientHelloSpec {
	switch helloID {
	case utls.HelloChrome_120, utls.HelloChrome_120_PQ, utls.HelloChrome_131, utls.HelloChrome_Auto:
		if spec, err := utls.UTLSIdToSpec(helloID); err == nil {
			return spec
		}
	}
	return utls.ClientHelloSpec{}
}

// defaultHelloID is the fingerprint this proxy impersonates when
// use_impersonating is requested without pinning a specific browser version.
var defaultHelloID = utls.HelloChrome_120
