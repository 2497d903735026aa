// Package quic carries jobmux frames over a single bidirectional QUIC stream
// per channel.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"jobmux/pkg/transport"
)

const alpn = "jobmux"

// Transport dials and listens on quic endpoints.
type Transport struct {
	quicConf *quicgo.Config
}

func New() *Transport {
	return &Transport{quicConf: &quicgo.Config{KeepAlivePeriod: 15 * time.Second}}
}

func (t *Transport) Dial(ctx context.Context, ep transport.Endpoint) (transport.Channel, error) {
	if ep.Kind != transport.KindQUIC {
		return nil, transport.ErrUnsupportedKind
	}
	// Workers present self-signed certificates; peers are trusted by discovery.
	tlsClient := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quicgo.DialAddr(ctx, ep.Address(), tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return transport.NewFramedChannel(&streamConn{st: st, conn: conn}, ep), nil
}

// Listen accepts quic channels on address using an ephemeral self-signed
// certificate.
func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	l, err := quicgo.ListenAddr(address, tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l, newCh: make(chan transport.Channel, 8), closeCh: make(chan struct{})}
	lctx, cancel := context.WithCancel(ctx)
	ql.cancel = cancel
	go ql.acceptLoop(lctx)
	go func() { <-lctx.Done(); _ = ql.Close() }()
	return ql, nil
}

type listener struct {
	l       *quicgo.Listener
	newCh   chan transport.Channel
	closeCh chan struct{}
	once    sync.Once
	cancel  context.CancelFunc
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, transport.ErrListenerClosed
	case ch := <-l.newCh:
		return ch, nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closeCh)
		l.cancel()
		err = l.l.Close()
	})
	return err
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			st, err := conn.AcceptStream(ctx)
			if err != nil {
				_ = conn.CloseWithError(0, "")
				return
			}
			raddr := conn.RemoteAddr().String()
			ep := transport.Endpoint{Host: raddr, Kind: transport.KindQUIC, URI: "quic://" + raddr}
			ch := transport.NewFramedChannel(&streamConn{st: st, conn: conn}, ep)
			select {
			case l.newCh <- ch:
			case <-l.closeCh:
				_ = ch.Close()
			}
		}()
	}
}

// streamConn closes the whole connection together with its only stream.
type streamConn struct {
	st   quicgo.Stream
	conn quicgo.Connection
}

func (s *streamConn) Read(p []byte) (int, error)  { return s.st.Read(p) }
func (s *streamConn) Write(p []byte) (int, error) { return s.st.Write(p) }

func (s *streamConn) Close() error {
	_ = s.st.Close()
	return s.conn.CloseWithError(0, "")
}

// selfSignedCert generates a short-lived self-signed TLS certificate.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
