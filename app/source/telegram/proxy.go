package telegram

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"

	"github.com/lysyi3m/tg-comb/app/source"
)

func init() {
	proxy.RegisterDialerType("http", newHTTPConnectDialer)
}

// dialFunc returns the dialer MTProto connections go through, or nil for a
// direct connection.
func dialFunc(p *source.ProxyConfig) (dcs.DialFunc, error) {
	if p == nil {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	u := &url.URL{
		Scheme: p.Type,
		Host:   net.JoinHostPort(p.Address, strconv.Itoa(p.Port)),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}

	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s proxy dialer: %w", p.Type, err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}, nil
}

// httpConnectDialer tunnels TCP connections through an HTTP proxy using the
// CONNECT method.
type httpConnectDialer struct {
	addr    string
	user    *url.Userinfo
	forward proxy.Dialer
}

func newHTTPConnectDialer(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	return &httpConnectDialer{addr: u.Host, user: u.User, forward: forward}, nil
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

func (d *httpConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var conn net.Conn
	var err error
	if cd, ok := d.forward.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, network, d.addr)
	} else {
		conn, err = d.forward.Dial(network, d.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reach proxy %s: %w", d.addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != nil {
		password, _ := d.user.Password()
		credentials := base64.StdEncoding.EncodeToString([]byte(d.user.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy refused CONNECT to %s: %s", addr, resp.Status)
	}

	return conn, nil
}
