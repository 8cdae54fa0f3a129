package health

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

const defaultProbeTimeout = 3 * time.Second

// Prober checks whether one device answers.
type Prober interface {
	// Probe returns the round-trip time, or an error when the device is
	// unreachable.
	Probe(ctx context.Context, ip string) (time.Duration, error)
}

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPProber counts a device as up when a TCP connect to Port succeeds.
type TCPProber struct {
	Port    int
	Timeout time.Duration
	Dialer  ContextDialer
}

// Probe dials ip:Port and closes the socket straight away.
func (p TCPProber) Probe(ctx context.Context, ip string) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(ip, strconv.Itoa(p.Port)))
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	conn.Close()
	return rtt, nil
}

// HTTPProber counts a device as up when GET Path answers below 500.
type HTTPProber struct {
	Port    int
	Path    string
	Timeout time.Duration
	Client  *http.Client
}

// Probe issues a GET and drains the body.
func (p HTTPProber) Probe(ctx context.Context, ip string) (time.Duration, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	path := p.Path
	if path == "" {
		path = "/"
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := "http://" + net.JoinHostPort(ip, strconv.Itoa(p.Port)) + path
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	//nolint:errcheck // Body drained for connection reuse
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	rtt := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		return rtt, fmt.Errorf("%w: %s", ErrUnhealthyResponse, resp.Status)
	}
	return rtt, nil
}
