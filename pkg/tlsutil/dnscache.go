package tlsutil

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog/log"
)

const defaultDNSCacheTTL = 5 * time.Minute

// CachingDialer dials through a DNS cache that is refreshed on a fixed interval.
type CachingDialer struct {
	resolver *dnscache.Resolver
	dialer   *net.Dialer

	stopOnce sync.Once
	stop     chan struct{}
}

// NewCachingDialer starts a DNS cache refreshed every ttl. Call Close to stop
// the refresh goroutine.
func NewCachingDialer(ttl time.Duration) *CachingDialer {
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}

	d := &CachingDialer{
		resolver: &dnscache.Resolver{},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
		stop: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.resolver.Refresh(true)
				log.Debug().Dur("ttl", ttl).Msg("DNS cache refreshed")
			case <-d.stop:
				return
			}
		}
	}()

	return d
}

// DialContext resolves address through the cache and dials the first address
// that accepts a connection.
func (d *CachingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	if ip := net.ParseIP(host); ip != nil {
		return d.dialer.DialContext(ctx, network, address)
	}

	ips, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Close stops the refresh goroutine.
func (d *CachingDialer) Close() {
	d.stopOnce.Do(func() { close(d.stop) })
}
