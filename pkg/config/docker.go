package config

import (
	"net"
	"net/url"
	"os"
	"sync"
)

const dockerHostGateway = "host.docker.internal"

var inDocker = sync.OnceValue(func() bool {
	_, err := os.Stat("/.dockerenv")
	return err == nil
})

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	return inDocker()
}

// ResolveHostForDocker maps loopback hosts to host.docker.internal when running
// inside a container, so Postgres, Redis and a local Azurite on the host stay
// reachable.
func ResolveHostForDocker(host string) string {
	return resolveLoopback(host, IsRunningInDocker())
}

// ResolveURLForDocker applies ResolveHostForDocker to the host of rawURL and
// keeps the port. Unparseable input is returned unchanged.
func ResolveURLForDocker(rawURL string) string {
	return resolveURLLoopback(rawURL, IsRunningInDocker())
}

func resolveLoopback(host string, docker bool) string {
	if !docker {
		return host
	}
	if host == "localhost" {
		return dockerHostGateway
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return dockerHostGateway
	}
	return host
}

func resolveURLLoopback(rawURL string, docker bool) string {
	if !docker || rawURL == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	host := resolveLoopback(u.Hostname(), true)
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	return u.String()
}
