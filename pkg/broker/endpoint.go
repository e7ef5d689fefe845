package broker

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/core"
)

// DefaultPort is the broker's standard port.
const DefaultPort = 11300

// Endpoint is a parsed broker address.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint accepts "beanstalk://host[:port]" or a bare "host[:port]".
// Any other scheme is rejected with core.ErrBadEndpoint.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty url", core.ErrBadEndpoint)
	}

	hostport := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", core.ErrBadEndpoint, raw, err)
		}
		if u.Scheme != "beanstalk" {
			return Endpoint{}, fmt.Errorf("%w: %q: scheme must be beanstalk", core.ErrBadEndpoint, raw)
		}
		if u.Path != "" && u.Path != "/" {
			return Endpoint{}, fmt.Errorf("%w: %q: unexpected path", core.ErrBadEndpoint, raw)
		}
		hostport = u.Host
	}

	host, portStr := hostport, ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, portStr = h, p
	} else if strings.Count(hostport, ":") == 1 {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", core.ErrBadEndpoint, raw, err)
	}
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q: missing host", core.ErrBadEndpoint, raw)
	}

	port := DefaultPort
	if portStr != "" {
		n, err := strconv.Atoi(portStr)
		if err != nil || n <= 0 || n > 65535 {
			return Endpoint{}, fmt.Errorf("%w: %q: invalid port", core.ErrBadEndpoint, raw)
		}
		port = n
	}
	return Endpoint{Host: host, Port: port}, nil
}

// ParseEndpoints parses every url, splitting comma separated entries.
func ParseEndpoints(raws ...string) ([]Endpoint, error) {
	var out []Endpoint
	for _, entry := range raws {
		for _, raw := range strings.Split(entry, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			ep, err := ParseEndpoint(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no urls given", core.ErrBadEndpoint)
	}
	return out, nil
}

// Addr returns host:port for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return "beanstalk://" + e.Addr()
}
