package worker

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/darenliang/loadswarm-go/lib/loadgen"
)

const identitySuffixLength = 8

// WebSocketURL turns a dispatcher address into the URL of its /ws endpoint.
// http maps to ws, https to wss and localhost to 127.0.0.1.
func WebSocketURL(address string) (string, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("parse dispatcher address: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported dispatcher scheme %q", u.Scheme)
	}

	if u.Hostname() == "localhost" {
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort("127.0.0.1", port)
		} else {
			u.Host = "127.0.0.1"
		}
	}

	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}

// SelfIdentity returns "<local ip>-<8 random alphanumerics>".
func SelfIdentity() string {
	return fmt.Sprintf("%s-%s", localIP(), loadgen.RandomString(identitySuffixLength))
}

func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return "127.0.0.1"
}
