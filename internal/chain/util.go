package chain

import (
	"net/url"
	"strconv"
	"strings"
)

// DefaultWSEndpoint derives the pubsub endpoint for an RPC URL: same host
// with a ws scheme, and port+1 when an explicit port is set (the validator
// convention, 8899 -> 8900).
func DefaultWSEndpoint(rpcURL string) string {
	if strings.HasPrefix(rpcURL, "ws://") || strings.HasPrefix(rpcURL, "wss://") {
		return rpcURL
	}
	u, err := url.Parse(strings.TrimRight(rpcURL, "/"))
	if err != nil || u.Host == "" {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return ""
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			u.Host = u.Hostname() + ":" + strconv.Itoa(n+1)
		}
	}
	return u.String()
}

func DefaultWSEndpoints(rpcURLs []string) []string {
	out := make([]string, 0, len(rpcURLs))
	for _, u := range rpcURLs {
		if ws := DefaultWSEndpoint(u); ws != "" {
			out = append(out, ws)
		}
	}
	return out
}
