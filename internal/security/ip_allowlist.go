package security

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

func ParseCIDRAllowlist(cidrs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, cidr := range cidrs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if ip := net.ParseIP(cidr); ip != nil && ip.To4() != nil {
				cidr += "/32"
			} else {
				cidr += "/128"
			}
		}
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ClientIP returns the remote peer address without the port.
func ClientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

// IPAllowlist rejects callers outside allow. An empty list admits everyone.
func IPAllowlist(allow []*net.IPNet, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(allow) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if ip != nil {
				for _, n := range allow {
					if n.Contains(ip) {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			if logger != nil {
				logger.Warn("request from address outside allowlist",
					"remote_addr", r.RemoteAddr, "cid", CorrelationIDFromContext(r.Context()))
			}
			WriteJSONError(w, r, http.StatusForbidden, "forbidden", "")
		})
	}
}
