package turnstile

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
)

// Device types reported in DeviceInfo.DeviceType.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"
)

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

var tabletMarkers = []string{"ipad", "tablet", "playbook", "silk", "kindle"}

// ExtractDeviceInfo describes the device behind an HTTP request. With
// trustProxyHeaders the client IP is taken from the first valid proxy
// header, otherwise from the connection's remote address.
func ExtractDeviceInfo(r *http.Request, trustProxyHeaders bool) DeviceInfo {
	raw := r.UserAgent()
	ua := useragent.New(raw)

	return DeviceInfo{
		IP:         clientIP(r, trustProxyHeaders),
		UserAgent:  raw,
		Browser:    joinVersion(ua.Browser()),
		OS:         joinVersion(ua.OSInfo().Name, ua.OSInfo().Version),
		DeviceType: deviceType(ua, raw),
	}
}

func joinVersion(name, version string) string {
	if version == "" {
		return name
	}
	return name + " " + version
}

func deviceType(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		return DeviceBot
	case containsAny(lower, tabletMarkers):
		return DeviceTablet
	case ua.Mobile():
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, header := range proxyHeaders {
			value := r.Header.Get(header)
			if value == "" {
				continue
			}
			// X-Forwarded-For is "client, proxy1, proxy2".
			first, _, _ := strings.Cut(value, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

// IsPrivateIP reports whether ip is loopback, link-local or in a private
// range. Such addresses have no useful geolocation.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
