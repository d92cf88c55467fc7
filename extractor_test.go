package turnstile

import (
	"net/http/httptest"
	"strings"
	"testing"
)

const (
	uaChromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	uaIPhone        = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	uaIPad          = "Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	uaGooglebot     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func TestExtractDeviceType(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		want string
	}{
		{"desktop chrome", uaChromeWindows, DeviceDesktop},
		{"iphone", uaIPhone, DeviceMobile},
		{"ipad", uaIPad, DeviceTablet},
		{"crawler", uaGooglebot, DeviceBot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/api/sessions/create", nil)
			r.Header.Set("User-Agent", tt.ua)

			got := ExtractDeviceInfo(r, false)
			if got.DeviceType != tt.want {
				t.Errorf("DeviceType = %q, want %q", got.DeviceType, tt.want)
			}
			if got.UserAgent != tt.ua {
				t.Errorf("UserAgent not preserved: %q", got.UserAgent)
			}
		})
	}
}

func TestExtractBrowserAndOS(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("User-Agent", uaChromeWindows)

	got := ExtractDeviceInfo(r, false)
	if !strings.HasPrefix(got.Browser, "Chrome") {
		t.Errorf("Browser = %q, want Chrome", got.Browser)
	}
	if !strings.HasPrefix(got.OS, "Windows") {
		t.Errorf("OS = %q, want Windows", got.OS)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trust      bool
		want       string
	}{
		{"remote addr", "198.51.100.4:52100", nil, false, "198.51.100.4"},
		{"remote addr without port", "198.51.100.4", nil, false, "198.51.100.4"},
		{"proxy headers ignored by default", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "203.0.113.9"}, false, "10.0.0.2"},
		{"first forwarded hop", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, true, "203.0.113.9"},
		{"garbage forwarded for falls through", "10.0.0.2:80", map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "203.0.113.10"}, true, "203.0.113.10"},
		{"cloudflare", "10.0.0.2:80", map[string]string{"CF-Connecting-IP": "2001:db8::1"}, true, "2001:db8::1"},
		{"ipv4 mapped", "10.0.0.2:80", map[string]string{"X-Real-IP": "::ffff:203.0.113.11"}, true, "203.0.113.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r, tt.trust); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"172.16.5.4", true},
		{"192.168.1.1", true},
		{"169.254.0.1", true},
		{"fc00::1", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		if got := IsPrivateIP(tt.ip); got != tt.want {
			t.Errorf("IsPrivateIP(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}
