// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package platform_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/authflow/internal/platform"
)

const (
	desktopChrome  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	desktopFirefox = "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0"
	desktopSafari  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"
	iosSafari      = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	iosChrome      = "Mozilla/5.0 (iPhone; CPU iPhone OS 16_4_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/126.0.6478.54 Mobile/15E148 Safari/604.1"
	iosWebView     = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148"
	iosFacebook    = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148 [FBAN/FBIOS;FBAV/466.0.0.37.108;FBBV/600000000]"
	ipadDesktop    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	androidChrome  = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36"
	androidWebView = "Mozilla/5.0 (Linux; Android 13; SM-G991B; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/116.0.0.0 Mobile Safari/537.36"
	androidInsta   = "Mozilla/5.0 (Linux; Android 14; Pixel 8 Build/AP1A; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/126.0.0.0 Mobile Safari/537.36 Instagram 334.0.0.42.95 Android"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		ua   string
		mode string
		want platform.Info
	}{
		{"desktop chrome", desktopChrome, "", platform.Info{}},
		{"desktop safari", desktopSafari, "", platform.Info{Safari: true}},
		{"android chrome", androidChrome, "", platform.Info{Android: true}},
		{"android webview", androidWebView, "", platform.Info{Android: true, WebView: true}},
		{"android instagram", androidInsta, "", platform.Info{Android: true, WebView: true, InAppBrowser: true}},
		{"installed pwa", desktopChrome, "standalone", platform.Info{Standalone: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, platform.Detect(tt.ua, tt.mode))
		})
	}
}

func TestDetectIOS(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		webview bool
		safari  bool
		version string
	}{
		{"safari", iosSafari, false, true, "17.4.0"},
		{"chrome", iosChrome, false, false, "16.4.1"},
		{"webview", iosWebView, true, false, "17.4.0"},
		{"ipad desktop mode", ipadDesktop, false, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := platform.Detect(tt.ua, "")
			assert.True(t, info.IOS)
			assert.Equal(t, tt.webview, info.WebView)
			assert.Equal(t, tt.safari, info.Safari)
			if tt.version == "" {
				assert.Nil(t, info.IOSVersion)
				return
			}
			require.NotNil(t, info.IOSVersion)
			assert.Equal(t, tt.version, info.IOSVersion.String())
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		env      platform.Environment
		method   platform.Method
		fallback bool
		reason   string
	}{
		{"desktop chrome", platform.Environment{UserAgent: desktopChrome, Origin: "https://app.example.com"}, platform.MethodRedirect, false, "default"},
		{"desktop firefox", platform.Environment{UserAgent: desktopFirefox}, platform.MethodRedirect, false, "default"},
		{"android chrome", platform.Environment{UserAgent: androidChrome}, platform.MethodRedirect, false, "default"},
		{"desktop safari", platform.Environment{UserAgent: desktopSafari}, platform.MethodPopup, false, "ios_or_safari"},
		{"ios safari", platform.Environment{UserAgent: iosSafari}, platform.MethodPopup, false, "ios_or_safari"},
		{"ios chrome", platform.Environment{UserAgent: iosChrome}, platform.MethodPopup, false, "ios_or_safari"},
		{"ios safari on localhost", platform.Environment{UserAgent: iosSafari, Origin: "http://localhost:5173"}, platform.MethodPopup, false, "ios_or_safari"},
		{"android webview", platform.Environment{UserAgent: androidWebView}, platform.MethodRedirect, false, "embedded_or_standalone"},
		{"standalone pwa", platform.Environment{UserAgent: androidChrome, DisplayMode: "standalone"}, platform.MethodRedirect, false, "embedded_or_standalone"},
		{"webview on localhost", platform.Environment{UserAgent: androidWebView, Origin: "http://localhost:3000"}, platform.MethodRedirect, false, "embedded_or_standalone"},
		{"local chrome", platform.Environment{UserAgent: desktopChrome, Origin: "http://localhost:5173"}, platform.MethodPopup, true, "local_origin"},
		{"loopback ip", platform.Environment{UserAgent: desktopChrome, Origin: "http://127.0.0.1:8080"}, platform.MethodPopup, true, "local_origin"},
		{"ios facebook", platform.Environment{UserAgent: iosFacebook}, platform.MethodBlocked, false, "in_app_browser"},
		{"android instagram", platform.Environment{UserAgent: androidInsta}, platform.MethodBlocked, false, "in_app_browser"},
		{"ios webview", platform.Environment{UserAgent: iosWebView}, platform.MethodBlocked, false, "ios_webview"},
		{"ios installed pwa", platform.Environment{UserAgent: iosSafari, DisplayMode: "standalone"}, platform.MethodBlocked, false, "ios_standalone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := platform.Decide(tt.env)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.fallback, got.AllowFallback)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestShouldUseRedirect(t *testing.T) {
	assert.True(t, platform.ShouldUseRedirect(desktopChrome, ""))
	assert.True(t, platform.ShouldUseRedirect(androidWebView, ""))
	assert.False(t, platform.ShouldUseRedirect(iosSafari, ""))
	assert.False(t, platform.ShouldUseRedirect(desktopSafari, "browser"))
	assert.False(t, platform.ShouldUseRedirect(iosFacebook, ""))
}

func TestIsLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:5173", true},
		{"http://app.localhost", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"http://0.0.0.0:3000", true},
		{"https://app.example.com", false},
		{"https://localhost.example.com", false},
		{"", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, platform.IsLocalOrigin(tt.origin))
		})
	}
}

func TestModeOverride(t *testing.T) {
	m, ok := platform.ModeOverride(url.Values{"authMode": {"popup"}})
	assert.True(t, ok)
	assert.Equal(t, platform.MethodPopup, m)

	m, ok = platform.ModeOverride(url.Values{"authMode": {"Redirect"}})
	assert.True(t, ok)
	assert.Equal(t, platform.MethodRedirect, m)

	_, ok = platform.ModeOverride(url.Values{"authMode": {"blocked"}})
	assert.False(t, ok)

	_, ok = platform.ModeOverride(nil)
	assert.False(t, ok)
}

func TestDebugEnabled(t *testing.T) {
	assert.True(t, platform.DebugEnabled(url.Values{"debug": {"auth"}}))
	assert.True(t, platform.DebugEnabled(url.Values{"debug": {"sync, auth"}}))
	assert.True(t, platform.DebugEnabled(url.Values{"debug": {"sync", "AUTH"}}))
	assert.False(t, platform.DebugEnabled(url.Values{"debug": {"sync"}}))
	assert.False(t, platform.DebugEnabled(nil))
}
