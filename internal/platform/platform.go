// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package platform decides between popup and redirect sign-in from the
// user agent and display mode. Everything here is a pure function.
package platform

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
)

// Method is the sign-in method chosen for a platform.
type Method string

// Methods.
const (
	MethodRedirect Method = "redirect"
	MethodPopup    Method = "popup"
	// MethodBlocked means neither flow can work; the user must open the
	// app in a full browser.
	MethodBlocked Method = "blocked"
)

// Display modes reported by the page.
const (
	DisplayBrowser    = "browser"
	DisplayStandalone = "standalone"
	DisplayFullscreen = "fullscreen"
	DisplayMinimalUI  = "minimal-ui"
)

// Environment is what the page knows about where it runs.
type Environment struct {
	UserAgent   string
	DisplayMode string
	Origin      string
	Query       url.Values
	Viewport    string
	Online      bool
}

// Info is the result of user agent detection.
type Info struct {
	IOS          bool
	Safari       bool
	Android      bool
	WebView      bool
	InAppBrowser bool
	Standalone   bool
	// IOSVersion is nil when the version is not reported.
	IOSVersion *semver.Version
}

// Decision is the chosen method and why.
type Decision struct {
	Method Method
	// AllowFallback permits one popup-to-redirect fallback when the popup
	// is blocked or closed.
	AllowFallback bool
	Reason        string
}

func compile(patterns ...string) []glob.Glob {
	out := make([]glob.Glob, len(patterns))
	for i, p := range patterns {
		out[i] = glob.MustCompile(p)
	}
	return out
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// Patterns match the lowercased user agent.
var (
	iosPatterns = compile("*iphone*", "*ipad*", "*ipod*", "*macintosh*mobile/*")

	androidPatterns = compile("*android*")

	safariPatterns = compile("*version/*safari/*")

	notSafariPatterns = compile("*chrome/*", "*chromium/*", "*crios/*", "*fxios/*", "*edg/*", "*edgios/*", "*android*", "*opr/*")

	androidWebViewPatterns = compile("*; wv)*", "*version/*chrome/*mobile safari*")

	inAppPatterns = compile(
		"*fban/*", "*fbav/*", "*fb_iab*", "*instagram*", "* line/*",
		"*twitter*", "*micromessenger*", "*linkedinapp*", "*snapchat*",
		"*bytedancewebview*", "*musical_ly*", "*pinterest*",
	)

	iosVersionPattern = regexp.MustCompile(`(?i)\bOS (\d+)[_.](\d+)(?:[_.](\d+))?\b`)
)

// Detect classifies a user agent.
func Detect(userAgent, displayMode string) Info {
	ua := strings.ToLower(userAgent)

	info := Info{
		IOS:          matchAny(iosPatterns, ua),
		Android:      matchAny(androidPatterns, ua),
		InAppBrowser: matchAny(inAppPatterns, ua),
		Standalone:   isStandalone(displayMode),
	}
	info.Safari = matchAny(safariPatterns, ua) && !matchAny(notSafariPatterns, ua)

	switch {
	case info.Android:
		info.WebView = matchAny(androidWebViewPatterns, ua)
	case info.IOS:
		// Every iOS browser ships a Safari token; embedded WKWebViews do not.
		info.WebView = strings.Contains(ua, "applewebkit") && !strings.Contains(ua, "safari/")
	}
	if info.InAppBrowser {
		info.WebView = true
	}
	if info.IOS {
		info.IOSVersion = iosVersion(userAgent)
	}
	return info
}

func isStandalone(displayMode string) bool {
	switch strings.ToLower(displayMode) {
	case DisplayStandalone, DisplayFullscreen, DisplayMinimalUI:
		return true
	}
	return false
}

func iosVersion(userAgent string) *semver.Version {
	m := iosVersionPattern.FindStringSubmatch(userAgent)
	if m == nil {
		return nil
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v, err := semver.NewVersion(fmt.Sprintf("%s.%s.%s", m[1], m[2], patch))
	if err != nil {
		return nil
	}
	return v
}

// Decide picks the sign-in method for env. Rules apply in order: contexts
// where provider sign-in cannot work are blocked; iOS and Safari use popup
// without fallback since a redirect loses its parameters there; embedded
// webviews and installed apps use redirect; local development origins use
// popup; everything else uses redirect.
func Decide(env Environment) Decision {
	info := Detect(env.UserAgent, env.DisplayMode)

	switch {
	case info.InAppBrowser:
		return Decision{Method: MethodBlocked, Reason: "in_app_browser"}
	case info.IOS && info.WebView:
		return Decision{Method: MethodBlocked, Reason: "ios_webview"}
	case info.IOS && info.Standalone:
		return Decision{Method: MethodBlocked, Reason: "ios_standalone"}
	case info.IOS || info.Safari:
		return Decision{Method: MethodPopup, Reason: "ios_or_safari"}
	case info.WebView || info.Standalone:
		return Decision{Method: MethodRedirect, Reason: "embedded_or_standalone"}
	case IsLocalOrigin(env.Origin):
		return Decision{Method: MethodPopup, AllowFallback: true, Reason: "local_origin"}
	default:
		return Decision{Method: MethodRedirect, Reason: "default"}
	}
}

// ShouldUseRedirect reports whether redirect is the method for the given
// user agent and display mode. Blocked platforms report false.
func ShouldUseRedirect(userAgent, displayMode string) bool {
	return Decide(Environment{UserAgent: userAgent, DisplayMode: displayMode}).Method == MethodRedirect
}

// IsLocalOrigin reports whether origin is a local development host.
func IsLocalOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// ModeOverride returns the method forced by authMode=popup|redirect.
func ModeOverride(query url.Values) (Method, bool) {
	switch strings.ToLower(query.Get("authMode")) {
	case string(MethodPopup):
		return MethodPopup, true
	case string(MethodRedirect):
		return MethodRedirect, true
	}
	return "", false
}

// DebugEnabled reports whether debug=auth is present. The parameter may
// list several comma-separated areas.
func DebugEnabled(query url.Values) bool {
	for _, v := range query["debug"] {
		for _, area := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(area), "auth") {
				return true
			}
		}
	}
	return false
}
