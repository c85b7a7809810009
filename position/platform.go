package position

import "strings"

// Platform is the host the positioning request runs on.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformUnknown Platform = "unknown"
)

// DetectPlatform guesses the host from a User-Agent header. Order matters:
// Android UAs contain "Linux" and iPadOS UAs contain "Mac OS X".
func DetectPlatform(userAgent string) Platform {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return PlatformAndroid
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"), strings.Contains(ua, "ipod"):
		return PlatformIOS
	case strings.Contains(ua, "windows"):
		return PlatformWindows
	case strings.Contains(ua, "mac os x"), strings.Contains(ua, "macintosh"):
		return PlatformMacOS
	case strings.Contains(ua, "linux"), strings.Contains(ua, "x11"):
		return PlatformLinux
	}
	return PlatformUnknown
}

var hints = map[Kind]map[Platform]string{
	PermissionDenied: {
		PlatformAndroid: "Allow location for this app in Settings > Apps > Permissions > Location, then try again.",
		PlatformIOS:     "Enable Location Services in Settings > Privacy & Security > Location Services and allow this app While Using.",
		PlatformWindows: "Turn on Settings > Privacy & security > Location and allow your browser to access location.",
		PlatformMacOS:   "Enable your browser in System Settings > Privacy & Security > Location Services.",
		PlatformLinux:   "Allow location access in the browser's site settings; check that a location service (GeoClue) is running.",
		PlatformUnknown: "Allow location access for this site or app, then try again.",
	},
	PositionUnavailable: {
		PlatformAndroid: "Turn on GPS (High accuracy mode) and move near a window or outdoors.",
		PlatformIOS:     "Turn on Precise Location for this app and move near a window or outdoors.",
		PlatformWindows: "Connect to Wi-Fi; desktop location relies on nearby networks. Use a phone if the problem persists.",
		PlatformMacOS:   "Turn on Wi-Fi; Macs locate using nearby networks. Use a phone if the problem persists.",
		PlatformLinux:   "Connect to Wi-Fi and check the location service; use a phone if the problem persists.",
		PlatformUnknown: "Your device could not determine its location. Move to an open area or try another device.",
	},
	TimedOut: {
		PlatformAndroid: "Location took too long. Check that GPS is on and you have signal, then retry.",
		PlatformIOS:     "Location took too long. Check Location Services and signal, then retry.",
		PlatformWindows: "Location took too long. Check your network connection and retry.",
		PlatformMacOS:   "Location took too long. Check your network connection and retry.",
		PlatformLinux:   "Location took too long. Check your network connection and retry.",
		PlatformUnknown: "Location took too long. Retry in a moment.",
	},
}

// HintFor returns the remediation text for kind on platform.
func HintFor(kind Kind, platform Platform) string {
	byPlatform, ok := hints[kind]
	if !ok {
		return ""
	}
	if h, ok := byPlatform[platform]; ok {
		return h
	}
	return byPlatform[PlatformUnknown]
}
