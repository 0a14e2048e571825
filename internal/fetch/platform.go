package fetch

import (
	"net/url"
	"strings"
)

// Platform names a target site. Known job boards and CRMs map to a short name;
// any other host is its own platform.
type Platform string

const (
	// PlatformGreenhouse is the Greenhouse ATS platform
	PlatformGreenhouse Platform = "greenhouse"
	// PlatformLever is the Lever ATS platform
	PlatformLever Platform = "lever"
	// PlatformWorkday is the Workday ATS platform
	PlatformWorkday Platform = "workday"
	// PlatformLinkedIn is LinkedIn
	PlatformLinkedIn Platform = "linkedin"
	// PlatformIndeed is Indeed
	PlatformIndeed Platform = "indeed"
	// PlatformUnknown is returned for unparseable URLs
	PlatformUnknown Platform = "unknown"
)

var knownHosts = []struct {
	suffixes []string
	platform Platform
}{
	{[]string{"greenhouse.io"}, PlatformGreenhouse},
	{[]string{"lever.co"}, PlatformLever},
	{[]string{"workday.com", "myworkdayjobs.com"}, PlatformWorkday},
	{[]string{"linkedin.com"}, PlatformLinkedIn},
	{[]string{"indeed.com"}, PlatformIndeed},
}

// DetectPlatform identifies the platform of a URL.
func DetectPlatform(urlStr string) Platform {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Hostname() == "" {
		return PlatformUnknown
	}
	return PlatformForHost(parsed.Hostname())
}

// PlatformForHost identifies the platform of a bare hostname.
func PlatformForHost(host string) Platform {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, known := range knownHosts {
		for _, suffix := range known.suffixes {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return known.platform
			}
		}
	}
	return Platform(host)
}
