package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner prints the startup banner with the full version string.
func PrintBanner() {
	banner.PrintSimple("Curo", GetFullVersion())
}
