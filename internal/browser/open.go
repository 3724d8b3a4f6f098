// Package browser opens generated reports in the desktop browser.
package browser

import (
	"net/url"
	"os/exec"
	"path/filepath"
	"runtime"
)

// FileURL returns the file:// URL of a local path.
func FileURL(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	if runtime.GOOS == "windows" {
		u.Path = "/" + u.Path
	}
	return u.String()
}

// OpenReport starts the system browser on a report file. It does not wait
// for the browser.
func OpenReport(path string) error {
	target := FileURL(path)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	case "darwin":
		cmd = exec.Command("open", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
