// Package buildinfo implements the --version/credits output (spec's
// supplemented "Version and credits" feature), following the teacher
// ingest/log package's PrintOSInfo: gopsutil for the platform line,
// plus the kernel release string read directly from /proc.
package buildinfo

import (
	"fmt"
	"io"
	"runtime"
	"sort"

	"github.com/shirou/gopsutil/v4/host"
)

// Version is stamped at build time via -ldflags; left as a sane
// default so an unstamped debug build still prints something useful.
var Version = "dev"

// PrintVersion writes the one-line "<service> version Y" banner the
// original's print_version emits before -h/-v/credits output.
func PrintVersion(w io.Writer, service string) {
	fmt.Fprintf(w, "%s version %s\n", service, Version)
}

// PrintOSInfo writes the OS/kernel/platform line shown in the credits
// output.
func PrintOSInfo(w io.Writer) {
	platform, _, version, err := host.PlatformInformation()
	if err != nil {
		fmt.Fprintf(w, "OS:\t\tERROR %v\n", err)
		return
	}
	fmt.Fprintf(w, "OS:\t\t%s %s [%s] (%s %s)\n", runtime.GOOS, runtime.GOARCH, kernelVersion(), platform, version)
}

var contributors = []string{
	"All of the Debian Rust Maintainers, and especially Sylvestre Ledru",
	"Andy Kluger, for your feedback",
	"Cyrus Wyett, jim was better than ed",
	"@unmellow, for your early testing",
	"noproto, for your detailed report",
	"pin, for work with pkgsrc",
	"Stanley Dziegiel, for ini suggestions",
	"My wife and child, for putting up with me",
	"The SUSE Security Team, especially Matthias Gerstner",
}

// PrintCredits reproduces the original's Easter-egg `credits`
// free-argument output (spec's supplemented feature), alphabetized at
// print time so adding a name later never requires re-sorting by hand.
func PrintCredits(w io.Writer, service string) {
	PrintVersion(w, service)
	PrintOSInfo(w)

	sorted := append([]string(nil), contributors...)
	sort.Strings(sorted)

	fmt.Fprintln(w, "\nWith thanks to the following teams and people, you got us where we are today.")
	fmt.Fprintln(w, "\nIf your name is missing, or incorrect, please get in contact.")
	fmt.Fprintln(w, "\nIn sort order:")
	for _, c := range sorted {
		fmt.Fprintf(w, "\t%s\n", c)
	}
	fmt.Fprintln(w, "\nYou too of course, for motivating me.")
	fmt.Fprintln(w, "\nI thank you all for your help.")
	fmt.Fprintln(w, "\n\t-- Edward Neville")
}
