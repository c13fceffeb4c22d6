package tray

import "fmt"

// versionLabel prefixes release versions with "v"; dev builds are shown as
// they are.
func versionLabel(version string) string {
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		return "v" + version
	}
	return version
}

func countLabel(connected, total int) string {
	switch {
	case total == 0:
		return "Readers: None found"
	case connected == total:
		if total == 1 {
			return "Readers: 1 connected"
		}
		return fmt.Sprintf("Readers: %d connected", total)
	default:
		return fmt.Sprintf("Readers: %d of %d connected", connected, total)
	}
}

func terminalLabel(name string, connected, present bool, sessions int) string {
	switch {
	case !connected:
		return name + ": disconnected"
	case !present:
		return name + ": no card"
	case sessions == 1:
		return name + ": card present, 1 session"
	case sessions > 1:
		return fmt.Sprintf("%s: card present, %d sessions", name, sessions)
	default:
		return name + ": card present"
	}
}
