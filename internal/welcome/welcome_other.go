//go:build !darwin && !windows

package welcome

// Without a tray there is nobody to show a dialog to.

func showInfo(title, message string) {}

func askYesNo(title, message string) bool { return false }
