//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

func showInfo(title, message string) {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `" buttons {"OK"} default button 1 with icon note`
	_ = exec.Command("osascript", "-e", script).Run()
}

func askYesNo(title, message string) bool {
	script := `display dialog "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `" buttons {"No", "Yes"} default button 2 with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

var appleScriptEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escapeAppleScript(s string) string {
	return appleScriptEscaper.Replace(s)
}
