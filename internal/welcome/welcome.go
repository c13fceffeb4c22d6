// Package welcome shows the native dialogs of the tray app: the first run
// welcome, the about box and the opt-in prompts.
package welcome

import "fmt"

const title = "SE Broker"

const welcomeMessage = `SE Broker is now running!

It runs quietly in your menu bar and lets SimplyPrint.io and other local applications talk to the secure elements in your smart card readers, within the limits of your access rules.

Status API: http://%s/v1/health

Click the menu bar icon anytime to check your readers or quit.`

const aboutMessage = `SE Broker

Brokers sessions and channels to secure elements in PC/SC readers for local applications. Every channel is checked against your access rules before the card sees a single command.

Access rules: %s
Status API: http://%s/v1/health

© SimplyPrint ApS
Version: %s`

const autostartPromptMessage = `Would you like SE Broker to start automatically when you log in?

You can change this later through the /v1/autostart API.`

const crashReportingPromptMessage = `Help improve SE Broker by sending anonymous crash reports?

If the app crashes, diagnostic information will be sent to help us fix bugs faster. No card data or APDUs are ever included.

You can change this later through the /v1/settings API.`

// ShowWelcome displays the first run dialog.
func ShowWelcome(addr string) {
	showInfo(title, fmt.Sprintf(welcomeMessage, addr))
}

// ShowAbout displays the about dialog.
func ShowAbout(version, addr, policyPath string) {
	showInfo("About "+title, fmt.Sprintf(aboutMessage, policyPath, addr, version))
}

// PromptAutostart asks whether to start at login. It returns true if the
// user agreed.
func PromptAutostart() bool {
	return askYesNo(title, autostartPromptMessage)
}

// PromptCrashReporting asks whether crash reports may be sent. It returns
// true if the user agreed.
func PromptCrashReporting() bool {
	return askYesNo(title, crashReportingPromptMessage)
}
