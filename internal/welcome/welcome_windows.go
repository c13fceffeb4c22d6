//go:build windows

package welcome

import "golang.org/x/sys/windows"

func showInfo(title, message string) {
	messageBox(title, message, windows.MB_OK|windows.MB_ICONINFORMATION)
}

func askYesNo(title, message string) bool {
	return messageBox(title, message, windows.MB_YESNO|windows.MB_ICONQUESTION) == windows.IDYES
}

func messageBox(title, message string, style uint32) int32 {
	titlePtr, err := windows.UTF16PtrFromString(title)
	if err != nil {
		return 0
	}
	messagePtr, err := windows.UTF16PtrFromString(message)
	if err != nil {
		return 0
	}
	ret, _ := windows.MessageBox(0, messagePtr, titlePtr, style)
	return ret
}
