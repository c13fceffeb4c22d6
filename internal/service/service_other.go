//go:build !linux && !darwin

package service

import "errors"

var errUnsupported = errors.New("auto-start is not supported on this platform")

type unsupportedService struct{}

// New creates a new platform-specific service manager
func New() Service {
	return unsupportedService{}
}

func (unsupportedService) Install() error          { return errUnsupported }
func (unsupportedService) Uninstall() error        { return errUnsupported }
func (unsupportedService) IsInstalled() bool       { return false }
func (unsupportedService) Status() (string, error) { return "unsupported", nil }
