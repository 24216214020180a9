//go:build !linux && !darwin

package service

type unsupportedService struct{}

// New returns a Service whose operations fail with ErrUnsupported.
func New() Service {
	return unsupportedService{}
}

func (unsupportedService) Install(Options) error   { return ErrUnsupported }
func (unsupportedService) Uninstall() error        { return ErrUnsupported }
func (unsupportedService) IsInstalled() bool       { return false }
func (unsupportedService) Status() (string, error) { return "unsupported", nil }
