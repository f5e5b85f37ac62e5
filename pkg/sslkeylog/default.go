package sslkeylog

import (
	"crypto/tls"
	"sync"
)

var (
	defaultOnce   sync.Once
	defaultModule *Module
	defaultErr    error
)

// Default returns the process-wide module, initializing it on first use.
// An initialization failure is returned by every later call.
func Default() (*Module, error) {
	defaultOnce.Do(func() {
		defaultModule, defaultErr = Init()
	})
	return defaultModule, defaultErr
}

// NewContext creates a context after initializing the default module.
func NewContext(cfg *tls.Config) (*Context, error) {
	m, err := Default()
	if err != nil {
		return nil, err
	}
	return m.NewContext(cfg), nil
}

// GetClientRandom returns the client random of session.
func GetClientRandom(session any) ([]byte, bool, error) {
	m, err := Default()
	if err != nil {
		return nil, false, err
	}
	return m.GetClientRandom(session)
}

// GetServerRandom returns the server random of session.
func GetServerRandom(session any) ([]byte, bool, error) {
	m, err := Default()
	if err != nil {
		return nil, false, err
	}
	return m.GetServerRandom(session)
}

// GetMasterKey returns the master secret of session.
func GetMasterKey(session any) ([]byte, bool, error) {
	m, err := Default()
	if err != nil {
		return nil, false, err
	}
	return m.GetMasterKey(session)
}

// ExportKeyingMaterial derives length bytes from session's exporter.
func ExportKeyingMaterial(session any, length int, label, context []byte) ([]byte, bool, error) {
	m, err := Default()
	if err != nil {
		return nil, false, err
	}
	return m.ExportKeyingMaterial(session, length, label, context)
}

// GetKeylogLine returns the CLIENT_RANDOM line of a TLS 1.2 session.
func GetKeylogLine(session any) (string, bool, error) {
	m, err := Default()
	if err != nil {
		return "", false, err
	}
	return m.GetKeylogLine(session)
}

// SetKeylogHandler arms ctx with h.
func SetKeylogHandler(ctx any, h Handler) error {
	m, err := Default()
	if err != nil {
		return err
	}
	return m.SetKeylogHandler(ctx, h)
}

// SetKeylogCallback arms ctx with the destination set by SetKeylog.
func SetKeylogCallback(ctx any) error {
	m, err := Default()
	if err != nil {
		return err
	}
	return m.SetKeylogCallback(ctx)
}

// SetKeylog sets where SetKeylogCallback contexts send their lines.
func SetKeylog(dest any) error {
	m, err := Default()
	if err != nil {
		return err
	}
	return m.SetKeylog(dest)
}

// Patch arms every context created from now on.
func Patch() error {
	m, err := Default()
	if err != nil {
		return err
	}
	return m.Patch()
}

// Unpatch stops arming new contexts.
func Unpatch() {
	if m, err := Default(); err == nil {
		m.Unpatch()
	}
}
