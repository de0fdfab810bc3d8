//go:build netbsd
// +build netbsd

package poller

var platformBackends = []Backend{BackendPoll, BackendSelect}

func newPlatformBackend(b Backend, limit int) (backend, error) {
	return nil, ErrUnsupportedBackend
}
