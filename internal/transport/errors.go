package transport

import "fmt"

func errBufferTooSmall(n int) error {
	return fmt.Errorf("buffer_size must be >= 256, got %d", n)
}

func errMaxConnectionsTooSmall(n int) error {
	return fmt.Errorf("max_connections must be >= 1, got %d", n)
}

func errNilHandler() error {
	return fmt.Errorf("listen requires a non-nil handler")
}

func errNilPayload() error {
	return fmt.Errorf("payload must not be nil")
}

func errMissingConnection() error {
	return fmt.Errorf("handoff record has no connection")
}

func errNotIdle(current role) error {
	return fmt.Errorf("facade is in role %q, expected idle", current)
}

func errWrongRole(current, want role) error {
	return fmt.Errorf("facade is in role %q, expected %q", current, want)
}
