package session

import (
	"context"
	"fmt"
)

// BeginMobileSession opens a session bound to the authorized primary session
// of a server and returns its handle, to be handed to another device
func (m *Manager) BeginMobileSession(ctx context.Context, address string) (string, error) {
	ok, err := m.CheckAuthorization(ctx, address)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotAuthorized
	}

	m.mu.Lock()
	parent := m.obtain(address, Primary).Handle
	rec := m.obtain(address, Mobile)
	if rec.Established() {
		handle := rec.Handle
		m.mu.Unlock()
		return handle, nil
	}
	m.mu.Unlock()

	handle, err := m.transport.CreateSession(ctx, address, m.config.Area, parent)
	if err != nil {
		return "", fmt.Errorf("failed to open mobile session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.isDiscarded() {
		return "", ErrDiscarded
	}
	rec.Handle = handle.Handle
	rec.Expire = handle.Expire
	return rec.Handle, nil
}

// AcquireMobileSession adopts a handle created by another device's
// BeginMobileSession as this device's primary session and returns the user
// it is authorized for
func (m *Manager) AcquireMobileSession(ctx context.Context, address, handle string) (int64, error) {
	if _, err := m.activation(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	rec := m.obtain(address, Primary)
	if rec.Established() && rec.Handle != handle {
		m.discard(rec)
		rec = m.obtain(address, Primary)
	}
	rec.Handle = handle
	m.mu.Unlock()

	ok, err := m.poll(ctx, address, Primary, handle)
	if err != nil {
		return 0, err
	}
	if !ok {
		m.discardHandle(address, Primary, handle)
		return 0, ErrNotAuthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obtain(address, Primary).UserID, nil
}

// ReleaseMobileSession forgets the local mobile session record once the
// other device has taken it over
func (m *Manager) ReleaseMobileSession(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[key{address, m.config.Area, Mobile}]; ok {
		m.discard(rec)
	}
}

// EndMobileSession revokes a mobile session on the server
func (m *Manager) EndMobileSession(ctx context.Context, address, handle string) error {
	err := m.transport.DeleteSession(ctx, address, handle)
	m.discardHandle(address, Mobile, handle)
	if err != nil {
		return fmt.Errorf("failed to end mobile session: %w", err)
	}
	return nil
}
