// Package backend talks to the package backend, the privileged worker that
// installs packages and applies system updates.
package backend

import "context"

// Backend serializes its own work: calls made while it is busy are queued
// on its side, so callers only ever await one call at a time.
type Backend interface {
	RefreshRepositories(ctx context.Context) error
	AddRepository(ctx context.Context, name string, urls []string) error
	RemoveRepository(ctx context.Context, name string) error

	// ListUpdates returns the JSON encoded list of application updates.
	ListUpdates(ctx context.Context) ([]byte, error)
	// ListInstalledApplications returns the JSON encoded list of installed
	// applications.
	ListInstalledApplications(ctx context.Context) ([]byte, error)

	InstallApplications(ctx context.Context, applications []byte) error
	RemoveApplications(ctx context.Context, applications []byte) error
	DownloadApplicationUpdates(ctx context.Context, updates []byte) error
	UpdateApplications(ctx context.Context, updates []byte) error

	// UpdateSystem applies the mounted system update package at path.
	UpdateSystem(ctx context.Context, path string) error

	SetSubscribedToProgress(ctx context.Context, subscribed bool) error
	AllProperties(ctx context.Context) (map[string]interface{}, error)
}

// Observer is told about the backend coming and going and about its
// progress properties.
type Observer interface {
	SetBackendAvailable(available bool)
	PropertiesChanged(changed map[string]interface{})
}
