// Package oci defines the image content-store capability consumed during
// image-to-rootfs preparation. The registry client and content store
// implementations live outside this module.
package oci

import (
	"context"
	"errors"
)

// ErrNotFound is returned for references missing from the store.
var ErrNotFound = errors.New("Image not found")

// ErrExists is returned when an unpack target already exists.
var ErrExists = errors.New("Destination already exists")

// Platform selects an image variant.
type Platform struct {
	OS           string
	Architecture string
	Variant      string
}

// BlockMount describes an unpacked image as a mountable block device.
type BlockMount struct {
	Format      string
	Source      string
	Destination string
	Options     []string
}

// AuthConfig carries registry credentials for a pull.
type AuthConfig struct {
	Username string
	Password string
}

// Image is a resolved image reference.
type Image interface {
	// Reference returns the canonical reference of the image.
	Reference() string

	// Unpack materializes the image for a platform at the destination,
	// returning the block mount for it. It fails with ErrExists when the
	// destination is already populated.
	Unpack(ctx context.Context, platform Platform, destination string) (*BlockMount, error)
}

// Store is the image content store.
type Store interface {
	// Get returns a locally available image. It fails with ErrNotFound
	// when the reference has not been pulled.
	Get(ctx context.Context, reference string) (Image, error)

	// Pull fetches an image from its registry.
	Pull(ctx context.Context, reference string, auth *AuthConfig) (Image, error)

	// InitBlock produces the supervisor's root block device for a platform.
	InitBlock(ctx context.Context, destination string, platform Platform) (*BlockMount, error)
}
