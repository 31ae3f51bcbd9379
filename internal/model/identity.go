package model

import (
	"bytes"
	"encoding/hex"
)

// PackageIdentifier names a package together with the SHA-256 digest of
// its signing certificate.
type PackageIdentifier struct {
	PackageName string
	SHA256Cert  []byte
}

// Equal reports whether both the name and the certificate match.
func (p PackageIdentifier) Equal(o PackageIdentifier) bool {
	return p.PackageName == o.PackageName && bytes.Equal(p.SHA256Cert, o.SHA256Cert)
}

func (p PackageIdentifier) String() string {
	return p.PackageName + ":" + hex.EncodeToString(p.SHA256Cert)
}

// CallerIdentity describes whoever issues a cross-tenant read.
type CallerIdentity struct {
	PackageName string
	SHA256Cert  []byte
	// Platform marks the system UI surface.
	Platform    bool
	Roles       []string
	Permissions []string
}

// Package returns the caller's package identifier.
func (c CallerIdentity) Package() PackageIdentifier {
	return PackageIdentifier{PackageName: c.PackageName, SHA256Cert: c.SHA256Cert}
}

// HasRole reports whether the caller holds role.
func (c CallerIdentity) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the caller holds permission.
func (c CallerIdentity) HasPermission(permission string) bool {
	for _, p := range c.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}
