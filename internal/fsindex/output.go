// Package fsindex indexes the servable filesystem outputs of a project:
// build-emitted pages and app routes, static assets and the public folder.
package fsindex

import "context"

// Kind is the category of a filesystem output.
type Kind int

const (
	KindPageFile Kind = iota + 1
	KindAppFile
	KindPublicFolder
	KindNextStaticFolder
	KindLegacyStaticFolder
	KindDevVirtualFS
	KindNextImage
)

func (k Kind) String() string {
	switch k {
	case KindPageFile:
		return "pageFile"
	case KindAppFile:
		return "appFile"
	case KindPublicFolder:
		return "publicFolder"
	case KindNextStaticFolder:
		return "nextStaticFolder"
	case KindLegacyStaticFolder:
		return "legacyStaticFolder"
	case KindDevVirtualFS:
		return "devVirtualFsItem"
	case KindNextImage:
		return "nextImage"
	}
	return "unknown"
}

// IsStatic reports whether outputs of kind k are files served as-is.
func (k Kind) IsStatic() bool {
	switch k {
	case KindPublicFolder, KindNextStaticFolder, KindLegacyStaticFolder:
		return true
	}
	return false
}

// IsDynamic reports whether outputs of kind k are rendered by a worker.
func (k Kind) IsDynamic() bool {
	return k == KindPageFile || k == KindAppFile
}

// Output is the result of a filesystem lookup. For static kinds ItemPath is
// relative to ItemsRoot and FSPath is the absolute file; for page and app
// files ItemPath is the route.
type Output struct {
	Kind      Kind   `json:"type"`
	FSPath    string `json:"fsPath,omitempty"`
	ItemPath  string `json:"itemPath"`
	Locale    string `json:"locale,omitempty"`
	ItemsRoot string `json:"itemsRoot,omitempty"`
}

// EnsureFunc compiles a page or app route on demand in development. A
// returned error means the route does not exist.
type EnsureFunc func(ctx context.Context, kind Kind, itemPath string) error
