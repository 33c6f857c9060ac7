package storage

import (
	"fmt"
	"strings"
)

// Capabilities is the set of optional features a backend declares.
type Capabilities struct {
	// BulkDelete means DeleteMany is available.
	BulkDelete bool `json:"bulk_delete"`

	// Centralized means one logical backend serves every server.
	Centralized bool `json:"centralized"`

	// SingleInstance means identical content is stored once.
	SingleInstance bool `json:"single_instance"`

	// ResumableUpload means content can be streamed while it is received.
	ResumableUpload bool `json:"resumable_upload"`

	// Listing means a mailbox's content can be enumerated.
	Listing bool `json:"listing"`

	// ContentAddressed means locators derive from digests.
	ContentAddressed bool `json:"content_addressed"`

	// Stat means sizes can be read without fetching content.
	Stat bool `json:"stat"`

	// Purge means unreferenced content must be removed by a collector.
	Purge bool `json:"purge"`
}

// Names returns the enabled capability names, for logging.
func (c Capabilities) Names() []string {
	var names []string
	add := func(on bool, name string) {
		if on {
			names = append(names, name)
		}
	}
	add(c.BulkDelete, "bulk_delete")
	add(c.Centralized, "centralized")
	add(c.SingleInstance, "single_instance")
	add(c.ResumableUpload, "resumable_upload")
	add(c.Listing, "listing")
	add(c.ContentAddressed, "content_addressed")
	add(c.Stat, "stat")
	add(c.Purge, "purge")
	return names
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	return "[" + strings.Join(c.Names(), ",") + "]"
}

// CapabilityReporter is implemented by backends that declare capabilities.
// A backend that does not implement it is treated as having none.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// Negotiated is a backend together with the optional interfaces it declared.
// Fields for undeclared capabilities are nil.
type Negotiated struct {
	Backend
	Caps Capabilities

	ContentAddressed ContentAddressed
	SingleInstance   SingleInstance
	Resumable        ResumableUploader
	Lister           Lister
	BulkDeleter      BulkDeleter
	Stater           Stater
	Purger           Purger
}

// Negotiate resolves the declared capabilities of b once, so callers never
// inspect the backend's type again. A capability that is declared but not
// implemented is an error; one implemented but not declared is ignored.
func Negotiate(b Backend) (*Negotiated, error) {
	if b == nil {
		return nil, fmt.Errorf("storage: nil backend")
	}

	n := &Negotiated{Backend: b}
	if r, ok := b.(CapabilityReporter); ok {
		n.Caps = r.Capabilities()
	}

	missing := func(name string) error {
		return fmt.Errorf("storage: backend %T declares %s but does not implement it", b, name)
	}

	if n.Caps.ContentAddressed {
		ca, ok := b.(ContentAddressed)
		if !ok {
			return nil, missing("content_addressed")
		}
		n.ContentAddressed = ca
	}
	if n.Caps.SingleInstance {
		if !n.Caps.ContentAddressed {
			return nil, fmt.Errorf("storage: backend %T declares single_instance without content_addressed", b)
		}
		si, ok := b.(SingleInstance)
		if !ok {
			return nil, missing("single_instance")
		}
		n.SingleInstance = si
	}
	if n.Caps.ResumableUpload {
		ru, ok := b.(ResumableUploader)
		if !ok {
			return nil, missing("resumable_upload")
		}
		n.Resumable = ru
	}
	if n.Caps.Listing {
		l, ok := b.(Lister)
		if !ok {
			return nil, missing("listing")
		}
		n.Lister = l
	}
	if n.Caps.BulkDelete {
		bd, ok := b.(BulkDeleter)
		if !ok {
			return nil, missing("bulk_delete")
		}
		n.BulkDeleter = bd
	}
	if n.Caps.Stat {
		s, ok := b.(Stater)
		if !ok {
			return nil, missing("stat")
		}
		n.Stater = s
	}
	if n.Caps.Purge {
		p, ok := b.(Purger)
		if !ok {
			return nil, missing("purge")
		}
		n.Purger = p
	}

	return n, nil
}
