package msgsync

import (
	"strings"
	"sync"
)

// Directory caches patient display names for the lifetime of a session.
// Entries never expire; a re-fetch overwrites the entry with the same value.
type Directory struct {
	entries sync.Map // patient id -> display name
}

// NewDirectory returns an empty Directory.
func NewDirectory() *Directory {
	return &Directory{}
}

// Lookup returns the cached display name for patientID.
func (d *Directory) Lookup(patientID string) (string, bool) {
	v, ok := d.entries.Load(patientID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Store upserts a display name. Blank names are ignored so a bad response
// cannot replace a good entry.
func (d *Directory) Store(patientID, name string) {
	name = strings.TrimSpace(name)
	if patientID == "" || name == "" {
		return
	}
	d.entries.Store(patientID, name)
}

// Len returns the number of cached entries.
func (d *Directory) Len() int {
	n := 0
	d.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
