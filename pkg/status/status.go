// Package status persists the progress of the mirror so that an interrupted
// or failed run can be resumed without redoing completed work.
//
// The status document is a single JSON file. It's rewritten in full, and
// atomically, at every checkpoint, so a crash leaves either the previous or
// the next checkpoint on disk.
package status

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Lifecycle states of a component.
const (
	Unavailable   = "unavailable"
	Synchronizing = "synchronizing"
	Updated       = "updated"
	Failed        = "failed"
)

// States lists every lifecycle state.
var States = []string{Unavailable, Synchronizing, Updated, Failed}

// Components of the mirror.
const (
	Releases   = "releases"
	Metadata   = "metadata"
	Client     = "client"
	Registries = "registries"
	Packages   = "packages"
)

// Components lists the components in the order they're synchronized.
var Components = []string{Client, Releases, Metadata, Registries, Packages}

// SchemaVersion is the version of the status document written by this
// binary.
const SchemaVersion = "1.0.0"

// TimeFormat is the format of every timestamp in the document.
const TimeFormat = "2006-01-02 15:04:05"

// Document-level keys. Components may not use these names.
const (
	keyName          = "name"
	keyCreatedTime   = "created_time"
	keyLastUpdated   = "last_updated"
	keyMirrorVersion = "mirror_version"
	keyConfig        = "config"
)

// Status is the persisted state of a mirror.
type Status struct {
	Name          string
	CreatedTime   string
	LastUpdated   string
	MirrorVersion string

	// Config is the settings the mirror was last run with.
	Config Settings

	Components map[string]*Entry
}

// Entry is the state of a component. The fields are in alphabetical order
// so that the encoded document has sorted keys.
type Entry struct {
	CreatedTime string `json:"created_time,omitempty"`
	LastUpdated string `json:"last_updated,omitempty"`

	// Registries holds the per-registry state of the registries component.
	Registries map[string]*Entry `json:"registries,omitempty"`

	Status string `json:"status"`

	// Versions holds the per-version state of the releases component.
	Versions map[string]*VersionEntry `json:"versions,omitempty"`
}

// VersionEntry is the state of one release version.
type VersionEntry struct {
	// LastUpdated is only set once every artifact of the version has been
	// attempted.
	LastUpdated string `json:"last_updated,omitempty"`

	// Missing lists the artifacts that couldn't be fetched.
	Missing []string `json:"missing,omitempty"`

	Subversion string `json:"subversion"`
}

// Settings are the options that affect what is mirrored. A change between
// runs is reported so that the operator knows why content appeared or
// stopped being updated.
type Settings struct {
	IgnoreInvalid  bool              `json:"ignore_invalid"`
	MirrorClient   bool              `json:"mirror_client"`
	MirrorMetadata bool              `json:"mirror_metadata"`
	MirrorPackages bool              `json:"mirror_packages"`
	MirrorReleases bool              `json:"mirror_releases"`
	Registries     map[string]string `json:"registries"`
	SyncLatest     bool              `json:"sync_latest"`
}

// Diff returns the names of the settings that differ between s and other,
// sorted.
func (s Settings) Diff(other Settings) []string {
	a, b := s.fields(), other.fields()

	var changed []string
	for key := range a {
		if !reflect.DeepEqual(a[key], b[key]) {
			changed = append(changed, key)
		}
	}
	sort.Strings(changed)
	return changed
}

func (s Settings) fields() map[string]interface{} {
	if s.Registries == nil {
		s.Registries = map[string]string{}
	}

	fields := map[string]interface{}{}
	data, err := json.Marshal(s)
	if err == nil {
		err = json.Unmarshal(data, &fields)
	}
	if err != nil {
		// A struct of bools and strings always round trips.
		panic(err)
	}
	return fields
}

// Component returns the entry for name, creating it as unavailable if
// needed.
func (st *Status) Component(name string) *Entry {
	if st.Components == nil {
		st.Components = map[string]*Entry{}
	}
	entry, ok := st.Components[name]
	if !ok {
		entry = &Entry{Status: Unavailable}
		st.Components[name] = entry
	}
	return entry
}

// Registry returns the entry for a registry, creating it as unavailable if
// needed.
func (e *Entry) Registry(name string) *Entry {
	if e.Registries == nil {
		e.Registries = map[string]*Entry{}
	}
	entry, ok := e.Registries[name]
	if !ok {
		entry = &Entry{Status: Unavailable}
		e.Registries[name] = entry
	}
	return entry
}

// UnmarshalJSON also reads release versions stored directly in the
// component entry, which is where the Python mirror keeps them. A version in
// the versions object wins over one with the same label at the top level.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plainEntry Entry
	var decoded plainEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for key, raw := range doc {
		switch key {
		case "created_time", "last_updated", "registries", "status", "versions":
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			continue
		}
		if _, ok := fields["subversion"]; !ok {
			continue
		}

		var version VersionEntry
		if err := json.Unmarshal(raw, &version); err != nil {
			return err
		}
		if _, ok := decoded.Versions[key]; !ok {
			if decoded.Versions == nil {
				decoded.Versions = map[string]*VersionEntry{}
			}
			decoded.Versions[key] = &version
		}
	}

	*e = Entry(decoded)
	return nil
}

// Version returns the entry for a release version, or nil if the version
// has never been synchronized.
func (e *Entry) Version(label string) *VersionEntry {
	return e.Versions[label]
}

// SetVersion replaces the entry for a release version.
func (e *Entry) SetVersion(label string, version *VersionEntry) {
	if e.Versions == nil {
		e.Versions = map[string]*VersionEntry{}
	}
	e.Versions[label] = version
}

// MarshalJSON encodes the document as a single object with the components
// next to the document-level keys.
func (st Status) MarshalJSON() ([]byte, error) {
	doc := map[string]interface{}{
		keyName:          st.Name,
		keyMirrorVersion: st.MirrorVersion,
		keyConfig:        st.Config,
	}
	if st.CreatedTime != "" {
		doc[keyCreatedTime] = st.CreatedTime
	}
	if st.LastUpdated != "" {
		doc[keyLastUpdated] = st.LastUpdated
	}

	for name, entry := range st.Components {
		if _, ok := doc[name]; ok || isReserved(name) {
			return nil, &json.UnsupportedValueError{Str: name}
		}
		doc[name] = entry
	}
	return json.Marshal(doc)
}

func (st *Status) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	decoded := Status{Components: map[string]*Entry{}}
	fields := map[string]interface{}{
		keyName:          &decoded.Name,
		keyCreatedTime:   &decoded.CreatedTime,
		keyLastUpdated:   &decoded.LastUpdated,
		keyMirrorVersion: &decoded.MirrorVersion,
		keyConfig:        &decoded.Config,
	}
	for key, raw := range doc {
		if field, ok := fields[key]; ok {
			if err := json.Unmarshal(raw, field); err != nil {
				return err
			}
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		decoded.Components[key] = &entry
	}

	*st = decoded
	return nil
}

func isReserved(name string) bool {
	switch name {
	case keyName, keyCreatedTime, keyLastUpdated, keyMirrorVersion, keyConfig:
		return true
	}
	return false
}
