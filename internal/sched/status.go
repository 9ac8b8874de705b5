package sched

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Package states as published in the status document.
const (
	StateActive   = "ACTIVE"
	StateSync     = "SYNC"
	StateError    = "ERROR"
	StateDisabled = "DISABLED"
)

// StatusLink mirrors a configured extra link for the web UI.
type StatusLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// PackageStatus is one package's entry in the status document.
type PackageStatus struct {
	Name       string       `json:"name"`
	Status     string       `json:"status"`
	Href       string       `json:"href"`
	Links      []StatusLink `json:"links,omitempty"`
	SyncRate   string       `json:"syncrate"`
	LastSync   int64        `json:"lastsync"` // milliseconds since epoch, 0 when never
	ErrorCount int          `json:"errorcount"`
}

// StatusDocument is the JSON document published for the web UI. It
// doubles as the daemon's persisted state: last sync times survive
// restarts by reloading it.
type StatusDocument struct {
	LastUpdate int64                    `json:"lastupdate"` // milliseconds since epoch
	MirrorName string                   `json:"mirrorname"`
	Packages   map[string]PackageStatus `json:"packages"`
}

// WriteStatus publishes doc atomically. Readers polling the file
// never observe a partial document.
func WriteStatus(path string, doc *StatusDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "status: marshal")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return errors.Wrap(err, "status: temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "status: write")
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return errors.Wrap(err, "status: chmod")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "status: fsync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "status: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "status: rename")
	}
	return dirSync(dir)
}

// LoadStatus reads a previously published document. A missing file
// yields an empty document, not an error.
func LoadStatus(path string) (*StatusDocument, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &StatusDocument{Packages: make(map[string]PackageStatus)}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "status: read")
	}

	doc := new(StatusDocument)
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.Wrap(err, "status: unmarshal")
	}
	if doc.Packages == nil {
		doc.Packages = make(map[string]PackageStatus)
	}
	return doc, nil
}
