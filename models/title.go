// Package models defines data structures shared by the dump components.
package models

// EndMarker terminates a completed title or image list.
const EndMarker = "--END--"

// Title is a namespace-qualified page name as enumerated by the wiki.
type Title struct {
	Name      string `json:"title" yaml:"title"`
	Namespace int    `json:"ns" yaml:"ns"`
}

func (t Title) String() string {
	return t.Name
}
