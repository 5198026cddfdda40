package imapclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BrowseMode controls how deep a folder listing goes.
type BrowseMode int

const (
	// BrowseLazy lists one level at a time.
	BrowseLazy BrowseMode = iota
	// BrowseFull lists the whole tree at once.
	BrowseFull
)

func (b BrowseMode) String() string {
	if b == BrowseFull {
		return "full"
	}
	return "lazy"
}

// UnmarshalYAML accepts "lazy" or "full".
func (b *BrowseMode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "lazy", "":
		*b = BrowseLazy
	case "full":
		*b = BrowseFull
	default:
		return fmt.Errorf("unknown browse mode %q", s)
	}
	return nil
}

// MarshalYAML writes the mode name.
func (b BrowseMode) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// MinimalHeaders is the default allow-list of headers fetched for a message.
var MinimalHeaders = []string{"From", "To", "Date", "Subject", "Cc", "Content-Type"}

// Behavior tunes how the client talks to the server.
type Behavior struct {
	BrowseMode BrowseMode `yaml:"browse_mode"`
	// FetchMode is what FetchClientDefault resolves to.
	FetchMode      FetchMode `yaml:"fetch_mode"`
	ExamineFolders bool      `yaml:"examine_folders"`
	// AutoPopulateFolderMessages downloads all messages the first time a
	// folder's messages are accessed.
	AutoPopulateFolderMessages bool   `yaml:"auto_populate_messages"`
	SpecialUseMetadataPath     string `yaml:"special_use_metadata_path"`
	// RequestedHeaders limits header downloads; empty fetches all headers.
	RequestedHeaders               []string      `yaml:"requested_headers"`
	SearchAllNotSupported          bool          `yaml:"search_all_not_supported"`
	LazyFolderBrowsingNotSupported bool          `yaml:"lazy_browsing_not_supported"`
	NoopIssueTimeout               time.Duration `yaml:"noop_issue_timeout"`
}

// DefaultBehavior returns the settings a new client starts with.
func DefaultBehavior() Behavior {
	return Behavior{
		BrowseMode:             BrowseLazy,
		FetchMode:              FetchBasic,
		ExamineFolders:         true,
		SpecialUseMetadataPath: "/private/specialuse",
		RequestedHeaders:       append([]string(nil), MinimalHeaders...),
		NoopIssueTimeout:       840 * time.Second,
	}
}

// Validate rejects settings the client cannot work with.
func (b Behavior) Validate() error {
	if b.FetchMode&FetchClientDefault != 0 {
		return errors.New("behavior: fetch mode cannot be the client default")
	}
	if b.NoopIssueTimeout < 0 {
		return errors.New("behavior: negative noop issue timeout")
	}
	return nil
}
