// Package camera persists camera records and exposes the active-camera list
// the stream supervisor reconciles against.
package camera

import "fmt"

// Camera is one configured network camera.
type Camera struct {
	// Index is the position in the list it was read from. For ListActive it
	// is the position among active cameras and only valid for that read.
	Index       int    `json:"-"`
	Name        string `json:"name" validate:"required,max=128"`
	DisplayName string `json:"displayName,omitempty" validate:"max=128"`
	SourceURL   string `json:"rtspUrl" validate:"required,url"`
	Active      bool   `json:"active"`
	IP          string `json:"ip,omitempty"`
}

// StreamID returns the stream identifier derived from the camera's index.
func (c Camera) StreamID() string {
	return StreamID(c.Index)
}

// Label returns the display name, or the name when none is set.
func (c Camera) Label() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Name
}

// StreamID returns "stream<N+1>" for active-list position n.
func StreamID(n int) string {
	return fmt.Sprintf("stream%d", n+1)
}

// Patch carries a partial update; nil fields are left unchanged.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	SourceURL   *string `json:"rtspUrl,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

func (p Patch) apply(c *Camera) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.SourceURL != nil {
		c.SourceURL = *p.SourceURL
		c.IP = ExtractHost(c.SourceURL)
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
}
