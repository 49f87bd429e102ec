package camera

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/goccy/go-json"

	"github.com/camwall/camstream/internal/util"
)

var (
	// ErrNotFound is returned when an id does not address a camera.
	ErrNotFound = errors.New("camera not found")
	// ErrDuplicateURL is returned when adding a camera whose source URL already exists.
	ErrDuplicateURL = errors.New("a camera with this source URL already exists")
)

// Directory is the JSON-file backed list of cameras.
//
// Every read goes to disk so edits made by other tools are picked up. A
// camera's id is its position in the full list; deleting a camera renumbers
// the ones after it.
type Directory struct {
	path string
	mu   sync.Mutex // serializes read-modify-write cycles
}

// NewDirectory opens the directory at path, creating an empty list if the
// file does not exist.
func NewDirectory(path string) (*Directory, error) {
	d := &Directory{path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := d.save(nil); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, util.WrapError("stat cameras file", err)
	}
	return d, nil
}

// Path returns the backing file path.
func (d *Directory) Path() string {
	return d.path
}

// All returns every camera, with Index set to its id.
func (d *Directory) All() ([]Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load()
}

// ListActive returns the active cameras in file order, with Index set to the
// position among active cameras.
func (d *Directory) ListActive() ([]Camera, error) {
	all, err := d.All()
	if err != nil {
		return nil, err
	}

	active := make([]Camera, 0, len(all))
	for _, c := range all {
		if !c.Active {
			continue
		}
		c.Index = len(active)
		active = append(active, c)
	}
	return active, nil
}

// Get returns the camera with the given id.
func (d *Directory) Get(id int) (Camera, error) {
	all, err := d.All()
	if err != nil {
		return Camera{}, err
	}
	if id < 0 || id >= len(all) {
		return Camera{}, ErrNotFound
	}
	return all[id], nil
}

// Add validates and appends a camera. Active defaults to true when active is nil.
func (d *Directory) Add(c Camera, active *bool) (Camera, error) {
	c.Active = active == nil || *active
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	c.IP = ExtractHost(c.SourceURL)

	if err := util.ValidateStruct(c); err != nil {
		return Camera{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load()
	if err != nil {
		return Camera{}, err
	}
	if slices.ContainsFunc(all, func(existing Camera) bool { return existing.SourceURL == c.SourceURL }) {
		return Camera{}, ErrDuplicateURL
	}

	c.Index = len(all)
	all = append(all, c)
	if err := d.save(all); err != nil {
		return Camera{}, err
	}
	return c, nil
}

// SetActive toggles whether the camera with the given id is streamed.
func (d *Directory) SetActive(id int, active bool) (Camera, error) {
	return d.Update(id, Patch{Active: &active})
}

// SetDisplayName renames the camera for display only.
func (d *Directory) SetDisplayName(id int, name string) (Camera, error) {
	return d.Update(id, Patch{DisplayName: &name})
}

// Update applies a patch to the camera with the given id.
func (d *Directory) Update(id int, p Patch) (Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load()
	if err != nil {
		return Camera{}, err
	}
	if id < 0 || id >= len(all) {
		return Camera{}, ErrNotFound
	}

	updated := all[id]
	p.apply(&updated)
	if err := util.ValidateStruct(updated); err != nil {
		return Camera{}, err
	}
	if p.SourceURL != nil && slices.ContainsFunc(all, func(existing Camera) bool {
		return existing.Index != id && existing.SourceURL == updated.SourceURL
	}) {
		return Camera{}, ErrDuplicateURL
	}

	all[id] = updated
	if err := d.save(all); err != nil {
		return Camera{}, err
	}
	return updated, nil
}

// Delete removes the camera with the given id and returns it.
func (d *Directory) Delete(id int) (Camera, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.load()
	if err != nil {
		return Camera{}, err
	}
	if id < 0 || id >= len(all) {
		return Camera{}, ErrNotFound
	}

	removed := all[id]
	all = slices.Delete(all, id, id+1)
	if err := d.save(all); err != nil {
		return Camera{}, err
	}
	return removed, nil
}

// load reads the file. Caller must hold d.mu.
func (d *Directory) load() ([]Camera, error) {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return nil, util.WrapError("read cameras file", err)
	}

	var cameras []Camera
	if err := json.Unmarshal(data, &cameras); err != nil {
		return nil, util.WrapError("parse cameras file", err)
	}

	for i := range cameras {
		cameras[i].Index = i
		if cameras[i].DisplayName == "" {
			cameras[i].DisplayName = cameras[i].Name
		}
		if cameras[i].IP == "" {
			cameras[i].IP = ExtractHost(cameras[i].SourceURL)
		}
	}
	return cameras, nil
}

// save atomically replaces the file. Caller must hold d.mu (or own d exclusively).
func (d *Directory) save(cameras []Camera) error {
	if cameras == nil {
		cameras = []Camera{}
	}

	data, err := json.MarshalIndent(cameras, "", "  ")
	if err != nil {
		return util.WrapError("marshal cameras", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create cameras directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".cameras-*.json")
	if err != nil {
		return util.WrapError("create temp cameras file", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		util.SafeClose(tmp, "temp cameras file")
		return util.WrapError("write cameras file", err)
	}
	if err := tmp.Close(); err != nil {
		return util.WrapError("close cameras file", err)
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return util.WrapError("replace cameras file", err)
	}
	return nil
}
