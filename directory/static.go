// Package directory provides read-only principal directories: a static one
// loaded from YAML and a caching decorator for slower backends.
package directory

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.pilab.hu/authz"
	"go.pilab.hu/authz/log"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var seedYAML []byte

type document struct {
	Clients []authz.Client `yaml:"clients"`
	Users   []authz.User   `yaml:"users"`
}

// snapshot is an immutable, indexed copy of a directory document.
type snapshot struct {
	clientsByID       map[string]*authz.Client
	clientsByClientID map[string]*authz.Client
	usersByID         map[string]*authz.User
	usersByUsername   map[string]*authz.User
}

func parse(data []byte) (*snapshot, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", authz.ErrDirectoryMalformed, err)
	}

	s := &snapshot{
		clientsByID:       make(map[string]*authz.Client, len(doc.Clients)),
		clientsByClientID: make(map[string]*authz.Client, len(doc.Clients)),
		usersByID:         make(map[string]*authz.User, len(doc.Users)),
		usersByUsername:   make(map[string]*authz.User, len(doc.Users)),
	}
	for i := range doc.Clients {
		c := &doc.Clients[i]
		if c.ID == "" || c.ClientID == "" {
			return nil, fmt.Errorf("%w: client %d needs id and clientId", authz.ErrDirectoryMalformed, i)
		}
		if _, dup := s.clientsByClientID[c.ClientID]; dup {
			return nil, fmt.Errorf("%w: duplicate clientId %q", authz.ErrDirectoryMalformed, c.ClientID)
		}
		s.clientsByID[c.ID] = c
		s.clientsByClientID[c.ClientID] = c
	}
	for i := range doc.Users {
		u := &doc.Users[i]
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("%w: user %d needs id and username", authz.ErrDirectoryMalformed, i)
		}
		if _, dup := s.usersByUsername[u.Username]; dup {
			return nil, fmt.Errorf("%w: duplicate username %q", authz.ErrDirectoryMalformed, u.Username)
		}
		s.usersByID[u.ID] = u
		s.usersByUsername[u.Username] = u
	}

	return s, nil
}

// Static serves principals from an in-memory snapshot. Lookups return copies,
// so callers cannot alter the directory.
type Static struct {
	path    string
	current atomic.Pointer[snapshot]
	logger  log.Logger
}

var _ authz.PrincipalDirectory = (*Static)(nil)

// Seed returns a directory holding the built-in development principals.
func Seed() *Static {
	s, err := parse(seedYAML)
	if err != nil {
		panic(err)
	}
	d := &Static{logger: log.Nop()}
	d.current.Store(s)
	return d
}

// Parse builds a directory from a YAML document.
func Parse(data []byte) (*Static, error) {
	s, err := parse(data)
	if err != nil {
		return nil, err
	}
	d := &Static{logger: log.Nop()}
	d.current.Store(s)
	return d, nil
}

// Load reads the YAML document at path. The directory can later follow the
// file with Watch.
func Load(path string, logger log.Logger) (*Static, error) {
	d := &Static{path: path, logger: logger}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Reload re-reads the backing file and swaps the snapshot in one step. On error
// the previous snapshot stays in place.
func (d *Static) Reload() error {
	if d.path == "" {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read directory file: %w", err)
	}
	s, err := parse(data)
	if err != nil {
		return err
	}
	d.current.Store(s)
	return nil
}

// Watch reloads the directory whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (d *Static) Watch(ctx context.Context) error {
	if d.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create directory watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(d.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.path, err)
	}
	target := filepath.Clean(d.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := d.Reload(); err != nil {
				d.logger.Error(ctx, "principal directory reload failed, keeping previous version", err,
					log.Fields{"path": d.path})
				continue
			}
			d.logger.Info(ctx, "principal directory reloaded", log.Fields{"path": d.path})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn(ctx, "principal directory watcher error", log.Fields{"error": err.Error()})
		}
	}
}

func (d *Static) FindClientByID(_ context.Context, id string) (*authz.Client, error) {
	return copyOf(d.current.Load().clientsByID[id]), nil
}

func (d *Static) FindClientByClientID(_ context.Context, clientID string) (*authz.Client, error) {
	return copyOf(d.current.Load().clientsByClientID[clientID]), nil
}

func (d *Static) FindUserByID(_ context.Context, id string) (*authz.User, error) {
	return copyOf(d.current.Load().usersByID[id]), nil
}

func (d *Static) FindUserByUsername(_ context.Context, username string) (*authz.User, error) {
	return copyOf(d.current.Load().usersByUsername[username]), nil
}

func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
