// Package registry implements the database registry and connection
// gateway (spec.md section 4.6): it tracks the set of open databases and
// their connections, wires each database's WAL file to the replication
// hook, and gives the (out-of-scope) wire-protocol gateway a narrow
// surface to open, close, and submit work against a connection.
package registry

import (
	"sync"

	"github.com/lxc/dqlited/internal/dqliteerr"
	"github.com/lxc/dqlited/internal/logging"
	"github.com/lxc/dqlited/leader"
	"github.com/lxc/dqlited/replication"
	"github.com/lxc/dqlited/vfs"
)

// Database tracks one open database's VFS files and the connections
// currently attached to it.
type Database struct {
	Name string
	DB   *vfs.File
	WAL  *vfs.File

	mu          sync.Mutex
	connections map[string]*Connection
}

func (d *Database) addConnection(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connections[c.ConnID()] = c
}

func (d *Database) removeConnection(c *Connection) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.connections, c.ConnID())
	return len(d.connections)
}

// Registry is the process-wide table of open databases and connections
// (spec.md section 4.6). It owns the in-memory VFS registry and the
// replication hook every WAL file is wired to.
type Registry struct {
	vfs  *vfs.Registry
	hook *replication.Hook
	raft leader.Raft
	log  *logging.Logger

	mu          sync.Mutex
	databases   map[string]*Database
	connections map[string]*Connection
}

// New builds a Registry. raft backs every connection's leader.Loop;
// hook is shared by every WAL file this registry opens (spec.md section
// 4.4 describes one hook instance per node, not per database).
func New(vfsRegistry *vfs.Registry, hook *replication.Hook, raft leader.Raft, log *logging.Logger) *Registry {
	return &Registry{
		vfs:         vfsRegistry,
		hook:        hook,
		raft:        raft,
		log:         log,
		databases:   make(map[string]*Database),
		connections: make(map[string]*Connection),
	}
}

// Open opens (creating on first use) the database named name and returns
// a new Connection to it, per spec.md section 4.6's "open(name,
// page_size, wal_replication_name)". walReplicationName is currently
// unused beyond being accepted: this module supports exactly one
// replication method (Raft over the hook bound at construction), so a
// caller requesting a different method gets FormatInvalid.
func (r *Registry) Open(name string, pageSize int, walReplicationName string) (*Connection, error) {
	if walReplicationName != "" && walReplicationName != "raft" {
		return nil, dqliteerr.New(dqliteerr.FormatInvalid, "unknown wal replication method %q", walReplicationName)
	}

	r.mu.Lock()
	db, ok := r.databases[name]
	if !ok {
		var err error
		db, err = r.openDatabase(name, pageSize)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.databases[name] = db
	}
	r.mu.Unlock()

	loop := leader.Init(r.raft, r.log)
	conn := newConnection(name, loop, r.hook)
	db.addConnection(conn)

	r.mu.Lock()
	r.connections[conn.ID.String()] = conn
	r.mu.Unlock()

	r.log.Info("connection opened", logging.Fields{"database": name, "connection": conn.ConnID()})
	return conn, nil
}

func (r *Registry) openDatabase(name string, pageSize int) (*Database, error) {
	dbFile, err := r.vfs.Open(name, vfs.OpenMainDB|vfs.OpenCreate|vfs.OpenReadWrite)
	if err != nil {
		return nil, err
	}
	walFile, err := r.vfs.Open(name+"-wal", vfs.OpenWAL|vfs.OpenCreate|vfs.OpenReadWrite)
	if err != nil {
		_ = dbFile.Close(r.vfs)
		return nil, err
	}
	walFile.SetReplicationHook(r.hook)

	return &Database{
		Name:        name,
		DB:          dbFile,
		WAL:         walFile,
		connections: make(map[string]*Connection),
	}, nil
}

// Close detaches conn from its database, closing the loop and, once the
// last connection is gone, the underlying VFS files (spec.md section
// 4.6's "close(conn)").
func (r *Registry) Close(conn *Connection) error {
	r.mu.Lock()
	db, ok := r.databases[conn.Database]
	if !ok {
		r.mu.Unlock()
		return dqliteerr.New(dqliteerr.NotFound, "database %q is not open", conn.Database)
	}
	delete(r.connections, conn.ID.String())
	r.mu.Unlock()

	conn.Loop.Close()
	remaining := db.removeConnection(conn)
	if remaining > 0 {
		return nil
	}

	r.mu.Lock()
	delete(r.databases, conn.Database)
	r.mu.Unlock()

	if err := db.WAL.Close(r.vfs); err != nil {
		return err
	}
	return db.DB.Close(r.vfs)
}

// Lookup returns the connection with the given ID, for the gateway's
// numeric-handle-to-connection resolution (spec.md section 4.6).
func (r *Registry) Lookup(id string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.connections[id]
	if !ok {
		return nil, dqliteerr.New(dqliteerr.NotFound, "no connection %q", id)
	}
	return c, nil
}

// Database returns the named database's record, for filename-keyed
// lookups.
func (r *Registry) Database(name string) (*Database, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	db, ok := r.databases[name]
	if !ok {
		return nil, dqliteerr.New(dqliteerr.NotFound, "database %q is not open", name)
	}
	return db, nil
}

// Names returns the names of every currently open database.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.databases))
	for name := range r.databases {
		out = append(out, name)
	}
	return out
}
