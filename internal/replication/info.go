// Package replication implements the master/replica control path: the
// server-wide replication info (role, replid, offset, attached
// replicas), the fixed-snapshot full-resync reply, the replica-side
// handshake, and live command streaming.
package replication

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Role is the server's position in the replication topology.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "slave"
)

const replIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateReplID returns a random 40-character alphanumeric replication
// ID, used as master_replid.
func GenerateReplID() string {
	b := make([]byte, 40)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable on any real
		// platform; fall back to a fixed pattern rather than panicking
		// the whole server over an identifier string.
		for i := range b {
			b[i] = replIDAlphabet[i%len(replIDAlphabet)]
		}
		return string(b)
	}
	for i, v := range b {
		b[i] = replIDAlphabet[int(v)%len(replIDAlphabet)]
	}
	return string(b)
}

// Replica is an attached, PSYNC-completed connection on the master side.
type Replica struct {
	Conn net.Conn
	Addr string
}

// Info is the server-wide replication state shared by every connection
// worker. Master-side fields (replicas) and replica-side fields
// (masterLink) are both present; only the ones matching Role() are ever
// populated.
type Info struct {
	mu       sync.Mutex
	role     Role
	replID   string
	offset   int64
	replicas map[string]*Replica

	masterLink *MasterLink

	log *logrus.Entry
}

// NewInfo creates replication state for a freshly started server. Role
// is fixed at construction; a replica never becomes a master or vice
// versa within this spec's scope.
func NewInfo(role Role, log *logrus.Entry) *Info {
	return &Info{
		role:     role,
		replID:   GenerateReplID(),
		replicas: make(map[string]*Replica),
		log:      log.WithField("component", "replication"),
	}
}

func (i *Info) Role() Role {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.role
}

func (i *Info) ReplID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.replID
}

func (i *Info) Offset() int64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offset
}

// SetMasterReplID overwrites the replication ID with the one announced
// by a master's FULLRESYNC reply, once this server has attached as a
// replica.
func (i *Info) SetMasterReplID(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.replID = id
}

// AttachReplica registers conn as a PSYNC-completed replica. The master
// keeps the connection open for propagation rather than closing it when
// its dispatcher loop would otherwise exit.
func (i *Info) AttachReplica(conn net.Conn) *Replica {
	i.mu.Lock()
	defer i.mu.Unlock()

	addr := conn.RemoteAddr().String()
	r := &Replica{Conn: conn, Addr: addr}
	i.replicas[addr] = r
	i.log.WithField("replica", addr).Info("replica attached")
	return r
}

// detachReplicaLocked removes a replica, e.g. after a failed propagation
// write. It does not close the connection; the caller (whose dispatcher
// owns the socket in every other role) is responsible for that. Callers
// must hold i.mu.
func (i *Info) detachReplicaLocked(addr string) {
	if _, ok := i.replicas[addr]; ok {
		delete(i.replicas, addr)
		i.log.WithField("replica", addr).Warn("replica detached")
	}
}

// ReplicaCount reports the number of currently attached replicas.
func (i *Info) ReplicaCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.replicas)
}

// DetachReplica removes addr from the attached set, for use by a
// dispatcher that observes its own peer going away (EOF/error) rather
// than a propagation write failure.
func (i *Info) DetachReplica(addr string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.detachReplicaLocked(addr)
}

// PropagateAfter runs mutate (expected to apply a write to the shared
// store) and then, while still holding the same lock that serializes
// every write, fans raw out to every attached replica in the order
// mutate calls were serialized, so every replica observes writes in
// exactly the order the master applied them.
//
// raw must be the exact bytes the master received for this command, not
// a re-encoding of it.
func (i *Info) PropagateAfter(mutate func(), raw []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()

	mutate()

	if i.role != RoleMaster {
		return
	}

	i.offset += int64(len(raw))

	var dead []string
	for addr, r := range i.replicas {
		if _, err := r.Conn.Write(raw); err != nil {
			i.log.WithField("replica", addr).WithError(err).Warn("propagation write failed")
			dead = append(dead, addr)
		}
	}
	for _, addr := range dead {
		i.detachReplicaLocked(addr)
	}
}

// InfoLines renders the role, master_replid and master_repl_offset
// fields in the order clients expect them in an INFO replication reply.
func (i *Info) InfoLines() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fmt.Sprintf("role:%s\nmaster_replid:%s\nmaster_repl_offset:%d", i.role, i.replID, i.offset)
}
