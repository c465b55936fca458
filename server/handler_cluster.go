package server

import (
	"slices"

	"graphgo/protocol"
)

// SetReplicas sets the replica list reported for database. Without one the
// server reports itself as the only replica, primary at term 1.
func (s *Server) SetReplicas(database string, replicas []protocol.Replica) {
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()
	s.replicas[database] = slices.Clone(replicas)
}

// SetPrimary sets whether this server is the primary replica of database.
// Servers start as primary of everything.
func (s *Server) SetPrimary(database string, primary bool) {
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()
	if primary {
		delete(s.notPrimary, database)
	} else {
		s.notPrimary[database] = true
	}
}

// SetServers sets the cluster member list. Without one the server reports
// the replica addresses it knows, or itself.
func (s *Server) SetServers(addrs []string) {
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()
	s.servers = slices.Clone(addrs)
}

// AddDatabase makes database known. Only meaningful when Options.Databases
// restricted the set.
func (s *Server) AddDatabase(database string) {
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()
	s.databases[database] = struct{}{}
}

// Databases lists the databases sessions may open; nil when any name goes.
func (s *Server) Databases() []string {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	if len(s.databases) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.databases))
	for db := range s.databases {
		names = append(names, db)
	}
	slices.Sort(names)
	return names
}

func (s *Server) hasDatabase(database string) bool {
	if database == "" {
		return false
	}
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	if len(s.databases) == 0 {
		return true
	}
	_, ok := s.databases[database]
	return ok
}

func (s *Server) isPrimary(database string) bool {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	return !s.notPrimary[database]
}

func (s *Server) replicasOf(database string) []protocol.Replica {
	s.clusterMu.RLock()
	defer s.clusterMu.RUnlock()
	if rs, ok := s.replicas[database]; ok {
		return slices.Clone(rs)
	}
	role := protocol.RoleLeader
	if s.notPrimary[database] {
		role = protocol.RoleFollower
	}
	return []protocol.Replica{{Address: s.Addr(), Database: database, Role: role, Term: 1}}
}

func (s *Server) handleReplicas(rc *RequestContext) ([]protocol.Response, error) {
	req := rc.Request
	if !s.hasDatabase(req.Database) {
		return errorResponse(req, protocol.CodeDatabaseNotFound, req.Database), nil
	}
	return []protocol.Response{protocol.NewReplicasResponse(req.ID, s.replicasOf(req.Database))}, nil
}

func (s *Server) handleDatabases(rc *RequestContext) ([]protocol.Response, error) {
	return []protocol.Response{protocol.NewDatabaseListResponse(rc.Request.ID, s.Databases())}, nil
}

func (s *Server) handleServers(rc *RequestContext) ([]protocol.Response, error) {
	s.clusterMu.RLock()
	servers := slices.Clone(s.servers)
	if len(servers) == 0 {
		for _, rs := range s.replicas {
			for _, r := range rs {
				if !slices.Contains(servers, r.Address) {
					servers = append(servers, r.Address)
				}
			}
		}
	}
	s.clusterMu.RUnlock()

	if len(servers) == 0 {
		servers = []string{s.Addr()}
	}
	slices.Sort(servers)
	return []protocol.Response{protocol.NewServerListResponse(rc.Request.ID, servers)}, nil
}
