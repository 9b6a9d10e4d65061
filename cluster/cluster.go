package cluster

// Cluster adapts an Instance to replication.Cluster, the narrow surface
// the WAL replication hook uses to report the current leader and
// membership (spec.md section 4.4).
type Cluster struct {
	instance *Instance
}

// NewCluster wraps instance for use as a replication.Cluster.
func NewCluster(instance *Instance) *Cluster {
	return &Cluster{instance: instance}
}

// Leader reports the address of the current Raft leader, if known.
func (c *Cluster) Leader() (string, bool) {
	addr := c.instance.Raft.Leader()
	return string(addr), addr != ""
}

// Servers reports the addresses of every server currently in the Raft
// configuration, voters and non-voters alike.
func (c *Cluster) Servers() ([]string, error) {
	future := c.instance.Raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, err
	}
	servers := future.Configuration().Servers
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = string(s.Address)
	}
	return addrs, nil
}
