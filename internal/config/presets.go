package config

const (
	PresetClassic = "classic"
	PresetFanIn   = "fanin"
)

func boolPtr(v bool) *bool {
	return &v
}

// Preset returns the host list for a named topology. Link order matters: the
// switch port of the k-th host is <switch>-eth<k>.
func Preset(name string) ([]HostConfig, bool) {
	switch name {
	case PresetClassic:
		// h1 sends bulk traffic and pings across the bottleneck toward h2,
		// h2 fetches from the web server on h1.
		return []HostConfig{
			{
				Name:       "h1",
				Roles:      []string{RoleTrafficClient, RoleProbeSource, RoleWebServer},
				LimitQueue: boolPtr(true),
			},
			{
				Name:       "h2",
				Roles:      []string{RoleTrafficServer, RoleFetchClient},
				Bottleneck: true,
			},
		}, true
	case PresetFanIn:
		// Three senders share the bottleneck toward h1; h5 runs BBR.
		return []HostConfig{
			{Name: "h2", Roles: []string{RoleTrafficClient, RoleProbeSource, RoleFetchClient}, Congestion: "reno"},
			{Name: "h1", Roles: []string{RoleTrafficServer, RoleWebServer}, Bottleneck: true},
			{Name: "h4", Roles: []string{RoleTrafficClient, RoleProbeSource, RoleFetchClient}, Congestion: "reno"},
			{Name: "h5", Roles: []string{RoleTrafficClient, RoleProbeSource, RoleFetchClient}, Congestion: "bbr"},
		}, true
	}
	return nil, false
}
