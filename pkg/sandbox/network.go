package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/containernetworking/cni/libcni"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/sirupsen/logrus"
)

// NetworkConfig points at the CNI plugin binaries and network config list
// used to assign every sandbox its address, mirroring the teacher's
// CNIServiceConfig in pkg/network/cni.go.
type NetworkConfig struct {
	Enabled     bool
	PluginDir   string
	ConfDir     string
	NetworkName string
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		PluginDir: "/opt/cni/bin",
		ConfDir:   "/etc/cni/net.d",
	}
}

// cniNetwork assigns and releases sandbox network addresses via CNI,
// adapted from the teacher's CNIService. A nil *cniNetwork (or one built
// from a config list that failed to load) is a valid, inert value: every
// method becomes a no-op rather than failing sandbox creation, since a
// missing CNI install is expected outside a real cluster node and
// Sandbox.IPAddress is documented as optional.
type cniNetwork struct {
	cni     *libcni.CNIConfig
	netList *libcni.NetworkConfigList
	log     *logrus.Entry
}

// newCNINetwork loads cfg's network config list. Load failures are logged
// and absorbed into a nil return rather than propagated.
func newCNINetwork(cfg NetworkConfig, log *logrus.Entry) *cniNetwork {
	log = log.WithField("component", "sandbox-network")
	if !cfg.Enabled {
		return nil
	}
	netList, err := loadNetworkConfigList(cfg)
	if err != nil {
		log.WithError(err).Warn("CNI network config unavailable, sandboxes will have no assigned address")
		return nil
	}
	return &cniNetwork{
		cni:     libcni.NewCNIConfig([]string{cfg.PluginDir}, nil),
		netList: netList,
		log:     log,
	}
}

// attach runs CNI ADD for the container/VM identified by containerID
// inside netnsPath, and returns the address assigned to it. Failures are
// logged and return an empty string: network assignment augments a
// sandbox, it never blocks Create.
func (n *cniNetwork) attach(ctx context.Context, sandboxID, containerID, netnsPath string) string {
	if n == nil {
		return ""
	}
	log := n.log.WithField("sandbox_id", sandboxID)

	rt := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      "eth0",
		Args:        [][2]string{{"IgnoreUnknown", "1"}},
	}
	result, err := n.cni.AddNetworkList(ctx, n.netList, rt)
	if err != nil {
		log.WithError(err).Warn("CNI AddNetworkList failed")
		return ""
	}
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		log.WithError(err).Warn("failed to parse CNI result")
		return ""
	}
	if len(res.IPs) == 0 {
		log.Warn("CNI result carried no IP configuration")
		return ""
	}
	ip := res.IPs[0].Address.IP.String()
	log.WithField("ip", ip).Info("CNI network attached")
	return ip
}

// detach runs CNI DEL, releasing the address assigned by attach. Only
// called when attach previously succeeded (ipAddress non-empty).
func (n *cniNetwork) detach(ctx context.Context, sandboxID, containerID, netnsPath, ipAddress string) {
	if n == nil || ipAddress == "" {
		return
	}
	rt := &libcni.RuntimeConf{
		ContainerID: containerID,
		NetNS:       netnsPath,
		IfName:      "eth0",
		Args:        [][2]string{{"IgnoreUnknown", "1"}},
	}
	if err := n.cni.DelNetworkList(ctx, n.netList, rt); err != nil {
		n.log.WithField("sandbox_id", sandboxID).WithError(err).Warn("CNI DelNetworkList failed")
	}
}

// netnsPath returns the network namespace file CNI should operate on for
// a sandbox. The teacher's own createNetNS stops short of an actual
// syscall.Unshare(CLONE_NEWNET) and just reserves a path (see
// PipeOpsHQ-firecracker-shim/pkg/network/cni.go); this mirrors that same
// simplification rather than inventing namespace handling the teacher
// itself never implemented.
func netnsPath(sandboxID string) string {
	return filepath.Join("/var/run/netns", "duckling-"+sandboxID)
}

func loadNetworkConfigList(cfg NetworkConfig) (*libcni.NetworkConfigList, error) {
	if cfg.NetworkName != "" {
		if confList, err := libcni.LoadConfList(cfg.ConfDir, cfg.NetworkName); err == nil {
			return confList, nil
		}
	}
	files, err := libcni.ConfFiles(cfg.ConfDir, []string{".conflist", ".conf"})
	if err != nil || len(files) == 0 {
		return nil, fmt.Errorf("no CNI config files found in %s", cfg.ConfDir)
	}
	if filepath.Ext(files[0]) == ".conflist" {
		return libcni.ConfListFromFile(files[0])
	}
	conf, err := libcni.ConfFromFile(files[0])
	if err != nil {
		return nil, err
	}
	return libcni.ConfListFromConf(conf)
}
