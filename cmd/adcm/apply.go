package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/api"
	"github.com/cuemby/adcm/pkg/client"
	"github.com/cuemby/adcm/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a topology file",
	Long: `Apply a topology described in a YAML file.

Bundles are loaded, then providers with their hosts, then clusters with
their services, attached hosts, configuration and host-component map.
Objects that already exist by name are reused.

Example:
  bundles:
    - /srv/bundles/ssh.tgz
    - /srv/bundles/hadoop.tgz
  providers:
    - name: dc1
      prototype: ssh
      hosts: [h1.example.com, h2.example.com]
  clusters:
    - name: analytics
      prototype: hadoop
      services: [hdfs]
      hosts: [h1.example.com]
      config:
        region: eu
      hostcomponent:
        - {host: h1.example.com, service: hdfs, component: namenode}`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Topology is the document read by apply
type Topology struct {
	Bundles   []string       `yaml:"bundles"`
	Providers []ProviderSpec `yaml:"providers"`
	Clusters  []ClusterSpec  `yaml:"clusters"`
}

type ProviderSpec struct {
	Name      string         `yaml:"name"`
	Prototype string         `yaml:"prototype"`
	Hosts     []string       `yaml:"hosts"`
	Config    map[string]any `yaml:"config,omitempty"`
}

type ClusterSpec struct {
	Name          string          `yaml:"name"`
	Prototype     string          `yaml:"prototype"`
	Description   string          `yaml:"description,omitempty"`
	Services      []string        `yaml:"services"`
	Hosts         []string        `yaml:"hosts"`
	Config        map[string]any  `yaml:"config,omitempty"`
	HostComponent []HostComponent `yaml:"hostcomponent"`
}

type HostComponent struct {
	Host      string `yaml:"host"`
	Service   string `yaml:"service"`
	Component string `yaml:"component"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return fmt.Errorf("failed to parse YAML: %v", err)
	}

	return withClient(cmd, 10*time.Minute, func(ctx context.Context, c *client.Client) error {
		a := &applier{c: c}
		for _, path := range topo.Bundles {
			b, err := c.LoadBundle(ctx, path)
			if err != nil && !isConflict(err) {
				return fmt.Errorf("bundle %s: %w", path, err)
			}
			if err == nil {
				fmt.Printf("✓ Bundle %s %s loaded\n", b.Name, b.Version)
			}
		}
		if err := a.index(ctx); err != nil {
			return err
		}
		for i := range topo.Providers {
			if err := a.provider(ctx, &topo.Providers[i]); err != nil {
				return fmt.Errorf("provider %s: %w", topo.Providers[i].Name, err)
			}
		}
		for i := range topo.Clusters {
			if err := a.cluster(ctx, &topo.Clusters[i]); err != nil {
				return fmt.Errorf("cluster %s: %w", topo.Clusters[i].Name, err)
			}
		}
		return nil
	})
}

type applier struct {
	c      *client.Client
	protos []*types.Prototype
	hosts  map[string]*types.Host
}

// index loads every prototype and host so specs can refer to them by name
func (a *applier) index(ctx context.Context) error {
	bundles, err := a.c.ListBundles(ctx)
	if err != nil {
		return err
	}
	a.protos = nil
	for _, b := range bundles {
		protos, err := a.c.ListPrototypes(ctx, b.ID)
		if err != nil {
			return err
		}
		a.protos = append(a.protos, protos...)
	}

	hosts, err := a.c.ListHosts(ctx, api.ListHostsRequest{})
	if err != nil {
		return err
	}
	a.hosts = make(map[string]*types.Host, len(hosts))
	for _, h := range hosts {
		a.hosts[h.FQDN] = h
	}
	return nil
}

// proto finds a cluster or provider prototype by name
func (a *applier) proto(kind types.ObjectType, name string) (*types.Prototype, error) {
	var found *types.Prototype
	for _, p := range a.protos {
		if p.Type != kind || p.Name != name {
			continue
		}
		if found != nil && found.BundleID != p.BundleID {
			return nil, fmt.Errorf("%s prototype %q is ambiguous", kind, name)
		}
		found = p
	}
	if found == nil {
		return nil, fmt.Errorf("%s prototype %q not found", kind, name)
	}
	return found, nil
}

func (a *applier) provider(ctx context.Context, spec *ProviderSpec) error {
	proto, err := a.proto(types.ObjectProvider, spec.Prototype)
	if err != nil {
		return err
	}
	providers, err := a.c.ListProviders(ctx)
	if err != nil {
		return err
	}
	var provider *types.Provider
	for _, p := range providers {
		if p.Name == spec.Name {
			provider = p
		}
	}
	if provider == nil {
		if provider, err = a.c.CreateProvider(ctx, proto.ID, spec.Name, ""); err != nil {
			return err
		}
		fmt.Printf("✓ Provider %s created\n", spec.Name)
	}
	if len(spec.Config) > 0 {
		if _, err := a.c.UpdateConfig(ctx, provider.Ref(), spec.Config, nil, "apply"); err != nil {
			return err
		}
	}

	for _, fqdn := range spec.Hosts {
		if _, ok := a.hosts[fqdn]; ok {
			continue
		}
		h, err := a.c.CreateHost(ctx, provider.ID, 0, fqdn, "")
		if err != nil {
			return fmt.Errorf("host %s: %w", fqdn, err)
		}
		a.hosts[fqdn] = h
		fmt.Printf("✓ Host %s created\n", fqdn)
	}
	return nil
}

func (a *applier) cluster(ctx context.Context, spec *ClusterSpec) error {
	proto, err := a.proto(types.ObjectCluster, spec.Prototype)
	if err != nil {
		return err
	}
	clusters, err := a.c.ListClusters(ctx)
	if err != nil {
		return err
	}
	var cluster *types.Cluster
	for _, cl := range clusters {
		if cl.Name == spec.Name {
			cluster = cl
		}
	}
	if cluster == nil {
		if cluster, err = a.c.CreateCluster(ctx, proto.ID, spec.Name, spec.Description); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s created\n", spec.Name)
	}

	services, err := a.services(ctx, cluster, spec.Services)
	if err != nil {
		return err
	}

	for _, fqdn := range spec.Hosts {
		h, ok := a.hosts[fqdn]
		if !ok {
			return fmt.Errorf("host %s is not known", fqdn)
		}
		if h.ClusterID == cluster.ID {
			continue
		}
		if a.hosts[fqdn], err = a.c.AddHostToCluster(ctx, cluster.ID, h.ID); err != nil {
			return fmt.Errorf("host %s: %w", fqdn, err)
		}
	}

	if len(spec.Config) > 0 {
		if _, err := a.c.UpdateConfig(ctx, cluster.Ref(), spec.Config, nil, "apply"); err != nil {
			return err
		}
	}

	if len(spec.HostComponent) == 0 {
		return nil
	}
	hc, err := a.hostComponent(ctx, services, spec.HostComponent)
	if err != nil {
		return err
	}
	if _, err := a.c.SetHostComponent(ctx, cluster.ID, hc); err != nil {
		return err
	}
	fmt.Printf("✓ Cluster %s mapped %d host components\n", spec.Name, len(hc))
	return nil
}

// services adds the named services that are missing and returns all of them by name
func (a *applier) services(ctx context.Context, cluster *types.Cluster, names []string) (map[string]*types.Service, error) {
	existing, err := a.c.ListServices(ctx, cluster.ID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*types.Service)
	for _, s := range existing {
		if p := a.byID(s.PrototypeID); p != nil {
			byName[p.Name] = s
		}
	}
	for _, name := range names {
		if _, ok := byName[name]; ok {
			continue
		}
		proto, err := a.serviceProto(cluster.PrototypeID, name)
		if err != nil {
			return nil, err
		}
		s, err := a.c.AddService(ctx, cluster.ID, proto.ID)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", name, err)
		}
		byName[name] = s
		fmt.Printf("✓ Service %s added\n", name)
	}
	return byName, nil
}

func (a *applier) serviceProto(clusterProto int64, name string) (*types.Prototype, error) {
	cp := a.byID(clusterProto)
	for _, p := range a.protos {
		if p.Type == types.ObjectService && p.Name == name && cp != nil && p.BundleID == cp.BundleID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("service prototype %q not found", name)
}

func (a *applier) byID(id int64) *types.Prototype {
	for _, p := range a.protos {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (a *applier) hostComponent(ctx context.Context, services map[string]*types.Service, entries []HostComponent) ([]types.HostComponent, error) {
	components := make(map[string]map[string]int64)
	hc := make([]types.HostComponent, 0, len(entries))
	for _, e := range entries {
		s, ok := services[e.Service]
		if !ok {
			return nil, fmt.Errorf("service %s is not in the cluster", e.Service)
		}
		if components[e.Service] == nil {
			comps, err := a.c.ListComponents(ctx, s.ID)
			if err != nil {
				return nil, err
			}
			components[e.Service] = make(map[string]int64, len(comps))
			for _, comp := range comps {
				if p := a.byID(comp.PrototypeID); p != nil {
					components[e.Service][p.Name] = comp.ID
				}
			}
		}
		compID, ok := components[e.Service][e.Component]
		if !ok {
			return nil, fmt.Errorf("component %s/%s not found", e.Service, e.Component)
		}
		h, ok := a.hosts[e.Host]
		if !ok {
			return nil, fmt.Errorf("host %s is not known", e.Host)
		}
		hc = append(hc, types.HostComponent{ServiceID: s.ID, ComponentID: compID, HostID: h.ID})
	}
	return hc, nil
}

func isConflict(err error) bool {
	return adcmerr.CodeOf(err) == adcmerr.BundleConflict
}
