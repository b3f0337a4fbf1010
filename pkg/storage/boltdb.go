package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
	"github.com/cuemby/adcm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBundles        = []byte("bundles")
	bucketPrototypes     = []byte("prototypes")
	bucketActions        = []byte("actions")
	bucketUpgrades       = []byte("upgrades")
	bucketClusters       = []byte("clusters")
	bucketServices       = []byte("services")
	bucketComponents     = []byte("components")
	bucketProviders      = []byte("providers")
	bucketHosts          = []byte("hosts")
	bucketHostComponents = []byte("hostcomponents")
	bucketObjectConfigs  = []byte("object_configs")
	bucketConfigLogs     = []byte("config_logs")
	bucketGroups         = []byte("config_host_groups")
	bucketBinds          = []byte("cluster_binds")
	bucketTasks          = []byte("tasks")
	bucketJobs           = []byte("jobs")
	bucketConcerns       = []byte("concerns")
)

// Buckets lists every bucket the store creates; used by offline tooling
var Buckets = [][]byte{
	bucketBundles,
	bucketPrototypes,
	bucketActions,
	bucketUpgrades,
	bucketClusters,
	bucketServices,
	bucketComponents,
	bucketProviders,
	bucketHosts,
	bucketHostComponents,
	bucketObjectConfigs,
	bucketConfigLogs,
	bucketGroups,
	bucketBinds,
	bucketTasks,
	bucketJobs,
	bucketConcerns,
}

// DBFile is the name of the database file inside the data directory
const DBFile = "adcm.db"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range Buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		for _, index := range indexBuckets {
			if tx.Bucket(index) == nil {
				return rebuildIndexes(tx)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tools
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// insert assigns the next sequence id when *id is zero and stores v
func insert[T any](tx *bolt.Tx, bucket []byte, id *int64, v *T) error {
	b := tx.Bucket(bucket)
	if *id == 0 {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate id in %s: %w", bucket, err)
		}
		*id = int64(seq)
	}
	return put(tx, bucket, *id, v)
}

func put[T any](tx *bolt.Tx, bucket []byte, id int64, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(itob(id), data)
}

func get[T any](tx *bolt.Tx, bucket []byte, id int64, code adcmerr.Code, kind string) (*T, error) {
	data := tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return nil, adcmerr.New(code, "%s %d does not exist", kind, id)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %d: %w", kind, id, err)
	}
	return &v, nil
}

// update requires the record to exist before overwriting it
func update[T any](tx *bolt.Tx, bucket []byte, id int64, v *T, code adcmerr.Code, kind string) error {
	if tx.Bucket(bucket).Get(itob(id)) == nil {
		return adcmerr.New(code, "%s %d does not exist", kind, id)
	}
	return put(tx, bucket, id, v)
}

// peek returns the stored record or nil when there is none
func peek[T any](tx *bolt.Tx, bucket []byte, id int64) (*T, error) {
	data := tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %d: %w", bucket, id, err)
	}
	return &v, nil
}

// getMany loads the records behind index ids in id order
func getMany[T any](tx *bolt.Tx, bucket []byte, ids []int64, keep func(*T) bool) ([]*T, error) {
	slices.Sort(ids)
	ids = slices.Compact(ids)
	var out []*T
	for _, id := range ids {
		v, err := peek[T](tx, bucket, id)
		if err != nil {
			return nil, err
		}
		if v != nil && (keep == nil || keep(v)) {
			out = append(out, v)
		}
	}
	return out, nil
}

func list[T any](tx *bolt.Tx, bucket []byte, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func del(tx *bolt.Tx, bucket []byte, id int64) error {
	return tx.Bucket(bucket).Delete(itob(id))
}

// Bundle operations
func (t *boltTx) CreateBundle(bundle *types.Bundle) error {
	if dup := lookupID(t.tx, idxBundleHash, []byte(bundle.Hash)); dup != 0 {
		return adcmerr.New(adcmerr.BundleConflict, "bundle with hash %s is already loaded as #%d", bundle.Hash, dup)
	}
	if err := insert(t.tx, bucketBundles, &bundle.ID, bundle); err != nil {
		return err
	}
	return claim(t.tx, idxBundleHash, []byte(bundle.Hash), bundle.ID)
}

func (t *boltTx) GetBundle(id int64) (*types.Bundle, error) {
	return get[types.Bundle](t.tx, bucketBundles, id, adcmerr.BundleNotFound, "bundle")
}

func (t *boltTx) ListBundles() ([]*types.Bundle, error) {
	return list[types.Bundle](t.tx, bucketBundles, nil)
}

func (t *boltTx) DeleteBundle(id int64) error {
	old, err := peek[types.Bundle](t.tx, bucketBundles, id)
	if err != nil || old == nil {
		return err
	}
	if err := release(t.tx, idxBundleHash, []byte(old.Hash)); err != nil {
		return err
	}
	return del(t.tx, bucketBundles, id)
}

// Prototype operations
func (t *boltTx) CreatePrototype(proto *types.Prototype) error {
	key := protoKey(proto.BundleID, proto.Type, proto.ParentID, proto.Name)
	if lookupID(t.tx, idxPrototypes, key) != 0 {
		return adcmerr.New(adcmerr.BundleError, "duplicate %s prototype %q in bundle %d", proto.Type, proto.Name, proto.BundleID)
	}
	if err := insert(t.tx, bucketPrototypes, &proto.ID, proto); err != nil {
		return err
	}
	return claim(t.tx, idxPrototypes, key, proto.ID)
}

func (t *boltTx) GetPrototype(id int64) (*types.Prototype, error) {
	return get[types.Prototype](t.tx, bucketPrototypes, id, adcmerr.PrototypeNotFound, "prototype")
}

func (t *boltTx) FindPrototype(bundleID int64, kind types.ObjectType, name string) (*types.Prototype, error) {
	id := lookupID(t.tx, idxPrototypes, protoKey(bundleID, kind, 0, name))
	if id == 0 {
		return nil, adcmerr.New(adcmerr.PrototypeNotFound, "%s prototype %q not found in bundle %d", kind, name, bundleID)
	}
	return t.GetPrototype(id)
}

func (t *boltTx) FindComponentPrototype(service *types.Prototype, name string) (*types.Prototype, error) {
	id := lookupID(t.tx, idxPrototypes, protoKey(service.BundleID, types.ObjectComponent, service.ID, name))
	if id == 0 {
		return nil, adcmerr.New(adcmerr.PrototypeNotFound, "component %q not found in service %q", name, service.Name)
	}
	return t.GetPrototype(id)
}

func (t *boltTx) ListPrototypes(bundleID int64) ([]*types.Prototype, error) {
	if bundleID == 0 {
		return list[types.Prototype](t.tx, bucketPrototypes, nil)
	}
	return getMany[types.Prototype](t.tx, bucketPrototypes, scanIDs(t.tx, idxPrototypes, protoPrefix(bundleID)), nil)
}

// UpdatePrototype is used for license acceptance only; prototypes are
// otherwise immutable after bundle load
func (t *boltTx) UpdatePrototype(proto *types.Prototype) error {
	return update(t.tx, bucketPrototypes, proto.ID, proto, adcmerr.PrototypeNotFound, "prototype")
}

func (t *boltTx) DeletePrototype(id int64) error {
	old, err := peek[types.Prototype](t.tx, bucketPrototypes, id)
	if err != nil || old == nil {
		return err
	}
	if err := release(t.tx, idxPrototypes, protoKey(old.BundleID, old.Type, old.ParentID, old.Name)); err != nil {
		return err
	}
	return del(t.tx, bucketPrototypes, id)
}

// Action operations
func (t *boltTx) CreateAction(action *types.Action) error {
	return insert(t.tx, bucketActions, &action.ID, action)
}

func (t *boltTx) GetAction(id int64) (*types.Action, error) {
	return get[types.Action](t.tx, bucketActions, id, adcmerr.ActionNotFound, "action")
}

func (t *boltTx) ListActions(prototypeID int64) ([]*types.Action, error) {
	return list(t.tx, bucketActions, func(a *types.Action) bool {
		return prototypeID == 0 || a.PrototypeID == prototypeID
	})
}

func (t *boltTx) DeleteAction(id int64) error {
	return del(t.tx, bucketActions, id)
}

// Upgrade operations
func (t *boltTx) CreateUpgrade(upgrade *types.Upgrade) error {
	return insert(t.tx, bucketUpgrades, &upgrade.ID, upgrade)
}

func (t *boltTx) GetUpgrade(id int64) (*types.Upgrade, error) {
	return get[types.Upgrade](t.tx, bucketUpgrades, id, adcmerr.UpgradeNotFound, "upgrade")
}

func (t *boltTx) ListUpgrades(bundleID int64) ([]*types.Upgrade, error) {
	return list(t.tx, bucketUpgrades, func(u *types.Upgrade) bool {
		return bundleID == 0 || u.BundleID == bundleID
	})
}

func (t *boltTx) UpdateUpgrade(upgrade *types.Upgrade) error {
	return update(t.tx, bucketUpgrades, upgrade.ID, upgrade, adcmerr.UpgradeNotFound, "upgrade")
}

func (t *boltTx) DeleteUpgrade(id int64) error {
	return del(t.tx, bucketUpgrades, id)
}

// Cluster operations
func (t *boltTx) CreateCluster(cluster *types.Cluster) error {
	if lookupID(t.tx, idxClusterNames, []byte(cluster.Name)) != 0 {
		return adcmerr.New(adcmerr.ClusterConflict, "cluster with name %q already exists", cluster.Name)
	}
	if err := insert(t.tx, bucketClusters, &cluster.ID, cluster); err != nil {
		return err
	}
	return claim(t.tx, idxClusterNames, []byte(cluster.Name), cluster.ID)
}

func (t *boltTx) GetCluster(id int64) (*types.Cluster, error) {
	return get[types.Cluster](t.tx, bucketClusters, id, adcmerr.ClusterNotFound, "cluster")
}

func (t *boltTx) GetClusterByName(name string) (*types.Cluster, error) {
	id := lookupID(t.tx, idxClusterNames, []byte(name))
	if id == 0 {
		return nil, adcmerr.New(adcmerr.ClusterNotFound, "cluster %q does not exist", name)
	}
	return t.GetCluster(id)
}

func (t *boltTx) ListClusters() ([]*types.Cluster, error) {
	return list[types.Cluster](t.tx, bucketClusters, nil)
}

func (t *boltTx) UpdateCluster(cluster *types.Cluster) error {
	old, err := t.GetCluster(cluster.ID)
	if err != nil {
		return err
	}
	if old.Name != cluster.Name {
		if lookupID(t.tx, idxClusterNames, []byte(cluster.Name)) != 0 {
			return adcmerr.New(adcmerr.ClusterConflict, "cluster with name %q already exists", cluster.Name)
		}
		if err := moveKey(t.tx, idxClusterNames, []byte(old.Name), []byte(cluster.Name), cluster.ID); err != nil {
			return err
		}
	}
	return put(t.tx, bucketClusters, cluster.ID, cluster)
}

func (t *boltTx) DeleteCluster(id int64) error {
	old, err := peek[types.Cluster](t.tx, bucketClusters, id)
	if err != nil || old == nil {
		return err
	}
	if err := t.tx.Bucket(bucketHostComponents).Delete(itob(id)); err != nil {
		return err
	}
	if err := release(t.tx, idxClusterNames, []byte(old.Name)); err != nil {
		return err
	}
	return del(t.tx, bucketClusters, id)
}

// Service operations
func (t *boltTx) CreateService(service *types.Service) error {
	return insert(t.tx, bucketServices, &service.ID, service)
}

func (t *boltTx) GetService(id int64) (*types.Service, error) {
	return get[types.Service](t.tx, bucketServices, id, adcmerr.ServiceNotFound, "service")
}

func (t *boltTx) ListServices(clusterID int64) ([]*types.Service, error) {
	return list(t.tx, bucketServices, func(s *types.Service) bool {
		return clusterID == 0 || s.ClusterID == clusterID
	})
}

func (t *boltTx) UpdateService(service *types.Service) error {
	return update(t.tx, bucketServices, service.ID, service, adcmerr.ServiceNotFound, "service")
}

func (t *boltTx) DeleteService(id int64) error {
	return del(t.tx, bucketServices, id)
}

// Component operations
func (t *boltTx) CreateComponent(component *types.Component) error {
	return insert(t.tx, bucketComponents, &component.ID, component)
}

func (t *boltTx) GetComponent(id int64) (*types.Component, error) {
	return get[types.Component](t.tx, bucketComponents, id, adcmerr.ComponentNotFound, "component")
}

func (t *boltTx) ListComponents(serviceID int64) ([]*types.Component, error) {
	return list(t.tx, bucketComponents, func(c *types.Component) bool {
		return serviceID == 0 || c.ServiceID == serviceID
	})
}

func (t *boltTx) ListClusterComponents(clusterID int64) ([]*types.Component, error) {
	return list(t.tx, bucketComponents, func(c *types.Component) bool {
		return c.ClusterID == clusterID
	})
}

func (t *boltTx) UpdateComponent(component *types.Component) error {
	return update(t.tx, bucketComponents, component.ID, component, adcmerr.ComponentNotFound, "component")
}

func (t *boltTx) DeleteComponent(id int64) error {
	return del(t.tx, bucketComponents, id)
}

// Provider operations
func (t *boltTx) CreateProvider(provider *types.Provider) error {
	if lookupID(t.tx, idxProviderNames, []byte(provider.Name)) != 0 {
		return adcmerr.New(adcmerr.ProviderConflict, "host provider with name %q already exists", provider.Name)
	}
	if err := insert(t.tx, bucketProviders, &provider.ID, provider); err != nil {
		return err
	}
	return claim(t.tx, idxProviderNames, []byte(provider.Name), provider.ID)
}

func (t *boltTx) GetProvider(id int64) (*types.Provider, error) {
	return get[types.Provider](t.tx, bucketProviders, id, adcmerr.ProviderNotFound, "host provider")
}

func (t *boltTx) GetProviderByName(name string) (*types.Provider, error) {
	id := lookupID(t.tx, idxProviderNames, []byte(name))
	if id == 0 {
		return nil, adcmerr.New(adcmerr.ProviderNotFound, "host provider %q does not exist", name)
	}
	return t.GetProvider(id)
}

func (t *boltTx) ListProviders() ([]*types.Provider, error) {
	return list[types.Provider](t.tx, bucketProviders, nil)
}

func (t *boltTx) UpdateProvider(provider *types.Provider) error {
	old, err := t.GetProvider(provider.ID)
	if err != nil {
		return err
	}
	if old.Name != provider.Name {
		if lookupID(t.tx, idxProviderNames, []byte(provider.Name)) != 0 {
			return adcmerr.New(adcmerr.ProviderConflict, "host provider with name %q already exists", provider.Name)
		}
		if err := moveKey(t.tx, idxProviderNames, []byte(old.Name), []byte(provider.Name), provider.ID); err != nil {
			return err
		}
	}
	return put(t.tx, bucketProviders, provider.ID, provider)
}

func (t *boltTx) DeleteProvider(id int64) error {
	old, err := peek[types.Provider](t.tx, bucketProviders, id)
	if err != nil || old == nil {
		return err
	}
	if err := release(t.tx, idxProviderNames, []byte(old.Name)); err != nil {
		return err
	}
	return del(t.tx, bucketProviders, id)
}

// Host operations
func (t *boltTx) CreateHost(host *types.Host) error {
	if lookupID(t.tx, idxHostFQDNs, []byte(host.FQDN)) != 0 {
		return adcmerr.New(adcmerr.HostConflict, "host with fqdn %q already exists", host.FQDN)
	}
	if err := insert(t.tx, bucketHosts, &host.ID, host); err != nil {
		return err
	}
	return claim(t.tx, idxHostFQDNs, []byte(host.FQDN), host.ID)
}

func (t *boltTx) GetHost(id int64) (*types.Host, error) {
	return get[types.Host](t.tx, bucketHosts, id, adcmerr.HostNotFound, "host")
}

func (t *boltTx) GetHostByFQDN(fqdn string) (*types.Host, error) {
	id := lookupID(t.tx, idxHostFQDNs, []byte(fqdn))
	if id == 0 {
		return nil, adcmerr.New(adcmerr.HostNotFound, "host %q does not exist", fqdn)
	}
	return t.GetHost(id)
}

func (t *boltTx) ListHosts(filter HostFilter) ([]*types.Host, error) {
	return list(t.tx, bucketHosts, func(h *types.Host) bool {
		if filter.ProviderID != 0 && h.ProviderID != filter.ProviderID {
			return false
		}
		if filter.ClusterID != 0 && h.ClusterID != filter.ClusterID {
			return false
		}
		if filter.Unattached && h.ClusterID != 0 {
			return false
		}
		return true
	})
}

func (t *boltTx) UpdateHost(host *types.Host) error {
	old, err := t.GetHost(host.ID)
	if err != nil {
		return err
	}
	if old.FQDN != host.FQDN {
		if lookupID(t.tx, idxHostFQDNs, []byte(host.FQDN)) != 0 {
			return adcmerr.New(adcmerr.HostConflict, "host with fqdn %q already exists", host.FQDN)
		}
		if err := moveKey(t.tx, idxHostFQDNs, []byte(old.FQDN), []byte(host.FQDN), host.ID); err != nil {
			return err
		}
	}
	return put(t.tx, bucketHosts, host.ID, host)
}

func (t *boltTx) DeleteHost(id int64) error {
	old, err := peek[types.Host](t.tx, bucketHosts, id)
	if err != nil || old == nil {
		return err
	}
	if err := release(t.tx, idxHostFQDNs, []byte(old.FQDN)); err != nil {
		return err
	}
	return del(t.tx, bucketHosts, id)
}

// Host-component operations
func (t *boltTx) ListHostComponents(clusterID int64) ([]types.HostComponent, error) {
	data := t.tx.Bucket(bucketHostComponents).Get(itob(clusterID))
	if data == nil {
		return nil, nil
	}
	var entries []types.HostComponent
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode host-component map of cluster %d: %w", clusterID, err)
	}
	return entries, nil
}

func (t *boltTx) ReplaceHostComponents(clusterID int64, entries []types.HostComponent) error {
	seen := make(map[string]bool, len(entries))
	sorted := make([]types.HostComponent, 0, len(entries))
	for _, e := range entries {
		if e.ClusterID != clusterID {
			return adcmerr.New(adcmerr.InvalidInput, "host-component entry %s belongs to cluster %d, not %d", e.Key(), e.ClusterID, clusterID)
		}
		if seen[e.Key()] {
			return adcmerr.New(adcmerr.InvalidInput, "duplicate host-component entry %s", e.Key())
		}
		seen[e.Key()] = true
		sorted = append(sorted, e)
	}
	if len(sorted) == 0 {
		return t.tx.Bucket(bucketHostComponents).Delete(itob(clusterID))
	}
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ServiceID != b.ServiceID {
			return a.ServiceID < b.ServiceID
		}
		if a.ComponentID != b.ComponentID {
			return a.ComponentID < b.ComponentID
		}
		return a.HostID < b.HostID
	})
	data, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketHostComponents).Put(itob(clusterID), data)
}

// Config operations
func (t *boltTx) CreateObjectConfig(oc *types.ObjectConfig) error {
	return insert(t.tx, bucketObjectConfigs, &oc.ID, oc)
}

func (t *boltTx) GetObjectConfig(id int64) (*types.ObjectConfig, error) {
	return get[types.ObjectConfig](t.tx, bucketObjectConfigs, id, adcmerr.ConfigNotFound, "object config")
}

func (t *boltTx) UpdateObjectConfig(oc *types.ObjectConfig) error {
	if oc.Current != 0 {
		cl, err := t.GetConfigLog(oc.Current)
		if err != nil {
			return err
		}
		if cl.ObjConfID != oc.ID {
			return adcmerr.New(adcmerr.InvalidInput, "config log %d does not belong to object config %d", cl.ID, oc.ID)
		}
	}
	return update(t.tx, bucketObjectConfigs, oc.ID, oc, adcmerr.ConfigNotFound, "object config")
}

// DeleteObjectConfig removes the config and all of its logs
func (t *boltTx) DeleteObjectConfig(id int64) error {
	logs, err := t.ListConfigLogs(id)
	if err != nil {
		return err
	}
	for _, cl := range logs {
		if err := del(t.tx, bucketConfigLogs, cl.ID); err != nil {
			return err
		}
	}
	return del(t.tx, bucketObjectConfigs, id)
}

func (t *boltTx) CreateConfigLog(cl *types.ConfigLog) error {
	if cl.ID != 0 {
		return adcmerr.New(adcmerr.InvalidInput, "config logs are append-only")
	}
	return insert(t.tx, bucketConfigLogs, &cl.ID, cl)
}

func (t *boltTx) GetConfigLog(id int64) (*types.ConfigLog, error) {
	return get[types.ConfigLog](t.tx, bucketConfigLogs, id, adcmerr.ConfigNotFound, "config log")
}

func (t *boltTx) ListConfigLogs(objConfID int64) ([]*types.ConfigLog, error) {
	return list(t.tx, bucketConfigLogs, func(cl *types.ConfigLog) bool { return cl.ObjConfID == objConfID })
}

// Group operations
func (t *boltTx) CreateGroup(group *types.ConfigHostGroup) error {
	dups, err := list(t.tx, bucketGroups, func(g *types.ConfigHostGroup) bool {
		return g.Owner == group.Owner && g.Name == group.Name
	})
	if err != nil {
		return err
	}
	if len(dups) > 0 {
		return adcmerr.New(adcmerr.GroupConfigError, "group %q already exists for %s", group.Name, group.Owner)
	}
	return insert(t.tx, bucketGroups, &group.ID, group)
}

func (t *boltTx) GetGroup(id int64) (*types.ConfigHostGroup, error) {
	return get[types.ConfigHostGroup](t.tx, bucketGroups, id, adcmerr.GroupNotFound, "config host group")
}

func (t *boltTx) ListGroups(owner *types.ObjectRef) ([]*types.ConfigHostGroup, error) {
	return list(t.tx, bucketGroups, func(g *types.ConfigHostGroup) bool {
		return owner == nil || g.Owner == *owner
	})
}

func (t *boltTx) UpdateGroup(group *types.ConfigHostGroup) error {
	return update(t.tx, bucketGroups, group.ID, group, adcmerr.GroupNotFound, "config host group")
}

func (t *boltTx) DeleteGroup(id int64) error {
	return del(t.tx, bucketGroups, id)
}

// Bind operations
func (t *boltTx) CreateBind(bind *types.ClusterBind) error {
	return insert(t.tx, bucketBinds, &bind.ID, bind)
}

func (t *boltTx) ListBinds(filter BindFilter) ([]*types.ClusterBind, error) {
	return list(t.tx, bucketBinds, func(b *types.ClusterBind) bool {
		if filter.ClusterID != 0 && b.ClusterID != filter.ClusterID {
			return false
		}
		if filter.ServiceID != 0 && b.ServiceID != filter.ServiceID {
			return false
		}
		if filter.ClusterOnly && b.ServiceID != 0 {
			return false
		}
		if filter.SourceClusterID != 0 && b.SourceClusterID != filter.SourceClusterID {
			return false
		}
		if filter.SourceServiceID != 0 && b.SourceServiceID != filter.SourceServiceID {
			return false
		}
		return true
	})
}

func (t *boltTx) DeleteBind(id int64) error {
	return del(t.tx, bucketBinds, id)
}

// Task operations
func (t *boltTx) CreateTask(task *types.Task) error {
	return insert(t.tx, bucketTasks, &task.ID, task)
}

func (t *boltTx) GetTask(id int64) (*types.Task, error) {
	return get[types.Task](t.tx, bucketTasks, id, adcmerr.TaskNotFound, "task")
}

func (t *boltTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	return list(t.tx, bucketTasks, func(task *types.Task) bool {
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, task.Status) {
			return false
		}
		if filter.Target != nil && task.Target != *filter.Target {
			return false
		}
		return true
	})
}

func (t *boltTx) UpdateTask(task *types.Task) error {
	return update(t.tx, bucketTasks, task.ID, task, adcmerr.TaskNotFound, "task")
}

func (t *boltTx) CreateJob(job *types.Job) error {
	return insert(t.tx, bucketJobs, &job.ID, job)
}

func (t *boltTx) GetJob(id int64) (*types.Job, error) {
	return get[types.Job](t.tx, bucketJobs, id, adcmerr.JobNotFound, "job")
}

// ListJobs returns the jobs of a task in declaration order
func (t *boltTx) ListJobs(taskID int64) ([]*types.Job, error) {
	jobs, err := list(t.tx, bucketJobs, func(j *types.Job) bool { return j.TaskID == taskID })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Index < jobs[j].Index })
	return jobs, nil
}

func (t *boltTx) UpdateJob(job *types.Job) error {
	return update(t.tx, bucketJobs, job.ID, job, adcmerr.JobNotFound, "job")
}

// Concern operations
func (t *boltTx) CreateConcern(concern *types.Concern) error {
	if concern.Type != types.ConcernLock && hasPrefix(t.tx, idxConcernOwners, ownerPrefix(concern.Owner, concern.Type, concern.Cause)) {
		return adcmerr.New(adcmerr.IssueIntegrityError, "%s concern with cause %s already exists for %s", concern.Type, concern.Cause, concern.Owner)
	}
	if err := insert(t.tx, bucketConcerns, &concern.ID, concern); err != nil {
		return err
	}
	return indexConcern(t.tx, concern)
}

func (t *boltTx) GetConcern(id int64) (*types.Concern, error) {
	return get[types.Concern](t.tx, bucketConcerns, id, adcmerr.IssueIntegrityError, "concern")
}

// ListConcerns reads through the owner, task or related index when the
// filter names one and scans the bucket otherwise
func (t *boltTx) ListConcerns(filter ConcernFilter) ([]*types.Concern, error) {
	keep := func(c *types.Concern) bool {
		if filter.Owner != nil && c.Owner != *filter.Owner {
			return false
		}
		if filter.Related != nil && !c.Covers(*filter.Related) {
			return false
		}
		if filter.Type != "" && c.Type != filter.Type {
			return false
		}
		if filter.Cause != "" && c.Cause != filter.Cause {
			return false
		}
		if filter.TaskID != 0 && c.TaskID != filter.TaskID {
			return false
		}
		return true
	}
	switch {
	case filter.Owner != nil:
		prefix := ownerFilterPrefix(*filter.Owner, filter.Type, filter.Cause)
		return getMany(t.tx, bucketConcerns, scanIDs(t.tx, idxConcernOwners, prefix), keep)
	case filter.TaskID != 0:
		return getMany(t.tx, bucketConcerns, scanIDs(t.tx, idxConcernTasks, itob(filter.TaskID)), keep)
	case filter.Related != nil:
		return getMany(t.tx, bucketConcerns, scanIDs(t.tx, idxConcernRelated, refPrefix(*filter.Related)), keep)
	}
	return list(t.tx, bucketConcerns, keep)
}

func (t *boltTx) UpdateConcern(concern *types.Concern) error {
	old, err := t.GetConcern(concern.ID)
	if err != nil {
		return err
	}
	if err := unindexConcern(t.tx, old); err != nil {
		return err
	}
	if err := put(t.tx, bucketConcerns, concern.ID, concern); err != nil {
		return err
	}
	return indexConcern(t.tx, concern)
}

func (t *boltTx) DeleteConcern(id int64) error {
	old, err := peek[types.Concern](t.tx, bucketConcerns, id)
	if err != nil || old == nil {
		return err
	}
	if err := unindexConcern(t.tx, old); err != nil {
		return err
	}
	return del(t.tx, bucketConcerns, id)
}
