package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/adcm/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Index buckets map natural keys to record ids. Unique indexes store the id
// as the value; multi-valued indexes end every key with the id and store
// nothing.
var (
	idxBundleHash     = []byte("idx_bundle_hash")
	idxPrototypes     = []byte("idx_prototype")
	idxClusterNames   = []byte("idx_cluster_name")
	idxProviderNames  = []byte("idx_provider_name")
	idxHostFQDNs      = []byte("idx_host_fqdn")
	idxConcernOwners  = []byte("idx_concern_owner")
	idxConcernRelated = []byte("idx_concern_related")
	idxConcernTasks   = []byte("idx_concern_task")
)

var indexBuckets = [][]byte{
	idxBundleHash,
	idxPrototypes,
	idxClusterNames,
	idxProviderNames,
	idxHostFQDNs,
	idxConcernOwners,
	idxConcernRelated,
	idxConcernTasks,
}

const sep = 0

func joinKey(parts ...[]byte) []byte {
	return bytes.Join(parts, []byte{sep})
}

func lookupID(tx *bolt.Tx, index, key []byte) int64 {
	if len(key) == 0 {
		return 0
	}
	v := tx.Bucket(index).Get(key)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

// scanIDs returns the ids closing every key that starts with prefix
func scanIDs(tx *bolt.Tx, index, prefix []byte) []int64 {
	var ids []int64
	c := tx.Bucket(index).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		if len(k) >= 8 {
			ids = append(ids, int64(binary.BigEndian.Uint64(k[len(k)-8:])))
		}
	}
	return ids
}

func hasPrefix(tx *bolt.Tx, index, prefix []byte) bool {
	k, _ := tx.Bucket(index).Cursor().Seek(prefix)
	return k != nil && bytes.HasPrefix(k, prefix)
}

// protoPrefix covers every prototype of a bundle
func protoPrefix(bundleID int64) []byte {
	return append(itob(bundleID), sep)
}

// protoKey is unique per (bundle, type, parent, name); the parent keeps
// equally named components of different services apart
func protoKey(bundleID int64, kind types.ObjectType, parentID int64, name string) []byte {
	return joinKey(itob(bundleID), []byte(kind), itob(parentID), []byte(name))
}

func refPrefix(ref types.ObjectRef) []byte {
	return append([]byte(ref.String()), sep)
}

// ownerPrefix covers the concerns of an owner with one type and cause
func ownerPrefix(owner types.ObjectRef, kind types.ConcernType, cause types.ConcernCause) []byte {
	p := append(refPrefix(owner), string(kind)...)
	p = append(p, sep)
	p = append(p, string(cause)...)
	return append(p, sep)
}

// ownerFilterPrefix narrows the owner index as far as a filter allows
func ownerFilterPrefix(owner types.ObjectRef, kind types.ConcernType, cause types.ConcernCause) []byte {
	switch {
	case kind == "":
		return refPrefix(owner)
	case cause == "":
		return append(append(refPrefix(owner), string(kind)...), sep)
	}
	return ownerPrefix(owner, kind, cause)
}

func concernOwnerKey(c *types.Concern) []byte {
	return append(ownerPrefix(c.Owner, c.Type, c.Cause), itob(c.ID)...)
}

func concernRelatedKey(ref types.ObjectRef, id int64) []byte {
	return append(refPrefix(ref), itob(id)...)
}

func concernTaskKey(c *types.Concern) []byte {
	return append(itob(c.TaskID), itob(c.ID)...)
}

func indexConcern(tx *bolt.Tx, c *types.Concern) error {
	if err := tx.Bucket(idxConcernOwners).Put(concernOwnerKey(c), []byte{}); err != nil {
		return err
	}
	if c.TaskID != 0 {
		if err := tx.Bucket(idxConcernTasks).Put(concernTaskKey(c), []byte{}); err != nil {
			return err
		}
	}
	related := tx.Bucket(idxConcernRelated)
	for _, ref := range c.Related {
		if err := related.Put(concernRelatedKey(ref, c.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

func unindexConcern(tx *bolt.Tx, c *types.Concern) error {
	if err := tx.Bucket(idxConcernOwners).Delete(concernOwnerKey(c)); err != nil {
		return err
	}
	if err := tx.Bucket(idxConcernTasks).Delete(concernTaskKey(c)); err != nil {
		return err
	}
	related := tx.Bucket(idxConcernRelated)
	for _, ref := range c.Related {
		if err := related.Delete(concernRelatedKey(ref, c.ID)); err != nil {
			return err
		}
	}
	return nil
}

// claim records key -> id in a unique index; empty keys stay unindexed
func claim(tx *bolt.Tx, index, key []byte, id int64) error {
	if len(key) == 0 {
		return nil
	}
	return tx.Bucket(index).Put(key, itob(id))
}

func release(tx *bolt.Tx, index, key []byte) error {
	if len(key) == 0 {
		return nil
	}
	return tx.Bucket(index).Delete(key)
}

// moveKey repoints a unique index entry when a natural key changes
func moveKey(tx *bolt.Tx, index, oldKey, newKey []byte, id int64) error {
	if bytes.Equal(oldKey, newKey) {
		return nil
	}
	if err := release(tx, index, oldKey); err != nil {
		return err
	}
	return claim(tx, index, newKey, id)
}

// rebuildIndexes drops and refills every index from the data buckets.
// Databases written before the indexes existed get them on first open.
func rebuildIndexes(tx *bolt.Tx) error {
	for _, name := range indexBuckets {
		if tx.Bucket(name) != nil {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to drop index %s: %w", name, err)
			}
		}
		if _, err := tx.CreateBucket(name); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	bundles, err := list[types.Bundle](tx, bucketBundles, nil)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if err := claim(tx, idxBundleHash, []byte(b.Hash), b.ID); err != nil {
			return err
		}
	}
	protos, err := list[types.Prototype](tx, bucketPrototypes, nil)
	if err != nil {
		return err
	}
	for _, p := range protos {
		if err := claim(tx, idxPrototypes, protoKey(p.BundleID, p.Type, p.ParentID, p.Name), p.ID); err != nil {
			return err
		}
	}
	clusters, err := list[types.Cluster](tx, bucketClusters, nil)
	if err != nil {
		return err
	}
	for _, c := range clusters {
		if err := claim(tx, idxClusterNames, []byte(c.Name), c.ID); err != nil {
			return err
		}
	}
	providers, err := list[types.Provider](tx, bucketProviders, nil)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if err := claim(tx, idxProviderNames, []byte(p.Name), p.ID); err != nil {
			return err
		}
	}
	hosts, err := list[types.Host](tx, bucketHosts, nil)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if err := claim(tx, idxHostFQDNs, []byte(h.FQDN), h.ID); err != nil {
			return err
		}
	}
	concerns, err := list[types.Concern](tx, bucketConcerns, nil)
	if err != nil {
		return err
	}
	for _, c := range concerns {
		if err := indexConcern(tx, c); err != nil {
			return err
		}
	}
	return nil
}

// Reindex rebuilds every index; adcm-fsck runs it on repair
func (s *BoltStore) Reindex() error {
	return s.db.Update(rebuildIndexes)
}
