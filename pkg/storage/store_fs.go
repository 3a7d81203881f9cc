package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"chargepoint/pkg/utils/fileutil"
	"golang.org/x/mod/sumdb"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// FsClient keeps one JSON document per key under <root>/<group>/<resource>.
type FsClient struct {
	storePath string
}

var _ Storage = (*FsClient)(nil)

// NewFsClient prepares the directories of a store group below root. An empty
// root falls back to the per-user default store path.
func NewFsClient(root string, sg StoreGroup) (*FsClient, error) {
	if len(root) == 0 {
		root = DefaultStorePath()
	}
	resources, ok := groupResources[sg]
	if !ok {
		return nil, fmt.Errorf("unsupported store group %d", sg)
	}

	fc := &FsClient{storePath: filepath.Join(root, StoreGroupToString[sg])}
	for _, r := range resources {
		p := filepath.Join(fc.storePath, r)
		_, err := os.Stat(p)
		if os.IsNotExist(err) {
			absPath, _ := filepath.Abs(p)
			klog.V(2).InfoS("Created", "path", absPath)
			if err = os.MkdirAll(p, 0711); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}
	return fc, nil
}

func (fc *FsClient) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(fc.storePath, key))
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(2).InfoS("Failed to read", "key", key, "err", err)
		}
		return nil, err
	}
	return data, nil
}

func (fc *FsClient) List(key string) ([]*FileInfo, error) {
	var files []*FileInfo
	err := filepath.Walk(filepath.Join(fc.storePath, key), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) != ".lock" {
			files = append(files, &FileInfo{
				Path:    path,
				ModTime: info.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		klog.V(2).InfoS("Failed to list", "key", key, "err", err)
		return nil, err
	}
	return files, nil
}

// Put encodes obj and replaces the document stored under key. Concurrent
// writers of the same key are rejected with sumdb.ErrWriteConflict.
func (fc *FsClient) Put(key string, obj interface{}) error {
	path := filepath.Join(fc.storePath, key)
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		klog.V(2).InfoS("Failed to encode", "key", key, "err", err)
		return err
	}

	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		if isEphemeralError(err) {
			return sumdb.ErrWriteConflict
		}
		klog.V(2).InfoS("Failed to open lock file", "key", key, "err", err)
		return err
	}
	defer lf.Close()

	lock, err := fileutil.NewLock(lf)
	if err != nil {
		klog.V(2).InfoS("Failed to lock", "key", key, "err", err)
		return sumdb.ErrWriteConflict
	}
	defer lock.Release()

	if err = fileutil.WriteFileAtomic(path, data, 0640); err != nil {
		klog.V(2).InfoS("Failed to write", "key", key, "err", err)
		return err
	}
	return nil
}

func (fc *FsClient) Delete(key string) error {
	var lastErr error
	c, cancel := context.WithCancel(context.Background())
	wait.UntilWithContext(c, func(ctx context.Context) {
		err := os.Remove(filepath.Join(fc.storePath, key))
		if isEphemeralError(err) {
			return
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			klog.V(5).InfoS("Failed to remove file", "key", key, "err", err)
			lastErr = err
		}
		cancel()
	}, 0)
	return lastErr
}
