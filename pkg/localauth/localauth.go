// Package localauth keeps the local authorization list pushed by the central
// system and the cache of remote Authorize answers.
package localauth

import (
	"sync"
	"time"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"k8s.io/klog/v2"
)

// Document is the persisted form of the local list.
type Document struct {
	ListVersion int                           `json:"listVersion"`
	IdTagList   []localauth.AuthorizationData `json:"idTagList"`
}

type Persister interface {
	Load() (Document, bool, error)
	Save(Document) error
}

type Option func(*List)

// WithListEnabled consults enabled before every use of the local list.
func WithListEnabled(enabled func() bool) Option {
	return func(l *List) {
		l.listEnabled = enabled
	}
}

// WithCacheEnabled consults enabled before every use of the cache.
func WithCacheEnabled(enabled func() bool) Option {
	return func(l *List) {
		l.cacheEnabled = enabled
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *List) {
		l.now = now
	}
}

type List struct {
	mu           sync.RWMutex
	version      int
	entries      map[string]types.IdTagInfo
	cache        map[string]types.IdTagInfo
	persister    Persister
	listEnabled  func() bool
	cacheEnabled func() bool
	now          func() time.Time
}

func enabled() bool { return true }

func New(persister Persister, opts ...Option) *List {
	l := &List{
		entries:      make(map[string]types.IdTagInfo),
		cache:        make(map[string]types.IdTagInfo),
		persister:    persister,
		listEnabled:  enabled,
		cacheEnabled: enabled,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if persister == nil {
		return l
	}
	doc, ok, err := persister.Load()
	if err != nil {
		klog.ErrorS(err, "Failed to load local authorization list")
		return l
	}
	if ok {
		l.version = doc.ListVersion
		l.mergeLocked(doc.IdTagList)
		klog.V(2).InfoS("Loaded local authorization list", "version", l.version, "entries", len(l.entries))
	}
	return l
}

func (l *List) ListEnabled() bool {
	return l.listEnabled()
}

// Version reports the installed list version, 0 when none was installed.
func (l *List) Version() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Lookup searches the local list and then the cache. An entry whose expiry
// date has passed is reported with status Expired.
func (l *List) Lookup(idTag string) (types.IdTagInfo, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listEnabled() {
		if info, ok := l.entries[idTag]; ok {
			return l.checkExpiry(info), true
		}
	}
	if l.cacheEnabled() {
		if info, ok := l.cache[idTag]; ok {
			return l.checkExpiry(info), true
		}
	}
	return types.IdTagInfo{}, false
}

func (l *List) checkExpiry(info types.IdTagInfo) types.IdTagInfo {
	if info.ExpiryDate != nil && !info.ExpiryDate.Time.After(l.now()) &&
		info.Status == types.AuthorizationStatusAccepted {
		info.Status = types.AuthorizationStatusExpired
	}
	return info
}

func (l *List) IsAuthorized(idTag string) bool {
	info, ok := l.Lookup(idTag)
	return ok && info.Status == types.AuthorizationStatusAccepted
}

// Remember caches the answer of a remote Authorize.
func (l *List) Remember(idTag string, info types.IdTagInfo) {
	if !l.cacheEnabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[idTag] = info
}

// ClearCache empties the cache and leaves the local list alone.
func (l *List) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	klog.V(2).InfoS("Clearing authorization cache", "entries", len(l.cache))
	l.cache = make(map[string]types.IdTagInfo)
}

// Replace installs list as the complete local list.
func (l *List) Replace(list []localauth.AuthorizationData, version int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]types.IdTagInfo, len(list))
	l.mergeLocked(list)
	l.version = version
	return l.persistLocked()
}

// Merge applies a differential update. Entries without idTagInfo are removed.
func (l *List) Merge(list []localauth.AuthorizationData, version int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mergeLocked(list)
	l.version = version
	return l.persistLocked()
}

func (l *List) mergeLocked(list []localauth.AuthorizationData) {
	for _, d := range list {
		if d.IdTagInfo == nil {
			delete(l.entries, d.IdTag)
			continue
		}
		l.entries[d.IdTag] = *d.IdTagInfo
	}
}

// Update answers SendLocalList.
func (l *List) Update(version int, updateType localauth.UpdateType, list []localauth.AuthorizationData) localauth.UpdateStatus {
	if !l.listEnabled() {
		return localauth.UpdateStatusNotSupported
	}
	var err error
	switch updateType {
	case localauth.UpdateTypeFull:
		err = l.Replace(list, version)
	case localauth.UpdateTypeDifferential:
		if version <= l.Version() {
			klog.V(2).InfoS("Refusing stale differential update", "version", version, "current", l.Version())
			return localauth.UpdateStatusVersionMismatch
		}
		err = l.Merge(list, version)
	default:
		return localauth.UpdateStatusFailed
	}
	if err != nil {
		klog.ErrorS(err, "Failed to persist local authorization list", "version", version)
		return localauth.UpdateStatusFailed
	}
	klog.V(2).InfoS("Local authorization list updated", "version", version, "type", updateType, "entries", l.Len())
	return localauth.UpdateStatusAccepted
}

func (l *List) persistLocked() error {
	if l.persister == nil {
		return nil
	}
	doc := Document{ListVersion: l.version, IdTagList: make([]localauth.AuthorizationData, 0, len(l.entries))}
	for tag, info := range l.entries {
		info := info
		doc.IdTagList = append(doc.IdTagList, localauth.AuthorizationData{IdTag: tag, IdTagInfo: &info})
	}
	return l.persister.Save(doc)
}
