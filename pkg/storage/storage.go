package storage

import (
	"time"
)

type StoreGroup byte

const (
	StoreGroupStation StoreGroup = iota
)

var (
	StoreGroupToString = map[StoreGroup]string{
		StoreGroupStation: "station",
	}
	StoreGroupFromString = map[string]StoreGroup{
		"station": StoreGroupStation,
	}
)

// resources
const (
	// station
	Connectors    = "connectors"
	LocalAuth     = "localauth"
	Configuration = "configuration"
)

var groupResources = map[StoreGroup][]string{
	StoreGroupStation: {Connectors, LocalAuth, Configuration},
}

type Getter interface {
	Get(key string) ([]byte, error)
}

type Lister interface {
	List(key string) ([]*FileInfo, error)
}

type Putter interface {
	Put(key string, obj interface{}) error
}

type Deleter interface {
	Delete(key string) error
}

type Storage interface {
	Getter
	Lister
	Putter
	Deleter
}

type FileInfo struct {
	Path    string
	ModTime time.Time
}
