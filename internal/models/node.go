package models

import "time"

// Node is one leaf of the realtime document tree when the tree is persisted
// in SQL. Path is the slash-separated location of the leaf; Value is its JSON
// encoding.
type Node struct {
	Path      string    `gorm:"primaryKey;size:512"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"index"`
}

// CacheEntry is a key/value row backing a local cache namespace.
type CacheEntry struct {
	Namespace string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"primaryKey;size:64"`
	Value     string    `gorm:"type:mediumtext;not null"`
	UpdatedAt time.Time
}
