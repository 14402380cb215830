// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package compilecache caches compiled bytecode.Module encodings keyed by
// a hash of their source text, so repeated loads of an unchanged script
// skip recompilation. This is strictly a compiled-artifact cache: it never
// touches heap, GC, or propset state, and holds nothing across process
// lifetimes that the Runtime's own state depends on.
//
// Grounded on the go-probe node's trie/state disk-cache layering
// (probedb: an in-memory hashicorp/golang-lru tier in front of a
// syndtr/goleveldb on-disk store, golang/snappy-compressed), reused here
// for exactly the same shape of problem — a content-addressed blob cache
// with a small hot-path memory tier and an optional durable backing store.
package compilecache

import (
	"encoding/hex"
	"encoding/json"
	"errors"

	lru "github.com/hashicorp/golang-lru"
	"github.com/golang/snappy"
	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/crypto/sha3"

	"github.com/haven-engine/scriptrt/bytecode"
	"github.com/haven-engine/scriptrt/value"
)

// ErrMiss is returned by Get when source has no cached entry.
var ErrMiss = errors.New("compilecache: miss")

// entry is the on-disk (and in-memory) encoding of a cached module: the
// whole of bytecode.Module's public shape, so a cache hit reconstructs a
// module indistinguishable from a fresh compile.
type entry struct {
	Name           string                      `json:"name"`
	Strings        []string                    `json:"strings"`
	Constants      []value.Value               `json:"constants"`
	Functions      []bytecode.CompiledFunction `json:"functions"`
	Globals        []value.Value               `json:"globals"`
	NativeBindings []string                    `json:"native_bindings"`
}

// Cache layers an in-memory LRU in front of an optional on-disk goleveldb
// store. With dir == "", only the LRU tier is active.
type Cache struct {
	mem *lru.Cache
	db  *leveldb.DB
}

// Open returns a Cache with an LRU tier of entries capacity. If dir is
// non-empty, a goleveldb database is opened there as the durable tier.
func Open(dir string, entries int) (*Cache, error) {
	if entries <= 0 {
		entries = 256
	}
	m, err := lru.New(entries)
	if err != nil {
		return nil, err
	}
	c := &Cache{mem: m}
	if dir != "" {
		db, err := leveldb.OpenFile(dir, nil)
		if err != nil {
			return nil, err
		}
		c.db = db
	}
	return c, nil
}

// Close releases the on-disk tier, if open.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// KeyFor returns the content-addressed cache key for source text.
func KeyFor(source []byte) string {
	sum := sha3.Sum256(source)
	return hex.EncodeToString(sum[:])
}

// Get looks up the compiled module cached for source, checking the LRU
// tier first and falling back to the on-disk tier (populating the LRU on
// a disk hit), returning ErrMiss if neither has an entry.
func (c *Cache) Get(source []byte) (*bytecode.Module, error) {
	key := KeyFor(source)
	if v, ok := c.mem.Get(key); ok {
		return decodeEntry(v.(*entry))
	}
	if c.db == nil {
		return nil, ErrMiss
	}
	raw, err := c.db.Get([]byte(key), nil)
	if err != nil {
		return nil, ErrMiss
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, err
	}
	var e entry
	if err := json.Unmarshal(decoded, &e); err != nil {
		return nil, err
	}
	c.mem.Add(key, &e)
	return decodeEntry(&e)
}

// Put stores mod's compiled form under source's content hash, in the LRU
// tier and, if configured, the on-disk tier (snappy-compressed).
func (c *Cache) Put(source []byte, mod *bytecode.Module) error {
	key := KeyFor(source)
	e := encodeEntry(mod)
	c.mem.Add(key, e)
	if c.db == nil {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	compressed := snappy.Encode(nil, raw)
	return c.db.Put([]byte(key), compressed, nil)
}

func encodeEntry(mod *bytecode.Module) *entry {
	return &entry{
		Name:           mod.Name,
		Strings:        mod.Strings(),
		Constants:      mod.Constants(),
		Functions:      mod.Functions(),
		Globals:        mod.Globals,
		NativeBindings: mod.NativeBindings,
	}
}

func decodeEntry(e *entry) (*bytecode.Module, error) {
	mod := bytecode.NewModule(e.Name)
	for _, s := range e.Strings {
		mod.AddString(s)
	}
	for _, c := range e.Constants {
		mod.AddConstant(c)
	}
	for _, fn := range e.Functions {
		mod.AddFunction(fn)
	}
	mod.Globals = append([]value.Value(nil), e.Globals...)
	for _, n := range e.NativeBindings {
		mod.AddNativeBinding(n)
	}
	return mod, nil
}
