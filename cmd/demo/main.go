package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/intellect4all/kvstore/store"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("kvstore Demo: B+-Tree Index vs Patricia Index over one append-only log")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("Both indexes sit on the same segment log and page cache; they only")
	fmt.Println("differ in how they arrange keys on disk:")
	fmt.Println("  • B+-tree:  balanced fan-out pages, good for uniformly-keyed data")
	fmt.Println("  • Patricia: compressed trie, shares common key prefixes on disk")
	fmt.Println()

	demoBTree()
	fmt.Println()
	demoPatricia()

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("Use the B+-tree index when keys are unstructured or uniformly random.")
	fmt.Println("Use the Patricia index when keys share long common prefixes (paths,")
	fmt.Println("reverse domains, sorted timestamps): the shared prefix is stored once")
	fmt.Println("per branch instead of once per key.")
}

func demoBTree() {
	fmt.Println("\n### B+-Tree Index Demo ###")
	fmt.Println(strings.Repeat("-", 40))

	dir := "./data-btree"
	os.MkdirAll(dir, 0755)
	defer os.RemoveAll(dir)

	cfg := store.DefaultConfig(dir)
	cfg.IndexKind = store.IndexBTree

	s, err := store.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	fmt.Println("✓ Opened store with the B+-tree index")

	runWalkthrough(s)
}

func demoPatricia() {
	fmt.Println("\n### Patricia Index Demo ###")
	fmt.Println(strings.Repeat("-", 40))

	dir := "./data-patricia"
	os.MkdirAll(dir, 0755)
	defer os.RemoveAll(dir)

	cfg := store.DefaultConfig(dir)
	cfg.IndexKind = store.IndexPatricia

	s, err := store.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()

	fmt.Println("✓ Opened store with the Patricia index")

	runWalkthrough(s)

	// Patricia's distinguishing feature: long shared prefixes collapse onto
	// one branch instead of being repeated in every leaf.
	fmt.Println("\n[Shared-prefix keys]")
	prefixed := map[string]string{
		"route:/api/v1/users":         "handler=listUsers",
		"route:/api/v1/users/:id":     "handler=getUser",
		"route:/api/v1/users/:id/rel": "handler=getUserRelations",
		"route:/api/v1/orders":        "handler=listOrders",
	}
	for k, v := range prefixed {
		if err := s.Put([]byte(k), []byte(v)); err != nil {
			log.Printf("PUT %s: %v", k, err)
		}
	}
	fmt.Printf("  Inserted %d keys sharing the \"route:/api/v1/\" prefix\n", len(prefixed))
	v, err := s.Get([]byte("route:/api/v1/users/:id"))
	if err == nil {
		fmt.Printf("  GET route:/api/v1/users/:id -> %s\n", v)
	}
}

func runWalkthrough(s *store.Store) {
	fmt.Println("\n[Writing data]")
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"user:1003":   `{"name": "Charlie", "age": 35, "city": "LA"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
		"product:102": `{"name": "Mouse", "price": 29.99}`,
	}
	for key, value := range testData {
		if err := s.Put([]byte(key), []byte(value)); err != nil {
			log.Printf("Error writing %s: %v", key, err)
		} else {
			fmt.Printf("  PUT %s\n", key)
		}
	}

	fmt.Println("\n[Reading data]")
	for key := range testData {
		value, err := s.Get([]byte(key))
		if err != nil {
			log.Printf("Error reading %s: %v", key, err)
		} else {
			fmt.Printf("  GET %s -> %s\n", key, truncate(string(value), 40))
		}
	}

	fmt.Println("\n[Updating data - overwrites in place in the tree, appends in the log]")
	s.Put([]byte("user:1001"), []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`))
	fmt.Println("  PUT user:1001 (updated)")
	name, _ := s.Get([]byte("user:1001"))
	fmt.Printf("  GET user:1001 -> %s\n", truncate(string(name), 50))

	fmt.Println("\n[Duplicate values for one key]")
	s.Add([]byte("tag:go"), []byte("project-a"))
	s.Add([]byte("tag:go"), []byte("project-b"))
	s.PutRight([]byte("tag:go"), []byte("project-c"))
	all, _ := s.GetAll([]byte("tag:go"))
	fmt.Printf("  ADD/ADD/PUT-RIGHT tag:go -> %d values: %v\n", len(all), stringify(all))
	s.DeleteValue([]byte("tag:go"), []byte("project-b"))
	all, _ = s.GetAll([]byte("tag:go"))
	fmt.Printf("  DELETE-VALUE tag:go project-b -> %d values: %v\n", len(all), stringify(all))

	fmt.Println("\n[Deleting data]")
	s.Delete([]byte("product:102"))
	fmt.Println("  DELETE product:102")
	if _, err := s.Get([]byte("product:102")); err != nil {
		fmt.Printf("  GET product:102 -> %v (as expected)\n", err)
	}

	fmt.Println("\n[Ordered cursor over the current snapshot]")
	cur := s.Cursor()
	count := 0
	for cur.Next() {
		if count < 3 {
			fmt.Printf("  %s -> %s\n", cur.Key(), truncate(string(cur.Value()), 30))
		}
		count++
	}
	cur.Close()
	fmt.Printf("  ... %d keys total\n", count)

	fmt.Println("\n[Reclaiming space]")
	if err := s.Compact(); err != nil {
		log.Printf("Compact: %v", err)
	} else {
		fmt.Println("  Compact() rewrote every live record forward")
	}

	fmt.Println("\n[Statistics]")
	stats := s.Stats()
	fmt.Printf("  Keys: %d\n", stats.NumKeys)
	fmt.Printf("  Segments: %d\n", stats.NumSegments)
	fmt.Printf("  Disk Usage: %.2f MB\n", float64(stats.TotalDiskSize)/(1024*1024))
	fmt.Printf("  Compactions: %d\n", stats.CompactCount)
}

func stringify(vals [][]byte) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
