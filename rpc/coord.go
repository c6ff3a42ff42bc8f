// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package rpc implements the JSON-over-TCP service runtime: ServiceCoord
// addressing, framed wire codec, method registry with callable/binary/
// threaded flags, reconnecting clients and the timer wheel services run
// their periodic work on.
package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// ServiceCoord identifies one endpoint of the service mesh: a well known
// service name plus a shard index. It is the process wide identity of a
// running service and the key of the configured address map.
type ServiceCoord struct {
	Name  string `json:"name"`
	Shard int    `json:"shard"`
}

func (c ServiceCoord) String() string {
	return fmt.Sprintf("%s,%d", c.Name, c.Shard)
}

// ParseServiceCoord parses the "Name,shard" form produced by String.
func ParseServiceCoord(s string) (ServiceCoord, error) {
	name, shardStr, ok := strings.Cut(s, ",")
	if !ok || name == "" {
		return ServiceCoord{}, fmt.Errorf("malformed service coord %q", s)
	}
	shard, err := strconv.Atoi(strings.TrimSpace(shardStr))
	if err != nil {
		return ServiceCoord{}, fmt.Errorf("malformed service coord %q: %w", s, err)
	}
	return ServiceCoord{Name: name, Shard: shard}, nil
}

// AddressBook resolves service coordinates to dialable addresses. The
// configuration package provides the production implementation; tests use
// in-memory books.
type AddressBook interface {
	// Address returns the "host:port" of a coordinate and whether the
	// coordinate is configured at all.
	Address(coord ServiceCoord) (string, bool)

	// Shards returns how many shards of a service the deployment runs.
	Shards(name string) int
}

// Book is a static in-memory AddressBook.
type Book map[ServiceCoord]string

func (b Book) Address(coord ServiceCoord) (string, bool) {
	addr, ok := b[coord]
	return addr, ok
}

func (b Book) Shards(name string) int {
	n := 0
	for coord := range b {
		if coord.Name == name {
			n++
		}
	}
	return n
}
