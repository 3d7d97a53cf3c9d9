// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrCorrupted is returned when a stored record fails its CRC check.
var ErrCorrupted = errors.New("record corrupted (CRC mismatch)")

// Key layout:
//
//	meta/current                               current version (uint64 BE)
//	meta/next_node                             next node id (uint64 BE)
//	meta/next_migration                        next migration sequence (uint64 BE)
//	node/{version:016d}/{node:016d}            framed Node
//	edge/{version:016d}/{parent:016d}/{child:016d}  framed Edge
//	migration/{seq:016d}                       framed Migration
//	history/{seq:016d}                         framed MigrationHeader
var (
	keyCurrent       = []byte("meta/current")
	keyNextNode      = []byte("meta/next_node")
	keyNextMigration = []byte("meta/next_migration")
	prefixMigration  = []byte("migration/")
	prefixHistory    = []byte("history/")
)

func nodePrefix(v Version) []byte {
	return []byte(fmt.Sprintf("node/%016d/", v))
}

func nodeKey(v Version, id NodeID) []byte {
	return []byte(fmt.Sprintf("node/%016d/%016d", v, id))
}

func edgePrefix(v Version) []byte {
	return []byte(fmt.Sprintf("edge/%016d/", v))
}

func edgeKey(v Version, parent, child NodeID) []byte {
	return []byte(fmt.Sprintf("edge/%016d/%016d/%016d", v, parent, child))
}

func migrationKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("migration/%016d", seq))
}

func historyKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("history/%016d", seq))
}

// encode frames a gob payload as [4-byte CRC32][gob data].
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(buf.Bytes()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

// decode verifies the CRC frame and decodes the gob payload into v.
func decode(data []byte, v any) error {
	if len(data) < 5 {
		return fmt.Errorf("%w: record too short", ErrCorrupted)
	}

	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}

	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}
	return nil
}

func encodeUint(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: counter has %d bytes", ErrCorrupted, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
