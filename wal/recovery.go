package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// RecoveredRecord is one record recovered from a WAL file during startup,
// with the file it came from and the byte offset it started at (useful for
// diagnostics).
type RecoveredRecord struct {
	File   string
	Offset int64
	Decoded
}

// Recover scans every *.wal file under dir in ascending segment order,
// verifying each record's checksum, and returns every record recovered up
// to the first corrupt or partial record in the newest file. Crash
// recovery truncates the tail at the first corrupt or partial record.
// Only the newest file's tail is ever truncated — an older sealed file
// with a bad tail indicates a deeper bug, since sealed files are fsynced
// whole before being handed to the segment writer, so Recover treats
// corruption in any file but the last as fatal.
func Recover(dir string) ([]RecoveredRecord, error) {
	names, err := walFileNames(dir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	var out []RecoveredRecord
	for i, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("wal: recover: read %s: %w", path, err)
		}

		isNewest := i == len(names)-1
		recs, truncatedAt, recErr := decodeAll(data)
		if recErr != nil && !isNewest {
			return nil, fmt.Errorf("wal: recover: sealed file %s is corrupt at offset %d: %w", path, truncatedAt, recErr)
		}
		var offset int64
		for _, r := range recs {
			out = append(out, RecoveredRecord{File: path, Offset: offset, Decoded: r})
			offset += int64(lengthPrefixSize + headerSize + len(r.Payload) + crcSize)
		}
		if recErr != nil && isNewest {
			if truncatedErr := truncateFile(path, int64(truncatedAt)); truncatedErr != nil {
				return nil, fmt.Errorf("wal: recover: truncate %s: %w", path, truncatedErr)
			}
		}
	}
	return out, nil
}

// decodeAll decodes every complete, checksum-valid record from data in
// order, stopping at the first short read or checksum mismatch. It returns
// the byte offset that decoding stopped at (where a caller should truncate
// the file) alongside any error describing why it stopped.
func decodeAll(data []byte) ([]Decoded, int, error) {
	var out []Decoded
	offset := 0
	for offset < len(data) {
		rec, n, err := Decode(data[offset:])
		if err != nil {
			return out, offset, err
		}
		out = append(out, rec)
		offset += n
	}
	return out, offset, nil
}

func truncateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func walFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: recover: readdir %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".wal" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
