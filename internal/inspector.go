// Package internal holds operator tooling that is not part of the relay
// protocol.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const (
	defaultPrefix = "conv:"
	defaultLimit  = 200
)

type InspectRow struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Size   int    `json:"size"`
	Detail string `json:"detail"`
}

type StatsProvider func() map[string]any

type PageData struct {
	Prefix string         `json:"prefix"`
	Items  []InspectRow   `json:"items"`
	Stats  map[string]any `json:"stats"`
}

// NewInspector serves the raw store content under a key prefix:
// /inspect?prefix=msg:&limit=50. CBOR records are shown in diagnostic
// notation, other values as text.
func NewInspector(db *badger.DB, stats StatsProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			prefix = defaultPrefix
		}
		limit := defaultLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		data := PageData{Prefix: prefix, Items: []InspectRow{}, Stats: map[string]any{}}
		if stats != nil {
			data.Stats = stats()
		}

		items, err := Scan(db, prefix, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Items = items

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(data)
	})
}

// Scan maps at most limit entries stored under prefix, in key order.
func Scan(db *badger.DB, prefix string, limit int) ([]InspectRow, error) {
	rows := []InspectRow{}
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)) && (limit <= 0 || len(rows) < limit); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				rows = append(rows, DefaultMapper(string(item.Key()), val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return rows, err
}

// DefaultMapper names a row after its key namespace and decodes its value.
func DefaultMapper(key string, val []byte) InspectRow {
	namespace, _, _ := strings.Cut(key, ":")
	row := InspectRow{Key: key, Type: strings.ToUpper(namespace), Size: len(val)}
	switch {
	case len(val) == 0:
		row.Detail = "-"
	case utf8.Valid(val):
		// CBOR records start with a map header, never valid UTF-8.
		row.Detail = string(val)
	default:
		if diagnostic, err := cbor.Diagnose(val); err == nil {
			row.Detail = diagnostic
		} else {
			row.Detail = fmt.Sprintf("Size: %d bytes", len(val))
		}
	}
	return row
}

// StartDebugServer serves the inspector on its own port until ctx ends.
func StartDebugServer(ctx context.Context, log *slog.Logger, db *badger.DB, port int, stats StatsProvider) {
	mux := http.NewServeMux()
	mux.Handle("/inspect", NewInspector(db, stats))
	server := &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Debug inspector stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
}
