// Command blockkv-server exposes a block store for inspection and
// transfer over HTTP.
package main

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/blockkv/blockkv/pkg/blockfs"
)

// CLI defines the command-line interface for blockkv-server.
var CLI struct {
	Addr string `help:"Listen address" default:":8080"`
	DB   string `help:"Store directory path" type:"path" default:"./data/blockkv"`
	Mem  bool   `help:"Use an in-memory store"`
}

var backend *blockfs.Backend

func main() {
	kong.Parse(&CLI,
		kong.Name("blockkv-server"),
		kong.Description("HTTP inspection server for a block store"),
		kong.UsageOnError(),
	)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if CLI.Mem {
		backend = blockfs.OpenMemory()
	} else {
		var err error
		backend, err = blockfs.Open(CLI.DB)
		if err != nil {
			log.Fatal("Failed to open store:", err)
		}
	}
	defer backend.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutting down gracefully...")
		backend.Close()
		os.Exit(0)
	}()

	mux := http.NewServeMux()

	mux.HandleFunc("/v1/files", handleFiles)
	mux.HandleFunc("/v1/files/", handleFileOps)

	slog.Info("Starting server", "addr", CLI.Addr)
	if err := http.ListenAndServe(CLI.Addr, mux); err != nil {
		log.Fatal(err)
	}
}

func handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos, err := backend.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type fileEntry struct {
		Name      string `json:"name"`
		Size      int64  `json:"size"`
		BlockSize int    `json:"block_size"`
	}

	entries := make([]fileEntry, len(infos))
	for i, info := range infos {
		entries[i] = fileEntry{Name: info.Name, Size: info.Size, BlockSize: info.BlockSize}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"files": entries})
}

func handleFileOps(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/files/")
	if path == "" {
		http.Error(w, "missing file name", http.StatusBadRequest)
		return
	}

	if name, indexStr, ok := strings.Cut(path, "/blocks/"); ok {
		handleBlock(w, r, name, indexStr)
		return
	}

	switch r.Method {
	case http.MethodGet:
		handleStat(w, r, path)
	case http.MethodPost:
		handleImport(w, r, path)
	case http.MethodDelete:
		handleDelete(w, r, path)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func handleStat(w http.ResponseWriter, r *http.Request, name string) {
	f, err := backend.OpenFile(r.Context(), name, blockfs.OpenOptions{})
	if err != nil {
		if errors.Is(err, blockfs.ErrCannotOpen) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":       name,
		"size":       f.Size(),
		"block_size": f.SectorSize(),
	})
}

func handleBlock(w http.ResponseWriter, r *http.Request, name, indexStr string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	index, err := strconv.ParseUint(indexStr, 10, 32)
	if err != nil {
		http.Error(w, "invalid block index", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	f, err := backend.OpenFile(ctx, name, blockfs.OpenOptions{})
	if err != nil {
		if errors.Is(err, blockfs.ErrCannotOpen) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if err := f.Lock(ctx, blockfs.LockShared); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Unlock(ctx, blockfs.LockNone)

	blockSize := f.SectorSize()
	data, err := f.ReadAt(ctx, int64(index)*int64(blockSize), blockSize)
	if errors.Is(err, blockfs.ErrShortRead) {
		http.Error(w, "block past end of file", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func handleImport(w http.ResponseWriter, r *http.Request, name string) {
	blockSize := 0
	if bsStr := r.URL.Query().Get("block_size"); bsStr != "" {
		bs, err := strconv.Atoi(bsStr)
		if err != nil || bs <= 0 {
			http.Error(w, "invalid block size", http.StatusBadRequest)
			return
		}
		blockSize = bs
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	f, err := backend.OpenFile(ctx, name, blockfs.OpenOptions{Create: true, BlockSize: blockSize})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if err := blockfs.WriteFull(ctx, f, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("imported file", "file", name, "bytes", len(data))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name": name,
		"size": len(data),
	})
}

func handleDelete(w http.ResponseWriter, r *http.Request, name string) {
	err := backend.Delete(r.Context(), name)
	if err != nil {
		if errors.Is(err, blockfs.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("deleted file", "file", name)
	w.WriteHeader(http.StatusNoContent)
}
